package main

import (
	"context"
	"fmt"

	"github.com/pipeops/particle-plumber/pkg/config"
	"github.com/pipeops/particle-plumber/pkg/datastore"
	"github.com/pipeops/particle-plumber/pkg/discovery"
	"github.com/pipeops/particle-plumber/pkg/metrics"
	"github.com/pipeops/particle-plumber/pkg/particle"
	"github.com/pipeops/particle-plumber/pkg/plumber"
	"github.com/pipeops/particle-plumber/pkg/telemetry"
	"github.com/pipeops/particle-plumber/pkg/vmpool"
	"github.com/pipeops/particle-plumber/pkg/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// node bundles a running scheduler with the collaborators it uses. newNode
// does not start a discovery behaviour, so the discovery field stays nil.
type node struct {
	plumber   *plumber.Plumber
	discovery *discovery.Behaviour
	pool      *vmpool.Pool
	store     datastore.ParticleDataStore
	telemetry *telemetry.Provider
	cancel    context.CancelFunc
}

// newDataStore selects the ParticleDataStore backend named in cfg, defaulting
// to the plain file-tree store when unset.
func newDataStore(cfg config.DataStoreConfig) (datastore.ParticleDataStore, error) {
	switch cfg.Backend {
	case "", "file":
		return datastore.NewFileStore(datastore.DirConfig{BaseDir: cfg.BaseDir}), nil
	case "badger":
		return datastore.NewBadgerStore(cfg.BaseDir)
	default:
		return nil, fmt.Errorf("unknown data store backend %q", cfg.Backend)
	}
}

func newNode(ctx context.Context, cfg config.Config, log *logrus.Entry) (*node, error) {
	runCtx, cancel := context.WithCancel(ctx)

	store, err := newDataStore(cfg.DataStore)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("selecting data store backend: %w", err)
	}
	if err := store.Initialize(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("initializing data store: %w", err)
	}

	pool := vmpool.New(airInterpreterFactory(cfg), vmpool.Config{
		PoolSize:        cfg.VMPool.PoolSize,
		WarmConcurrency: vmpool.DefaultConfig().WarmConcurrency,
	}, log)

	tp, err := telemetry.New(runCtx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "plumberd",
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building telemetry provider: %w", err)
	}

	reg := prometheus.NewRegistry()
	hostSpawner := workers.NewHostSpawner(runCtx)
	keyStorage := workers.NewMapKeyStorage()
	rootKeyPair, err := keyStorage.KeyPairFor(particle.Host())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("deriving root key pair: %w", err)
	}

	deps := plumber.Deps{
		Pool:        pool,
		Store:       store,
		Registry:    workers.NewMapRegistry(cfg.VM.CurrentPeerID, nil),
		KeyStorage:  keyStorage,
		Scopes:      workers.NewMapPeerScopes(cfg.VM.CurrentPeerID),
		RootKeyPair: rootKeyPair,
		HostPeerID:  cfg.VM.CurrentPeerID,
		HostSpawner: hostSpawner,
		WorkerSpawnerFactory: func(workerID string) workers.Spawner {
			return workers.NewWorkerSpawner(runCtx, 4)
		},
		Verifier: particle.VerifierFunc(func(particle.Particle) error { return nil }),
		Run:      unimplementedInterpreter,
		NowMs:    nowMs,
		Metrics:  metrics.NewParticleExecutorMetrics(reg),
		Tracer:   tp.Tracer(),
		Log:      log,
	}

	p := plumber.New(deps)
	go p.Run(runCtx)

	n := &node{plumber: p, pool: pool, store: store, telemetry: tp, cancel: cancel}

	if cfg.Kademlia.PeerID != "" {
		log.Warn("kademlia peer id configured but no libp2p host was wired into this process; discovery behaviour disabled")
	}

	return n, nil
}

func (n *node) Close() {
	n.cancel()
	n.pool.Close()
	n.telemetry.Shutdown(context.Background())
	if closer, ok := n.store.(interface{ Close() error }); ok {
		closer.Close()
	}
}

package plumber

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pipeops/particle-plumber/pkg/actor"
	"github.com/pipeops/particle-plumber/pkg/datastore"
	"github.com/pipeops/particle-plumber/pkg/metrics"
	"github.com/pipeops/particle-plumber/pkg/particle"
	"github.com/pipeops/particle-plumber/pkg/vmpool"
	"github.com/pipeops/particle-plumber/pkg/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type fakeRootKey struct{}

func (fakeRootKey) Sign(data []byte) ([]byte, error) { return append([]byte("signed:"), data...), nil }

type clock struct{ ms int64 }

func (c *clock) now() int64 { return c.ms }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestPlumber(t *testing.T, nowMs func() int64, run actor.RunFunc) *Plumber {
	t.Helper()

	factory := func(ctx context.Context) (vmpool.Interpreter, error) { return struct{}{}, nil }
	pool := vmpool.New(factory, vmpool.Config{PoolSize: 1, WarmConcurrency: 1}, testLogger())
	t.Cleanup(pool.Close)

	store := datastore.NewFileStore(datastore.DirConfig{BaseDir: t.TempDir()})
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()

	deps := Deps{
		Pool:        pool,
		Store:       store,
		Registry:    workers.NewMapRegistry("host", nil),
		KeyStorage:  workers.NewMapKeyStorage(),
		Scopes:      workers.NewMapPeerScopes("host"),
		RootKeyPair: fakeRootKey{},
		HostPeerID:  "host",
		HostSpawner: workers.NewHostSpawner(ctx),
		WorkerSpawnerFactory: func(workerID string) workers.Spawner {
			return workers.NewWorkerSpawner(ctx, 2)
		},
		Run:     run,
		NowMs:   nowMs,
		Metrics: metrics.NewParticleExecutorMetrics(reg),
		Log:     testLogger(),
	}
	return New(deps)
}

func waitForEvent(t *testing.T, p *Plumber) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ready := p.poll(context.Background()); ready {
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for an event")
	return Event{}
}

func TestScenario1ExpiredAtIngest(t *testing.T) {
	c := &clock{ms: 2000}
	p := newTestPlumber(t, c.now, nil)

	p.Ingest(particle.Particle{ID: "p1", Timestamp: 1000, TTL: 10}, nil, particle.Host())

	ev := waitForEvent(t, p)
	if ev.Err == nil || ev.Err.Kind != KindParticleExpired {
		t.Fatalf("expected ParticleExpired event, got %+v", ev)
	}
	if ev.Err.ParticleID != "p1" {
		t.Fatalf("expected particle id p1, got %q", ev.Err.ParticleID)
	}
	if len(p.actors) != 0 {
		t.Fatalf("expected no actor created for an expired particle")
	}
}

func TestScenario3SignatureBad(t *testing.T) {
	c := &clock{ms: 1000}
	p := newTestPlumber(t, c.now, nil)
	p.deps.Verifier = particle.VerifierFunc(func(particle.Particle) error {
		return errSignature
	})

	p.Ingest(particle.Particle{ID: "p1", Timestamp: 1000, TTL: 60_000}, nil, particle.Host())

	ev := waitForEvent(t, p)
	if ev.Err == nil || ev.Err.Kind != KindSignatureVerificationFailed {
		t.Fatalf("expected SignatureVerificationFailed event, got %+v", ev)
	}
	if len(p.actors) != 0 {
		t.Fatalf("expected no actor created for a bad signature")
	}
}

var errSignature = errors.New("bad signature")

func TestScenario4WorkerInactiveNonPrivileged(t *testing.T) {
	c := &clock{ms: 1000}
	p := newTestPlumber(t, c.now, nil)

	p.Ingest(particle.Particle{ID: "p1", InitPeerID: "stranger", Timestamp: 1000, TTL: 60_000}, nil, particle.Worker("w1"))

	_, ready := p.poll(context.Background())
	if ready {
		t.Fatalf("expected no event for a silently dropped particle")
	}
	if len(p.actors) != 0 {
		t.Fatalf("expected no actor created for an inactive, non-privileged worker particle")
	}
}

func TestScenario2HappyPath(t *testing.T) {
	c := &clock{ms: 1000}
	run := func(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, f *actor.FunctionTable) (particle.ParticleEffects, actor.Stats, vmpool.Interpreter, error) {
		return particle.ParticleEffects{}, actor.Stats{Success: true}, vm, nil
	}
	p := newTestPlumber(t, c.now, run)

	p.Ingest(particle.Particle{ID: "p1", Timestamp: 1000, TTL: 60_000}, nil, particle.Host())

	// First poll: actor created, VM borrowed, execution starts (no event yet).
	_, ready := p.poll(context.Background())
	if ready {
		t.Fatalf("expected first poll to be pending while execution is in flight")
	}
	if len(p.actors) != 1 {
		t.Fatalf("expected exactly one actor")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.deps.Pool.FreeVMs() != 1 && time.Now().Before(deadline) {
		p.poll(context.Background())
		time.Sleep(time.Millisecond)
	}
	if p.deps.Pool.FreeVMs() != 1 {
		t.Fatalf("expected the VM to be returned to the pool")
	}

	c.ms = 1000 + 60_000 + 1
	p.poll(context.Background())
	if len(p.actors) != 0 {
		t.Fatalf("expected actor to be cleaned up after its deadline passed")
	}
}

func TestPrevDataMergesAcrossInvocations(t *testing.T) {
	c := &clock{ms: 1000}

	var mu sync.Mutex
	calls := 0
	var seenPrevData [][]byte
	run := func(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, f *actor.FunctionTable) (particle.ParticleEffects, actor.Stats, vmpool.Interpreter, error) {
		mu.Lock()
		calls++
		n := calls
		seenPrevData = append(seenPrevData, append([]byte(nil), prevData...))
		mu.Unlock()
		return particle.ParticleEffects{NewData: []byte{byte('a' + n - 1)}}, actor.Stats{Success: true}, vm, nil
	}
	p := newTestPlumber(t, c.now, run)

	waitForCalls := func(n int) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			p.poll(context.Background())
			mu.Lock()
			reached := calls >= n
			mu.Unlock()
			if reached && p.deps.Pool.FreeVMs() == 1 {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d run invocations", n)
	}

	p.Ingest(particle.Particle{ID: "p1", Timestamp: 1000, TTL: 60_000}, nil, particle.Host())
	waitForCalls(1)

	p.Ingest(particle.Particle{ID: "p1", Timestamp: 1000, TTL: 60_000}, nil, particle.Host())
	waitForCalls(2)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected run to be invoked twice, got %d", calls)
	}
	if len(seenPrevData[0]) != 0 {
		t.Fatalf("expected first invocation to see no prev data, got %q", seenPrevData[0])
	}
	if string(seenPrevData[1]) != "a" {
		t.Fatalf("expected second invocation to see first invocation's new_data, got %q", seenPrevData[1])
	}

	merged, err := p.deps.Store.ReadPrevData(context.Background(), "p1")
	if err != nil {
		t.Fatalf("reading merged data: %v", err)
	}
	if string(merged) != "ab" {
		t.Fatalf("expected accumulated data %q, got %q", "ab", merged)
	}
}

// Package plumber implements the cooperative scheduler that ingests
// particles, dispatches them to a bounded pool of interpreter VMs, routes
// the resulting effects, and garbage-collects expired actor state.
package plumber

import (
	"context"
	"sync"
	"time"

	"github.com/pipeops/particle-plumber/pkg/actor"
	"github.com/pipeops/particle-plumber/pkg/datastore"
	"github.com/pipeops/particle-plumber/pkg/deadline"
	"github.com/pipeops/particle-plumber/pkg/metrics"
	"github.com/pipeops/particle-plumber/pkg/particle"
	"github.com/pipeops/particle-plumber/pkg/vmpool"
	"github.com/pipeops/particle-plumber/pkg/workers"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// MailboxWarnThreshold is the soft backlog threshold (spec.md §4.5 step 6)
// past which the dispatch loop logs a warning instead of silently stalling.
const MailboxWarnThreshold = 11

// defaultPollInterval is the fallback cadence for the Run loop when no
// external wake has fired; mirrors the "let the executor coalesce wakeups"
// guidance in spec.md §9 without requiring a literal waker type in Go.
const defaultPollInterval = 20 * time.Millisecond

// Event is one item surfaced through the scheduler's output stream: either
// a RemoteRoutingEffects to forward, or a typed Error.
type Event struct {
	Effects *RemoteRoutingEffects
	Err     *Error
}

// RemoteRoutingEffects is the output for a particle whose next hops are
// not locally known (spec.md §6).
type RemoteRoutingEffects struct {
	Particle  particle.Particle
	NextPeers []string
}

// FunctionOverride is a per-call service-function override supplied at
// ingest time (spec.md §4.5 step 6).
type FunctionOverride struct {
	Name    string
	Handler actor.Handler
}

// WorkerSpawnerFactory creates (or looks up) the execution runtime for a
// worker scope.
type WorkerSpawnerFactory func(workerID string) workers.Spawner

// Deps bundles the Plumber's out-of-scope collaborators.
type Deps struct {
	Pool                 *vmpool.Pool
	Store                datastore.ParticleDataStore
	Registry             workers.Registry
	KeyStorage           workers.KeyStorage
	Scopes               workers.PeerScopes
	RootKeyPair          particle.RootKeyPair
	HostPeerID           string
	HostSpawner          workers.Spawner
	WorkerSpawnerFactory WorkerSpawnerFactory
	Verifier             particle.Verifier
	Run                  actor.RunFunc
	NowMs                func() int64
	Metrics              *metrics.ParticleExecutorMetrics
	Tracer               trace.Tracer
	Log                  *logrus.Entry
}

type localReingest struct {
	particle particle.Particle
	scope    particle.PeerScope
}

// Plumber is the scheduler. Its exported methods are safe for concurrent
// use; an internal mutex plays the role the original's single-owner async
// task plays, serializing access to the actor table and event queue.
type Plumber struct {
	deps Deps

	mu              sync.Mutex
	actors          map[particle.ActorKey]*actor.Actor
	events          []Event
	builtins        *actor.FunctionTable
	workerSpawners  map[string]workers.Spawner
	cleanupInFlight bool
	cleanupResultCh chan error

	wake chan struct{}
	out  chan Event
}

// New creates a Plumber bound to its collaborators.
func New(deps Deps) *Plumber {
	return &Plumber{
		deps:            deps,
		actors:          make(map[particle.ActorKey]*actor.Actor),
		builtins:        actor.NewFunctionTable(),
		workerSpawners:  make(map[string]workers.Spawner),
		cleanupResultCh: make(chan error, 1),
		wake:            make(chan struct{}, 1),
		out:             make(chan Event, 64),
	}
}

func (p *Plumber) wakeUp() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// AddService installs a named builtin service-function handler, applied
// asynchronously: newly created actors pick it up, already-created actors
// do not (spec.md §9 "do not assume synchronous propagation").
func (p *Plumber) AddService(name string, h actor.Handler) {
	p.deps.HostSpawner.Spawn(func() {
		p.mu.Lock()
		p.builtins.Set(name, h)
		p.mu.Unlock()
	})
}

// RemoveService removes a named builtin service-function handler,
// asynchronously.
func (p *Plumber) RemoveService(name string) {
	p.deps.HostSpawner.Spawn(func() {
		p.mu.Lock()
		p.builtins.Remove(name)
		p.mu.Unlock()
	})
}

// Events returns the channel the Run loop delivers Ready events on.
func (p *Plumber) Events() <-chan Event { return p.out }

// Run drives the poll loop until ctx is cancelled, delivering every Ready
// event onto Events(). It is the Go translation of "store the waker and
// trigger on external events" from spec.md §9: ingest and service
// mutations call wakeUp() for prompt delivery, with defaultPollInterval as
// a fallback so background progress (VM builds, cleanup, timers) is never
// stalled.
func (p *Plumber) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(p.out)
			return
		case <-p.wake:
		case <-ticker.C:
		}

		for {
			ev, ready := p.poll(ctx)
			if !ready {
				break
			}
			select {
			case p.out <- ev:
			case <-ctx.Done():
				close(p.out)
				return
			}
		}
	}
}

// Ingest runs the admission pipeline (spec.md §4.5) synchronously.
func (p *Plumber) Ingest(part particle.Particle, override *FunctionOverride, scope particle.PeerScope) {
	p.mu.Lock()
	p.ingestLocked(part, override, scope)
	p.mu.Unlock()
	p.wakeUp()
}

func (p *Plumber) ingestLocked(part particle.Particle, override *FunctionOverride, scope particle.PeerScope) {
	now := p.deps.NowMs()

	// Step 2: deadline check.
	if d := deadline.New(part.Timestamp, part.TTL); d.IsExpired(now) {
		p.events = append(p.events, Event{Err: &Error{Kind: KindParticleExpired, ParticleID: part.ID}})
		return
	}

	// Step 3: signature verification.
	if p.deps.Verifier != nil {
		if err := p.deps.Verifier.Verify(part); err != nil {
			p.events = append(p.events, Event{Err: &Error{Kind: KindSignatureVerificationFailed, Inner: err}})
			return
		}
	}

	// Step 4: worker activation check.
	if scope.IsWorker() && p.deps.Registry != nil && !p.deps.Registry.IsWorkerActive(scope.WorkerID) {
		if p.deps.Registry.IsPrivileged(part.InitPeerID) {
			// privileged initiators may still reach an inactive worker.
		} else {
			p.deps.Log.WithFields(logrus.Fields{
				"worker_id":   scope.WorkerID,
				"particle_id": part.ID,
			}).Trace("dropping particle for inactive worker")
			return
		}
	}

	// Step 5: get-or-create actor.
	key := particle.NewActorKey(part.Signature, scope)
	a, err := p.getOrCreateActor(key, scope, part.Signature)
	if err != nil {
		p.events = append(p.events, Event{Err: &Error{Kind: KindSchedulerDied, ParticleID: part.ID, Inner: err}})
		return
	}

	// Step 6: ingest + optional function override.
	ep := particle.ExtendedParticle{Particle: part}
	if p.deps.Tracer != nil {
		_, span := p.deps.Tracer.Start(context.Background(), "plumber.ingest")
		ep.SpanContext = span.SpanContext()
		span.End()
	}
	a.Ingest(ep)
	if override != nil {
		a.SetFunction(override.Name, override.Handler)
	}
}

func (p *Plumber) getOrCreateActor(key particle.ActorKey, scope particle.PeerScope, signature []byte) (*actor.Actor, error) {
	if a, ok := p.actors[key]; ok {
		return a, nil
	}

	keyPair, err := p.deps.KeyStorage.KeyPairFor(scope)
	if err != nil {
		return nil, err
	}
	token, err := particle.DeriveParticleToken(p.deps.RootKeyPair, signature)
	if err != nil {
		return nil, err
	}
	dealID, _ := p.deps.KeyStorage.DealIDFor(scope)

	var currentPeerID string
	var spawner workers.Spawner
	if scope.IsWorker() {
		currentPeerID = scope.WorkerID
		spawner = p.workerSpawnerFor(scope.WorkerID)
	} else {
		currentPeerID = p.deps.HostPeerID
		spawner = p.deps.HostSpawner
	}

	a := actor.New(key, keyPair, currentPeerID, token, dealID,
		p.builtins.Clone(), spawner, p.deps.Run, p.deps.Store, p.deps.NowMs,
		p.deps.Log.WithField("actor_key", key.Signature))

	p.actors[key] = a
	return a, nil
}

func (p *Plumber) workerSpawnerFor(workerID string) workers.Spawner {
	if s, ok := p.workerSpawners[workerID]; ok {
		return s
	}
	s := p.deps.WorkerSpawnerFactory(workerID)
	p.workerSpawners[workerID] = s
	return s
}

// poll is the single event pump (spec.md §4.5 "Main loop").
func (p *Plumber) poll(ctx context.Context) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Step 2: drive VM pool builds.
	p.deps.Pool.Poll(ctx)

	// Step 3: drain the existing event queue first.
	if len(p.events) > 0 {
		ev := p.events[0]
		p.events = p.events[1:]
		return ev, true
	}

	var remoteBatch []RemoteRoutingEffects
	var localBatch []localReingest

	// Step 4: drain completed executions.
	for _, a := range p.actors {
		ready, res := a.PollCompleted()
		if !ready {
			continue
		}

		p.deps.Metrics.RecordInterpretation(res.Stats.Success, res.Stats.Duration, res.Stats.ServiceCallCount)

		var remotePeers []string
		for _, peerID := range res.Effects.NextPeers {
			if scope, ok := p.deps.Scopes.Scope(peerID); ok {
				localBatch = append(localBatch, localReingest{particle: res.Particle.Particle, scope: scope})
			} else {
				remotePeers = append(remotePeers, peerID)
			}
		}
		if len(remotePeers) > 0 {
			remoteBatch = append(remoteBatch, RemoteRoutingEffects{Particle: res.Particle.Particle, NextPeers: remotePeers})
		}

		if res.VM != nil {
			if err := p.deps.Pool.PutVM(res.VMID, res.VM); err != nil {
				p.deps.Log.WithError(err).Error("returning VM to pool")
			}
		} else {
			p.deps.Pool.RecreateVM(res.VMID)
		}
	}

	// Step 5: cleanup.
	select {
	case <-p.cleanupResultCh:
		p.cleanupInFlight = false
	default:
	}
	if !p.cleanupInFlight {
		now := p.deps.NowMs()
		var keys []datastore.CleanupKey
		var evictKeys []particle.ActorKey
		for key, a := range p.actors {
			if len(keys) >= datastore.MaxCleanupKeysSize {
				break
			}
			if a.IsExpired(now) && !a.IsExecuting() {
				ck := a.CleanupKey()
				keys = append(keys, datastore.CleanupKey{
					ParticleID: ck.ParticleID, PeerID: ck.PeerID, Signature: ck.Signature, DealID: ck.DealID,
				})
				evictKeys = append(evictKeys, key)
			}
		}
		for _, key := range evictKeys {
			delete(p.actors, key)
		}
		if len(keys) > 0 {
			p.cleanupInFlight = true
			store := p.deps.Store
			resultCh := p.cleanupResultCh
			p.deps.HostSpawner.Spawn(func() {
				resultCh <- store.BatchCleanupData(ctx, keys)
			})
		}
	}

	// Step 6: dispatch.
	totalBacklog := 0
	for _, a := range p.actors {
		totalBacklog += a.MailboxSize()
	}
	for _, a := range p.actors {
		vmID, vm, ok := p.deps.Pool.GetVM()
		if !ok {
			if totalBacklog > MailboxWarnThreshold {
				p.deps.Log.WithField("backlog", totalBacklog).Warn("dispatch backlog exceeds soft threshold, pool exhausted")
			}
			break
		}
		result := a.PollNext(ctx, vmID, vm)
		if !result.Consumed {
			if err := p.deps.Pool.PutVM(result.VMID, result.VM); err != nil {
				p.deps.Log.WithError(err).Error("returning unconsumed VM to pool")
			}
			continue
		}
	}

	// Step 7: record metrics.
	p.deps.Metrics.SetMailboxBacklog(totalBacklog)
	p.deps.Metrics.SetActorCount(len(p.actors))

	// Step 8: re-ingest local effects.
	for _, item := range localBatch {
		p.ingestLocked(item.particle, nil, item.scope)
	}

	// Step 9: extend event queue with remote effects.
	for _, re := range remoteBatch {
		re := re
		p.events = append(p.events, Event{Effects: &re})
	}

	// Step 10: return head or pending.
	if len(p.events) > 0 {
		ev := p.events[0]
		p.events = p.events[1:]
		return ev, true
	}
	return Event{}, false
}

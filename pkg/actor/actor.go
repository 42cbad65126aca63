// Package actor serializes execution of particles that share a signature
// and scope, cooperating with the scheduler via non-blocking poll calls.
package actor

import (
	"context"
	"time"

	"github.com/pipeops/particle-plumber/pkg/datastore"
	"github.com/pipeops/particle-plumber/pkg/deadline"
	"github.com/pipeops/particle-plumber/pkg/particle"
	"github.com/pipeops/particle-plumber/pkg/vmpool"
	"github.com/sirupsen/logrus"
)

// Stats carries interpretation statistics for one run, consumed by the
// scheduler's metrics recording step.
type Stats struct {
	Success          bool
	RetCode          int
	Duration         time.Duration
	ServiceCallCount int
}

// RunFunc runs one particle to completion against a borrowed VM, given the
// particle's accumulated prev-data (spec.md §4.3: "run one step to
// completion given prev/current data + call results"). It returns the
// effects produced, stats for metrics, and the VM to give back — or nil if
// the VM was lost (panic/cancellation), in which case the caller must
// request recreation instead of returning it to the pool.
type RunFunc func(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, functions *FunctionTable) (particle.ParticleEffects, Stats, vmpool.Interpreter, error)

// Spawner runs a unit of work on a per-scope execution runtime.
type Spawner interface {
	Spawn(fn func())
}

// PollNextResult is the outcome of PollNext.
type PollNextResult struct {
	// Consumed is true if the actor started an execution using the
	// borrowed VM. If false, the caller must return (vmID, VM) immediately.
	Consumed bool
	VMID     int
	VM       vmpool.Interpreter
	Stats    *Stats // set only when Consumed and the run completed synchronously
}

// CompletedResult is the outcome of a finished in-flight execution.
type CompletedResult struct {
	Particle particle.ExtendedParticle
	Effects  particle.ParticleEffects
	Stats    Stats
	VMID     int
	// VM is nil if the execution future panicked or was cancelled; the
	// caller must then recreate the VM instead of returning it.
	VM vmpool.Interpreter
}

type execResult struct {
	completed CompletedResult
}

// Actor is the per-(signature, scope) mailbox and execution slot.
type Actor struct {
	Key              particle.ActorKey
	KeyPair          particle.RootKeyPair
	CurrentPeerID    string
	ParticleToken    string
	DealID           string // empty unless worker scope
	Functions        *FunctionTable

	spawner      Spawner
	run          RunFunc
	store        datastore.ParticleDataStore
	log          *logrus.Entry
	nowMs        func() int64

	mailbox      []particle.ExtendedParticle
	executing    bool
	execVMID     int
	resultCh     chan execResult
	lastActivity   int64
	lastDeadline   deadline.Deadline
	hasDeadline    bool
	lastParticleID string
}

// New creates an actor bound to a run function and spawner. nowMs is the
// injectable clock shared with Deadline. store may be nil, in which case
// prev-data reads/writes around each run are skipped.
func New(key particle.ActorKey, kp particle.RootKeyPair, currentPeerID, token, dealID string,
	functions *FunctionTable, spawner Spawner, run RunFunc, store datastore.ParticleDataStore,
	nowMs func() int64, log *logrus.Entry) *Actor {
	return &Actor{
		Key:           key,
		KeyPair:       kp,
		CurrentPeerID: currentPeerID,
		ParticleToken: token,
		DealID:        dealID,
		Functions:     functions,
		spawner:       spawner,
		run:           run,
		store:         store,
		nowMs:         nowMs,
		log:           log.WithField("component", "actor"),
		lastActivity:  nowMs(),
	}
}

// Ingest pushes a particle into the mailbox and updates last-activity.
func (a *Actor) Ingest(p particle.ExtendedParticle) {
	a.mailbox = append(a.mailbox, p)
	a.lastActivity = a.nowMs()
	a.lastDeadline = deadline.New(p.Timestamp, p.TTL)
	a.hasDeadline = true
	a.lastParticleID = p.ID
}

// SetFunction installs an ephemeral per-call service-function override.
func (a *Actor) SetFunction(name string, h Handler) {
	a.Functions.Set(name, h)
}

// MailboxSize returns the number of queued, not-yet-started particles.
func (a *Actor) MailboxSize() int { return len(a.mailbox) }

// IsExecuting reports whether an execution is currently in flight.
func (a *Actor) IsExecuting() bool { return a.executing }

// IsExpired reports whether this actor is past its last-ingested particle's
// deadline. An actor with no particles ingested yet is never expired.
// Combined with IsExecuting() by the caller per the actor lifecycle rule:
// destroyed when idle past deadline AND not currently executing.
func (a *Actor) IsExpired(nowMs int64) bool {
	if !a.hasDeadline {
		return false
	}
	return a.lastDeadline.IsExpired(nowMs)
}

// CleanupKey returns the tuple used by the data store's batch cleanup.
type CleanupKey struct {
	ParticleID string
	PeerID     string
	Signature  string
	DealID     string
}

// CleanupKey returns this actor's cleanup tuple for its last-ingested particle.
func (a *Actor) CleanupKey() CleanupKey {
	return CleanupKey{
		ParticleID: a.lastParticleID,
		PeerID:     a.CurrentPeerID,
		Signature:  a.Key.Signature,
		DealID:     a.DealID,
	}
}

// PollNext starts an execution if none is in flight and the mailbox is
// non-empty, using the borrowed VM. If the actor does not consume the VM
// (already executing, or an empty mailbox) it is returned unconsumed so
// the caller can immediately return it to the pool.
func (a *Actor) PollNext(ctx context.Context, vmID int, vm vmpool.Interpreter) PollNextResult {
	if a.executing || len(a.mailbox) == 0 {
		return PollNextResult{Consumed: false, VMID: vmID, VM: vm}
	}

	next := a.mailbox[0]
	a.mailbox = a.mailbox[1:]

	a.executing = true
	a.execVMID = vmID
	a.resultCh = make(chan execResult, 1)

	run := a.run
	functions := a.Functions
	resultCh := a.resultCh
	store := a.store

	a.spawner.Spawn(func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.WithField("panic", r).WithField("particle_id", next.ID).Error("execution panicked, VM lost")
				resultCh <- execResult{completed: CompletedResult{Particle: next, VMID: vmID}}
			}
		}()

		var prevData []byte
		if store != nil {
			var err error
			prevData, err = store.ReadPrevData(ctx, next.ID)
			if err != nil {
				a.log.WithError(err).WithField("particle_id", next.ID).Warn("reading prev data")
			}
		}

		effects, stats, survivedVM, err := run(ctx, vm, prevData, next, functions)
		if err != nil {
			a.log.WithError(err).WithField("particle_id", next.ID).Warn("interpretation error")
		}
		if store != nil && len(effects.NewData) > 0 {
			if err := store.AppendData(ctx, next.ID, effects.NewData); err != nil {
				a.log.WithError(err).WithField("particle_id", next.ID).Warn("appending particle data")
			}
		}
		resultCh <- execResult{
			completed: CompletedResult{Particle: next, Effects: effects, Stats: stats, VMID: vmID, VM: survivedVM},
		}
	})

	return PollNextResult{Consumed: true, VMID: vmID}
}

// PollCompleted reports whether the in-flight execution has finished. It
// never blocks.
func (a *Actor) PollCompleted() (ready bool, result CompletedResult) {
	if !a.executing || a.resultCh == nil {
		return false, CompletedResult{}
	}

	select {
	case res := <-a.resultCh:
		a.executing = false
		a.resultCh = nil
		return true, res.completed
	default:
		return false, CompletedResult{}
	}
}

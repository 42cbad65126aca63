package actor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pipeops/particle-plumber/pkg/datastore"
	"github.com/pipeops/particle-plumber/pkg/particle"
	"github.com/pipeops/particle-plumber/pkg/vmpool"
	"github.com/sirupsen/logrus"
)

// memStore is a minimal in-memory datastore.ParticleDataStore test double.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Initialize(ctx context.Context) error { return nil }

func (s *memStore) ReadPrevData(ctx context.Context, particleID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data[particleID]...), nil
}

func (s *memStore) AppendData(ctx context.Context, particleID string, newData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[particleID] = append(s.data[particleID], newData...)
	return nil
}

func (s *memStore) BatchCleanupData(ctx context.Context, keys []datastore.CleanupKey) error {
	return nil
}

type inlineSpawner struct{}

func (inlineSpawner) Spawn(fn func()) { go fn() }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func waitCompleted(t *testing.T, a *Actor) CompletedResult {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ready, res := a.PollCompleted(); ready {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for completion")
	return CompletedResult{}
}

func newTestActor(run RunFunc) *Actor {
	return newTestActorWithStore(run, nil)
}

func newTestActorWithStore(run RunFunc, store datastore.ParticleDataStore) *Actor {
	now := func() int64 { return 1000 }
	return New(
		particle.NewActorKey([]byte("sig"), particle.Host()),
		nil, "peer-1", "token", "",
		NewFunctionTable(), inlineSpawner{}, run, store, now, testLogger(),
	)
}

func TestIngestThenPollNextConsumes(t *testing.T) {
	ran := make(chan struct{})
	run := func(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, f *FunctionTable) (particle.ParticleEffects, Stats, vmpool.Interpreter, error) {
		close(ran)
		return particle.ParticleEffects{NewData: []byte("ok")}, Stats{Success: true}, vm, nil
	}
	a := newTestActor(run)
	a.Ingest(particle.ExtendedParticle{Particle: particle.Particle{ID: "p1"}})

	res := a.PollNext(context.Background(), 0, struct{}{})
	if !res.Consumed {
		t.Fatalf("expected mailbox with pending particle to consume the VM")
	}
	if !a.IsExecuting() {
		t.Fatalf("expected actor to be executing")
	}

	<-ran
	completed := waitCompleted(t, a)
	if string(completed.Effects.NewData) != "ok" {
		t.Fatalf("unexpected effects: %+v", completed.Effects)
	}
	if a.IsExecuting() {
		t.Fatalf("expected actor to no longer be executing after completion")
	}
}

func TestPollNextEmptyMailboxDoesNotConsume(t *testing.T) {
	a := newTestActor(nil)
	res := a.PollNext(context.Background(), 3, struct{}{})
	if res.Consumed {
		t.Fatalf("expected empty mailbox to not consume the VM")
	}
	if res.VMID != 3 {
		t.Fatalf("expected the same vm_id to be handed back")
	}
}

func TestPollNextAlreadyExecutingDoesNotConsume(t *testing.T) {
	block := make(chan struct{})
	run := func(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, f *FunctionTable) (particle.ParticleEffects, Stats, vmpool.Interpreter, error) {
		<-block
		return particle.ParticleEffects{}, Stats{}, vm, nil
	}
	a := newTestActor(run)
	a.Ingest(particle.ExtendedParticle{Particle: particle.Particle{ID: "p1"}})
	a.Ingest(particle.ExtendedParticle{Particle: particle.Particle{ID: "p2"}})

	first := a.PollNext(context.Background(), 0, struct{}{})
	if !first.Consumed {
		t.Fatalf("expected first poll to consume")
	}

	second := a.PollNext(context.Background(), 1, struct{}{})
	if second.Consumed {
		t.Fatalf("expected second poll to not consume while still executing")
	}
	close(block)
	waitCompleted(t, a)
}

func TestLostVMSurfacesNilVM(t *testing.T) {
	run := func(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, f *FunctionTable) (particle.ParticleEffects, Stats, vmpool.Interpreter, error) {
		return particle.ParticleEffects{}, Stats{}, nil, nil
	}
	a := newTestActor(run)
	a.Ingest(particle.ExtendedParticle{Particle: particle.Particle{ID: "p1"}})
	a.PollNext(context.Background(), 0, struct{}{})

	completed := waitCompleted(t, a)
	if completed.VM != nil {
		t.Fatalf("expected nil VM to signal loss")
	}
}

func TestRunReceivesAndStoreAccumulatesPrevData(t *testing.T) {
	store := newMemStore()
	if err := store.AppendData(context.Background(), "p1", []byte("first-")); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	var seenPrevData []byte
	run := func(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, f *FunctionTable) (particle.ParticleEffects, Stats, vmpool.Interpreter, error) {
		seenPrevData = prevData
		return particle.ParticleEffects{NewData: []byte("second")}, Stats{Success: true}, vm, nil
	}
	a := newTestActorWithStore(run, store)
	a.Ingest(particle.ExtendedParticle{Particle: particle.Particle{ID: "p1"}})
	a.PollNext(context.Background(), 0, struct{}{})
	waitCompleted(t, a)

	if string(seenPrevData) != "first-" {
		t.Fatalf("expected run to observe previously appended data, got %q", seenPrevData)
	}

	merged, err := store.ReadPrevData(context.Background(), "p1")
	if err != nil {
		t.Fatalf("reading merged data: %v", err)
	}
	if string(merged) != "first-second" {
		t.Fatalf("expected accumulated data %q, got %q", "first-second", merged)
	}
}

func TestIsExpired(t *testing.T) {
	a := newTestActor(nil)
	if a.IsExpired(5000) {
		t.Fatalf("actor with no particles should never be expired")
	}
	a.Ingest(particle.ExtendedParticle{Particle: particle.Particle{ID: "p1", Timestamp: 1000, TTL: 10}})
	if !a.IsExpired(2000) {
		t.Fatalf("expected actor to be expired once its last deadline has passed, even with a queued particle")
	}
}

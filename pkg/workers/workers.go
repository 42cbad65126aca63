// Package workers provides small in-memory default implementations of the
// collaborators the Plumber consumes but does not own: worker activation
// state, per-scope signing keys, local-scope membership, and per-scope
// execution runtimes. Real deployments are expected to replace these with
// their own registry/identity/runtime infrastructure; these defaults exist
// so the rest of the core is end-to-end testable.
package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipeops/particle-plumber/pkg/particle"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Registry answers whether a worker scope is active, and whether a given
// initiator peer is privileged to reach an inactive worker.
type Registry interface {
	IsWorkerActive(workerID string) bool
	IsPrivileged(initPeerID string) bool
}

// MapRegistry is an in-memory Registry guarded by a mutex.
type MapRegistry struct {
	mu          sync.RWMutex
	active      map[string]bool
	hostPeerID  string
	managers    map[string]bool
}

// NewMapRegistry creates a registry whose privileged initiators are the
// host's own peer id plus any configured management peers.
func NewMapRegistry(hostPeerID string, managementPeers []string) *MapRegistry {
	m := &MapRegistry{
		active:     make(map[string]bool),
		hostPeerID: hostPeerID,
		managers:   make(map[string]bool, len(managementPeers)),
	}
	for _, p := range managementPeers {
		m.managers[p] = true
	}
	return m
}

// SetActive marks a worker active or inactive.
func (m *MapRegistry) SetActive(workerID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[workerID] = active
}

// IsWorkerActive implements Registry.
func (m *MapRegistry) IsWorkerActive(workerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[workerID]
}

// IsPrivileged implements Registry.
func (m *MapRegistry) IsPrivileged(initPeerID string) bool {
	if initPeerID == m.hostPeerID {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.managers[initPeerID]
}

// KeyPair signs bytes with a per-scope key. Mirrors particle.RootKeyPair
// but keyed per scope rather than globally.
type KeyPair interface {
	particle.RootKeyPair
}

// KeyStorage looks up the signing key pair and deal id for a scope.
type KeyStorage interface {
	KeyPairFor(scope particle.PeerScope) (KeyPair, error)
	DealIDFor(scope particle.PeerScope) (dealID string, ok bool)
}

type simpleKeyPair struct{ seed string }

func (k simpleKeyPair) Sign(data []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("%s:%x", k.seed, data)), nil
}

// MapKeyStorage is an in-memory KeyStorage; it lazily mints a deterministic
// key pair per scope the first time it is asked, matching the spec's "per
// scope key pair lookup" without requiring a real KMS in tests.
type MapKeyStorage struct {
	mu      sync.Mutex
	keys    map[particle.ActorKey]KeyPair // actually keyed by scope; see KeyPairFor
	deals   map[string]string
}

// NewMapKeyStorage creates an empty key store.
func NewMapKeyStorage() *MapKeyStorage {
	return &MapKeyStorage{
		keys:  make(map[particle.ActorKey]KeyPair),
		deals: make(map[string]string),
	}
}

func scopeID(scope particle.PeerScope) string {
	if scope.IsWorker() {
		return "worker:" + scope.WorkerID
	}
	return "host"
}

// KeyPairFor implements KeyStorage.
func (m *MapKeyStorage) KeyPairFor(scope particle.PeerScope) (KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := scopeID(scope)
	k := particle.ActorKey{Signature: id, Scope: scope}
	if kp, ok := m.keys[k]; ok {
		return kp, nil
	}
	kp := simpleKeyPair{seed: id}
	m.keys[k] = kp
	return kp, nil
}

// SetDealID associates a worker scope with a deal id.
func (m *MapKeyStorage) SetDealID(workerID, dealID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[workerID] = dealID
}

// DealIDFor implements KeyStorage; only worker scopes carry a deal id.
func (m *MapKeyStorage) DealIDFor(scope particle.PeerScope) (string, bool) {
	if !scope.IsWorker() {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.deals[scope.WorkerID]
	return id, ok
}

// PeerScopes answers whether a peer id is locally known, i.e. runs under
// this node's own scopes (host or one of its workers). The Plumber uses it
// to partition next_peers into local (re-ingest) vs. remote (route out).
type PeerScopes interface {
	Scope(peerID string) (particle.PeerScope, bool)
}

// MapPeerScopes is an in-memory PeerScopes.
type MapPeerScopes struct {
	mu     sync.RWMutex
	scopes map[string]particle.PeerScope
}

// NewMapPeerScopes creates a registry seeded with the host's own peer id.
func NewMapPeerScopes(hostPeerID string) *MapPeerScopes {
	s := &MapPeerScopes{scopes: make(map[string]particle.PeerScope)}
	s.Add(hostPeerID, particle.Host())
	return s
}

// Add registers a peer id as locally known under the given scope.
func (s *MapPeerScopes) Add(peerID string, scope particle.PeerScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[peerID] = scope
}

// Remove forgets a peer id.
func (s *MapPeerScopes) Remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, peerID)
}

// Scope implements PeerScopes.
func (s *MapPeerScopes) Scope(peerID string) (particle.PeerScope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope, ok := s.scopes[peerID]
	return scope, ok
}

// Spawner runs a unit of work on a per-scope execution runtime. Real
// interpreters run on whatever thread pool the scope provides (host vs.
// worker); the core only needs fire-and-forget execution, so Spawn reports
// no error back to the caller.
type Spawner interface {
	Spawn(fn func())
}

// HostSpawner runs work on an errgroup-backed background runtime, matching
// the spec's "host: use the root runtime handle" note and the teacher's
// use of golang.org/x/sync for bounded fan-out.
type HostSpawner struct {
	group *errgroup.Group
}

// NewHostSpawner creates a HostSpawner bound to ctx's lifetime.
func NewHostSpawner(ctx context.Context) *HostSpawner {
	g, _ := errgroup.WithContext(ctx)
	return &HostSpawner{group: g}
}

// Spawn implements Spawner.
func (h *HostSpawner) Spawn(fn func()) {
	h.group.Go(func() error {
		fn()
		return nil
	})
}

// WorkerSpawner runs work under a concurrency-limited semaphore, matching
// the teacher's warmSem pattern for bounding concurrent VM work.
type WorkerSpawner struct {
	sem *semaphore.Weighted
	ctx context.Context
}

// NewWorkerSpawner creates a WorkerSpawner allowing up to maxConcurrency
// simultaneous executions.
func NewWorkerSpawner(ctx context.Context, maxConcurrency int64) *WorkerSpawner {
	return &WorkerSpawner{sem: semaphore.NewWeighted(maxConcurrency), ctx: ctx}
}

// Spawn implements Spawner.
func (w *WorkerSpawner) Spawn(fn func()) {
	go func() {
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			return
		}
		defer w.sem.Release(1)
		fn()
	}()
}

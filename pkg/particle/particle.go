// Package particle defines the admission envelope and routing key types
// shared by the Plumber and its actors.
package particle

import (
	"github.com/mr-tron/base58"
	"go.opentelemetry.io/otel/trace"
)

// Particle is the immutable, externally supplied unit of work. Signature
// verification is delegated to a Verifier; this type carries the bytes only.
type Particle struct {
	ID         string
	InitPeerID string
	Signature  []byte
	Timestamp  int64 // unix ms
	TTL        int64 // ms
	Script     string
	Data       []byte
}

// Verifier checks a Particle's signature. Supplied by an out-of-scope
// collaborator (key/identity infrastructure); the core only calls Verify.
type Verifier interface {
	Verify(p Particle) error
}

// VerifierFunc adapts a function to a Verifier.
type VerifierFunc func(p Particle) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(p Particle) error { return f(p) }

// ExtendedParticle is a Particle plus a tracing span context. Clone shares
// the span context by value, matching the "clones share the span" invariant.
type ExtendedParticle struct {
	Particle
	SpanContext trace.SpanContext
}

// Clone returns a copy of e; the returned value shares the same span context.
func (e ExtendedParticle) Clone() ExtendedParticle {
	return ExtendedParticle{Particle: e.Particle, SpanContext: e.SpanContext}
}

// ScopeKind distinguishes the two PeerScope variants.
type ScopeKind int

const (
	// ScopeHost is the node's own execution identity.
	ScopeHost ScopeKind = iota
	// ScopeWorker is a worker's execution identity, identified by WorkerID.
	ScopeWorker
)

// PeerScope selects the execution identity and runtime handle a particle
// runs under: either the host, or a named worker.
type PeerScope struct {
	Kind     ScopeKind
	WorkerID string
}

// Host is the PeerScope for the node's own identity.
func Host() PeerScope { return PeerScope{Kind: ScopeHost} }

// Worker is the PeerScope for a named worker.
func Worker(workerID string) PeerScope {
	return PeerScope{Kind: ScopeWorker, WorkerID: workerID}
}

// IsWorker reports whether this scope is a worker scope.
func (s PeerScope) IsWorker() bool { return s.Kind == ScopeWorker }

// ActorKey is the unique key into the actor table: particles sharing a
// signature and scope share an actor.
type ActorKey struct {
	Signature string
	Scope     PeerScope
}

// NewActorKey builds an ActorKey from a raw signature and scope; the
// signature is encoded so it can be used as a Go map key component
// consistently regardless of byte representation upstream.
func NewActorKey(signature []byte, scope PeerScope) ActorKey {
	return ActorKey{Signature: base58.Encode(signature), Scope: scope}
}

// ParticleEffects is the output of one interpretation: new data to merge
// into the particle's persisted state, the next routing hops, and any
// outstanding service-call requests.
type ParticleEffects struct {
	NewData      []byte
	NextPeers    []string
	CallRequests []CallRequest
}

// CallRequest is a single service-function invocation requested by the
// interpreter during a run.
type CallRequest struct {
	ServiceID string
	Function  string
	Args      []byte
}

// RootKeyPair signs bytes with the node's root identity key. Supplied by
// the out-of-scope key-storage collaborator.
type RootKeyPair interface {
	Sign(data []byte) ([]byte, error)
}

// DeriveParticleToken computes the per-actor capability token: base58 of
// the root key pair's signature over the particle's signature. Grounded on
// the original's get_particle_token (bs58::encode(key_pair.sign(signature))).
func DeriveParticleToken(root RootKeyPair, signature []byte) (string, error) {
	signed, err := root.Sign(signature)
	if err != nil {
		return "", err
	}
	return base58.Encode(signed), nil
}

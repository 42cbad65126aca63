// Package datastore provides adapters for the particle data store the
// core consumes: persistence of prev-data for merging and batched cleanup
// of expired particle state.
package datastore

import "context"

// MaxCleanupKeysSize bounds the number of keys collected into a single
// cleanup batch, per spec.
const MaxCleanupKeysSize = 1024

// CleanupKey identifies one particle's on-disk state for batch removal.
type CleanupKey struct {
	ParticleID string
	PeerID     string
	Signature  string
	DealID     string
}

// ParticleDataStore is the interface the core consumes. Particle data is
// the concatenation of successive new_data across invocations with the
// same particle_id.
type ParticleDataStore interface {
	// Initialize performs one-time setup (directory creation, schema, etc.).
	Initialize(ctx context.Context) error

	// ReadPrevData returns the accumulated data for a particle id, or nil
	// if none exists yet.
	ReadPrevData(ctx context.Context, particleID string) ([]byte, error)

	// AppendData merges newData onto the particle's accumulated state.
	AppendData(ctx context.Context, particleID string, newData []byte) error

	// BatchCleanupData removes the state for a batch of keys and returns
	// when done; the Plumber runs it on a spawned goroutine. At most
	// MaxCleanupKeysSize keys per call.
	BatchCleanupData(ctx context.Context, keys []CleanupKey) error
}

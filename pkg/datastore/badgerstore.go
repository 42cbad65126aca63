package datastore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerStore is an embedded-KV ParticleDataStore, for nodes that want
// prev-data merging to survive process restarts without standing up an
// external database. It stores particle data only; it keeps no vault or
// anomaly records. Grounded on open-policy-agent's
// use of dgraph-io/badger/v4 as an embedded storage engine.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if necessary) a badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger store")
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Initialize implements ParticleDataStore; badger requires no schema setup.
func (s *BadgerStore) Initialize(ctx context.Context) error {
	return nil
}

func particleKey(particleID string) []byte {
	return []byte("particle/" + particleID)
}

// ReadPrevData implements ParticleDataStore.
func (s *BadgerStore) ReadPrevData(ctx context.Context, particleID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(particleKey(particleID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading particle data from badger")
	}
	return out, nil
}

// AppendData implements ParticleDataStore.
func (s *BadgerStore) AppendData(ctx context.Context, particleID string, newData []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := particleKey(particleID)
		var existing []byte
		item, err := txn.Get(key)
		if err == nil {
			existing, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, append(existing, newData...))
	})
}

// BatchCleanupData implements ParticleDataStore.
func (s *BadgerStore) BatchCleanupData(ctx context.Context, keys []CleanupKey) error {
	if len(keys) > MaxCleanupKeysSize {
		return fmt.Errorf("datastore: batch of %d exceeds max cleanup keys size %d", len(keys), MaxCleanupKeysSize)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(particleKey(k.ParticleID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// DirConfig derives the three sibling directories the spec requires from a
// base directory: particle prev-data, vault (per-particle shared scratch),
// and anomaly dumps. Mirrors the teacher's directory-per-unit convention
// in pkg/vm.Manager.CreateVM (filepath.Join(runtimeDir, sandboxID)).
type DirConfig struct {
	BaseDir string
}

// ParticlesDir returns the prev-data directory.
func (c DirConfig) ParticlesDir() string { return filepath.Join(c.BaseDir, "particles") }

// VaultDir returns the per-particle shared scratch directory.
func (c DirConfig) VaultDir() string { return filepath.Join(c.BaseDir, "vault") }

// AnomalyDir returns the anomaly dump directory.
func (c DirConfig) AnomalyDir() string { return filepath.Join(c.BaseDir, "anomaly") }

// FileStore is a filesystem-backed ParticleDataStore. Format is opaque to
// the core: each particle's accumulated data lives in one file under
// ParticlesDir, named by particle id.
type FileStore struct {
	mu   sync.Mutex
	dirs DirConfig
}

// NewFileStore creates a FileStore rooted at the given base directory.
func NewFileStore(dirs DirConfig) *FileStore {
	return &FileStore{dirs: dirs}
}

// Initialize implements ParticleDataStore.
func (f *FileStore) Initialize(ctx context.Context) error {
	for _, dir := range []string{f.dirs.ParticlesDir(), f.dirs.VaultDir(), f.dirs.AnomalyDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	return nil
}

func (f *FileStore) pathFor(particleID string) string {
	return filepath.Join(f.dirs.ParticlesDir(), particleID)
}

// ReadPrevData implements ParticleDataStore.
func (f *FileStore) ReadPrevData(ctx context.Context, particleID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.pathFor(particleID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading particle data")
	}
	return data, nil
}

// AppendData implements ParticleDataStore.
func (f *FileStore) AppendData(ctx context.Context, particleID string, newData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.pathFor(particleID)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening particle data file")
	}
	defer file.Close()

	if _, err := file.Write(newData); err != nil {
		return errors.Wrap(err, "appending particle data")
	}
	return nil
}

// BatchCleanupData implements ParticleDataStore.
func (f *FileStore) BatchCleanupData(ctx context.Context, keys []CleanupKey) error {
	if len(keys) > MaxCleanupKeysSize {
		return fmt.Errorf("datastore: batch of %d exceeds max cleanup keys size %d", len(keys), MaxCleanupKeysSize)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := os.Remove(f.pathFor(k.ParticleID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

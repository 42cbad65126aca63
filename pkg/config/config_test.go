package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VMPool.PoolSize != DefaultConfig().VMPool.PoolSize {
		t.Fatalf("expected default pool size")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[vm_pool]
pool_size = 8

[kademlia]
peer_fail_threshold = 5
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VMPool.PoolSize != 8 {
		t.Fatalf("expected pool_size=8, got %d", cfg.VMPool.PoolSize)
	}
	if cfg.Kademlia.PeerFailThreshold != 5 {
		t.Fatalf("expected peer_fail_threshold=5, got %d", cfg.Kademlia.PeerFailThreshold)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PLUMBER_POOL_SIZE", "12")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VMPool.PoolSize != 12 {
		t.Fatalf("expected env override to set pool_size=12, got %d", cfg.VMPool.PoolSize)
	}
}

func TestDataStoreBackendDefaultsToFile(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DataStore.Backend != "file" {
		t.Fatalf("expected default backend 'file', got %q", cfg.DataStore.Backend)
	}
}

func TestDataStoreBackendEnvOverride(t *testing.T) {
	t.Setenv("PLUMBER_DATA_BACKEND", "badger")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataStore.Backend != "badger" {
		t.Fatalf("expected env override to set backend=badger, got %q", cfg.DataStore.Backend)
	}
}

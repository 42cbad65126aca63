package datastore

import (
	"context"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(DirConfig{BaseDir: dir})
	ctx := context.Background()

	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if data, err := store.ReadPrevData(ctx, "p1"); err != nil || data != nil {
		t.Fatalf("expected no data yet, got %v, err %v", data, err)
	}

	if err := store.AppendData(ctx, "p1", []byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendData(ctx, "p1", []byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := store.ReadPrevData(ctx, "p1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ab" {
		t.Fatalf("expected concatenated data 'ab', got %q", data)
	}

	if err := store.BatchCleanupData(ctx, []CleanupKey{{ParticleID: "p1"}}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if data, _ := store.ReadPrevData(ctx, "p1"); data != nil {
		t.Fatalf("expected data removed after cleanup, got %v", data)
	}
}

func TestFileStoreBatchCleanupRejectsOversizedBatch(t *testing.T) {
	store := NewFileStore(DirConfig{BaseDir: t.TempDir()})
	keys := make([]CleanupKey, MaxCleanupKeysSize+1)
	if err := store.BatchCleanupData(context.Background(), keys); err == nil {
		t.Fatalf("expected error for oversized batch")
	}
}

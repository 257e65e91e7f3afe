package badger

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/storage"
	"github.com/nicktill/sitegrid/pkg/storage/storagetest"
)

func TestBadgerStorage_Conformance(t *testing.T) {
	// Use in-memory mode for tests
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	storagetest.Run(t, store)
}

func TestBadgerStorage_Persistence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	key := storage.Key{Project: uuid.New(), Kind: storage.KindLeaf, Suffix: "0-0"}

	// Write to first instance
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		if err := store.Write(ctx, key, []byte("leaf blob")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		store.Close()
	}

	// Read from second instance
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to reopen storage: %v", err)
		}
		defer store.Close()

		got, err := store.Load(ctx, key)
		if err != nil {
			t.Fatalf("Load after reopen failed: %v", err)
		}
		if string(got) != "leaf blob" {
			t.Errorf("expected persisted value, got %q", got)
		}
	}
}

func TestBadgerStorage_ContextCancellation(t *testing.T) {
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := storage.Key{Project: uuid.New(), Kind: storage.KindMachines}
	if err := store.Write(ctx, key, []byte("x")); err == nil {
		t.Error("expected Write to fail with cancelled context")
	}
	if _, err := store.Load(ctx, key); err == nil {
		t.Error("expected Load to fail with cancelled context")
	}
}

func TestBadgerStorage_RunGC(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-gc-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(Config{Path: tmpDir})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	// nothing to collect is not an error
	if err := store.RunGC(0.5); err != nil {
		t.Errorf("RunGC failed: %v", err)
	}
}

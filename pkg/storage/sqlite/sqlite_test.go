package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/storage"
	"github.com/nicktill/sitegrid/pkg/storage/storagetest"
)

func TestSQLiteStorage_Conformance(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	storagetest.Run(t, store)
}

func TestSQLiteStorage_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitegrid.db")
	ctx := context.Background()
	key := storage.Key{Project: uuid.New(), Kind: storage.KindProductionExistence}

	store, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.Write(ctx, key, []byte{1, 0, 0, 0, 0}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	store.Close()

	store, err = New(Config{Path: path})
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer store.Close()

	got, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if len(got) != 5 || got[0] != 1 {
		t.Errorf("unexpected persisted value %v", got)
	}
}

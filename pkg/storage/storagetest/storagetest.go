// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/storage"
)

// Run exercises store. The store must be empty.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()
	project := uuid.MustParse("7d3c1f9e-5b7a-4c1d-9e2f-0a1b2c3d4e5f")
	other := uuid.MustParse("00000000-0000-4000-8000-000000000001")

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := store.Load(ctx, storage.Key{Project: project, Kind: storage.KindMachines})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("WriteLoadDelete", func(t *testing.T) {
		key := storage.Key{Project: project, Kind: storage.KindProductionExistence}
		if err := store.Write(ctx, key, []byte{1, 2, 3}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := store.Write(ctx, key, []byte{4, 5}); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		got, err := store.Load(ctx, key)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if string(got) != string([]byte{4, 5}) {
			t.Errorf("expected overwritten value, got %v", got)
		}

		if err := store.Delete(ctx, key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := store.Load(ctx, key); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := store.Delete(ctx, key); err != nil {
			t.Errorf("deleting a missing key failed: %v", err)
		}
	})

	t.Run("ListAndProjects", func(t *testing.T) {
		keys := []storage.Key{
			{Project: project, Kind: storage.KindLeaf, Suffix: "32-64"},
			{Project: project, Kind: storage.KindLeaf, Suffix: "0-0"},
			{Project: project, Kind: storage.KindMachines},
			{Project: other, Kind: storage.KindLeaf, Suffix: "0-0"},
		}
		for _, k := range keys {
			if err := store.Write(ctx, k, []byte(k.String())); err != nil {
				t.Fatalf("Write %s failed: %v", k, err)
			}
		}

		leaves, err := store.List(ctx, project, storage.KindLeaf)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(leaves) != 2 || leaves[0].Suffix != "0-0" || leaves[1].Suffix != "32-64" {
			t.Errorf("unexpected leaf keys %v", leaves)
		}
		for _, k := range leaves {
			if k.Project != project || k.Kind != storage.KindLeaf {
				t.Errorf("List returned foreign key %v", k)
			}
		}

		projects, err := store.Projects(ctx)
		if err != nil {
			t.Fatalf("Projects failed: %v", err)
		}
		if len(projects) != 2 {
			t.Errorf("expected 2 projects, got %v", projects)
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Keys != uint64(len(keys)) {
			t.Errorf("expected %d keys, got %d", len(keys), stats.Keys)
		}
	})

	t.Run("Lock", func(t *testing.T) {
		key := storage.Key{Project: project, Kind: storage.KindSiteModel}
		unlock, err := store.Lock(ctx, key)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := store.Lock(waitCtx, key); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected second Lock to time out, got %v", err)
		}

		unlock()
		unlock()
		again, err := store.Lock(ctx, key)
		if err != nil {
			t.Fatalf("Lock after unlock failed: %v", err)
		}
		again()
	})
}

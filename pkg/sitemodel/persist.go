package sitemodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/sitegrid/pkg/segment"
	"github.com/nicktill/sitegrid/pkg/storage"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/wire"
)

const metaVersion = 1

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
var (
	leafEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	leafDecoder, _ = zstd.NewReader(nil)
)

// PersistResult reports what a Persist call wrote.
type PersistResult struct {
	LeavesWritten int
	LeavesDeleted int
	Bytes         int
}

func leafKey(project uuid.UUID, o subgridtree.Origin) storage.Key {
	return storage.Key{Project: project, Kind: storage.KindLeaf, Suffix: fmt.Sprintf("%d-%d", o.X, o.Y)}
}

func parseLeafSuffix(suffix string) (subgridtree.Origin, error) {
	xs, ys, ok := strings.Cut(suffix, "-")
	if !ok {
		return subgridtree.Origin{}, fmt.Errorf("invalid leaf key suffix %q", suffix)
	}
	x, err := strconv.ParseUint(xs, 10, 32)
	if err != nil {
		return subgridtree.Origin{}, fmt.Errorf("invalid leaf key suffix %q: %w", suffix, err)
	}
	y, err := strconv.ParseUint(ys, 10, 32)
	if err != nil {
		return subgridtree.Origin{}, fmt.Errorf("invalid leaf key suffix %q: %w", suffix, err)
	}
	return subgridtree.Origin{X: uint32(x), Y: uint32(y)}, nil
}

// Persist writes the metadata, existence maps, machines and every leaf
// modified since the last successful Persist. Leaves emptied by removals are
// deleted from the store. Writers of the same project are serialised with
// the store's lock on the site model key.
func (s *SiteModel) Persist(ctx context.Context, store storage.Store) (PersistResult, error) {
	var res PersistResult
	metaKey := storage.Key{Project: s.ID, Kind: storage.KindSiteModel}
	unlock, err := store.Lock(ctx, metaKey)
	if err != nil {
		return res, err
	}
	defer unlock()

	// Snapshot what needs writing under the model lock, then encode and
	// write without holding it.
	s.mu.Lock()
	production, err := s.production.MarshalBinary()
	if err != nil {
		s.mu.Unlock()
		return res, err
	}
	surveyed, err := s.surveyed.MarshalBinary()
	if err != nil {
		s.mu.Unlock()
		return res, err
	}
	dirty := make(map[subgridtree.Origin]*segment.Leaf, len(s.dirty))
	for o := range s.dirty {
		if leaf, ok := s.tree.LeafAt(o); ok {
			dirty[o] = leaf
		}
	}
	removed := make([]subgridtree.Origin, 0, len(s.removed))
	for o := range s.removed {
		removed = append(removed, o)
	}
	s.dirty = make(map[subgridtree.Origin]struct{})
	s.removed = make(map[subgridtree.Origin]struct{})
	s.mu.Unlock()

	requeue := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for o := range dirty {
			if _, ok := s.tree.LeafAt(o); ok {
				s.dirty[o] = struct{}{}
			}
		}
		for _, o := range removed {
			if _, ok := s.tree.LeafAt(o); !ok {
				s.removed[o] = struct{}{}
			}
		}
	}

	machines, err := json.Marshal(s.machines)
	if err != nil {
		requeue()
		return res, fmt.Errorf("encode machines: %w", err)
	}

	w := wire.NewWriter(metaVersion, 16)
	w.F64(s.CellSize)
	w.Time(s.Created)

	writes := []struct {
		key   storage.Key
		value []byte
	}{
		{metaKey, w.Bytes()},
		{storage.Key{Project: s.ID, Kind: storage.KindProductionExistence}, production},
		{storage.Key{Project: s.ID, Kind: storage.KindSurveyedExistence}, surveyed},
		{storage.Key{Project: s.ID, Kind: storage.KindMachines}, machines},
	}
	for o, leaf := range dirty {
		raw, err := leaf.MarshalBinary()
		if err != nil {
			requeue()
			return res, fmt.Errorf("encode leaf %s: %w", o, err)
		}
		writes = append(writes, struct {
			key   storage.Key
			value []byte
		}{leafKey(s.ID, o), leafEncoder.EncodeAll(raw, nil)})
	}

	for _, wr := range writes {
		if err := store.Write(ctx, wr.key, wr.value); err != nil {
			requeue()
			return res, fmt.Errorf("persist %s: %w", wr.key, err)
		}
		res.Bytes += len(wr.value)
	}
	res.LeavesWritten = len(dirty)
	for _, o := range removed {
		if err := store.Delete(ctx, leafKey(s.ID, o)); err != nil {
			requeue()
			return res, fmt.Errorf("delete leaf %s: %w", o, err)
		}
		res.LeavesDeleted++
	}

	s.logger.Debug("site model persisted",
		"leaves_written", res.LeavesWritten, "leaves_deleted", res.LeavesDeleted, "bytes", res.Bytes)
	return res, nil
}

// Load reads a site model written by Persist. It returns storage.ErrNotFound
// if the project has never been persisted.
//
// The production existence map is rebuilt from the loaded leaves; a stored
// map that disagrees is logged and replaced.
func Load(ctx context.Context, store storage.Store, id uuid.UUID, opts Options) (*SiteModel, error) {
	opts = opts.withDefaults()
	meta, err := store.Load(ctx, storage.Key{Project: id, Kind: storage.KindSiteModel})
	if err != nil {
		return nil, err
	}
	r, err := wire.NewReader("site model", meta, metaVersion)
	if err != nil {
		return nil, err
	}
	cellSize := r.F64()
	created := r.Time()
	if err := r.Finish(); err != nil {
		return nil, err
	}

	opts.CellSize = cellSize
	s := New(id, opts)
	s.Created = created

	if err := loadExistence(ctx, store, storage.Key{Project: id, Kind: storage.KindSurveyedExistence}, s.surveyed); err != nil {
		return nil, err
	}
	stored := subgridtree.NewExistenceMap()
	if err := loadExistence(ctx, store, storage.Key{Project: id, Kind: storage.KindProductionExistence}, stored); err != nil {
		return nil, err
	}

	machines, err := store.Load(ctx, storage.Key{Project: id, Kind: storage.KindMachines})
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(machines, s.machines); err != nil {
			return nil, err
		}
	}

	keys, err := store.List(ctx, id, storage.KindLeaf)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		origin, err := parseLeafSuffix(key.Suffix)
		if err != nil {
			return nil, err
		}
		blob, err := store.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		raw, err := leafDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress leaf %s: %w", origin, err)
		}
		leaf := &segment.Leaf{}
		if err := leaf.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		if leaf.Origin() != origin {
			return nil, fmt.Errorf("leaf stored under %s has origin %s", origin, leaf.Origin())
		}
		if leaf.IsEmpty() {
			continue
		}
		if _, _, err := s.tree.EnsureLeaf(origin.X, origin.Y, func(subgridtree.Origin) *segment.Leaf { return leaf }); err != nil {
			return nil, err
		}
		s.production.Set(origin)
	}

	if !stored.Equal(s.production) {
		s.logger.Warn("stored existence map disagrees with leaves, rebuilt",
			"stored_bits", stored.Count(), "leaf_bits", s.production.Count())
	}
	return s, nil
}

func loadExistence(ctx context.Context, store storage.Store, key storage.Key, into *subgridtree.ExistenceMap) error {
	data, err := store.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return into.UnmarshalBinary(data)
}

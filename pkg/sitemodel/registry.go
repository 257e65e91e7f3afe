package sitemodel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/sitegrid/pkg/storage"
)

// Registry owns the site models of every project. Models are created lazily
// on first use; with a store attached, a model persisted earlier is loaded
// instead of created.
type Registry struct {
	opts  Options
	store storage.Store

	mu     sync.RWMutex
	models map[uuid.UUID]*SiteModel
	group  singleflight.Group

	subMu       sync.RWMutex
	subscribers []func(Change)
}

// NewRegistry creates a registry. store may be nil for a purely in-memory
// registry.
func NewRegistry(store storage.Store, opts Options) *Registry {
	return &Registry{
		opts:   opts.withDefaults(),
		store:  store,
		models: make(map[uuid.UUID]*SiteModel),
	}
}

// Subscribe registers fn with every current and future site model.
func (r *Registry) Subscribe(fn func(Change)) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		m.Subscribe(fn)
	}
}

// Get returns the model for id if it is already resident.
func (r *Registry) Get(id uuid.UUID) (*SiteModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// GetOrCreate returns the model for id, loading or creating it on first use.
// created reports whether a brand new model was made. Concurrent callers for
// one id share a single load.
func (r *Registry) GetOrCreate(ctx context.Context, id uuid.UUID) (m *SiteModel, created bool, err error) {
	return r.resolve(ctx, id, true)
}

// Lookup returns the model for id, loading it from the store if it was
// persisted earlier. It never creates a model; ok is false for a project
// that does not exist.
func (r *Registry) Lookup(ctx context.Context, id uuid.UUID) (m *SiteModel, ok bool, err error) {
	m, _, err = r.resolve(ctx, id, false)
	return m, m != nil, err
}

func (r *Registry) resolve(ctx context.Context, id uuid.UUID, create bool) (*SiteModel, bool, error) {
	if m, ok := r.Get(id); ok {
		return m, false, nil
	}

	type result struct {
		model   *SiteModel
		created bool
	}
	key := id.String()
	if !create {
		key = "lookup:" + key
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if m, ok := r.Get(id); ok {
			return result{model: m}, nil
		}

		var res result
		if r.store != nil {
			loaded, err := Load(ctx, r.store, id, r.opts)
			switch {
			case err == nil:
				res.model = loaded
			case !errors.Is(err, storage.ErrNotFound):
				return nil, fmt.Errorf("load site model %s: %w", id, err)
			}
		}
		if res.model == nil {
			if !create {
				return res, nil
			}
			res.model = New(id, r.opts)
			res.created = true
		}

		r.subMu.RLock()
		r.mu.Lock()
		if m, ok := r.models[id]; ok {
			// a concurrent lookup or create won
			r.mu.Unlock()
			r.subMu.RUnlock()
			return result{model: m}, nil
		}
		r.models[id] = res.model
		r.mu.Unlock()
		for _, fn := range r.subscribers {
			res.model.Subscribe(fn)
		}
		r.subMu.RUnlock()

		if res.created {
			r.opts.Logger.Info("site model created", "project", id.String())
		} else {
			r.opts.Logger.Info("site model loaded", "project", id.String(), "leaves", res.model.LeafCount())
		}
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(result)
	return res.model, res.created, nil
}

// Projects returns the IDs of resident models, sorted.
func (r *Registry) Projects() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.models))
	for id := range r.models {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// LoadAll makes every project found in the store resident.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	ids, err := r.store.Projects(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, _, err := r.GetOrCreate(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// PersistAll persists every resident model. It keeps going after a failure
// and returns the joined errors.
func (r *Registry) PersistAll(ctx context.Context) (PersistResult, error) {
	var total PersistResult
	if r.store == nil {
		return total, nil
	}
	var errs []error
	for _, id := range r.Projects() {
		m, ok := r.Get(id)
		if !ok {
			continue
		}
		res, err := m.Persist(ctx, r.store)
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", id, err))
		}
		total.LeavesWritten += res.LeavesWritten
		total.LeavesDeleted += res.LeavesDeleted
		total.Bytes += res.Bytes
	}
	return total, errors.Join(errs...)
}

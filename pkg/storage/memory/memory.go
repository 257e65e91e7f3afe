package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/storage"
)

// Storage stores values in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	values map[string][]byte
	mu     sync.RWMutex
	locks  *storage.KeyLocks
	closed bool
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		values: make(map[string][]byte),
		locks:  storage.NewKeyLocks(),
	}
}

// Load returns a copy of the value stored under key
func (s *Storage) Load(ctx context.Context, key storage.Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	v, ok := s.values[key.String()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Write stores a copy of value under key
func (s *Storage) Write(ctx context.Context, key storage.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.values[key.String()] = append([]byte(nil), value...)
	return nil
}

// Delete removes key
func (s *Storage) Delete(ctx context.Context, key storage.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	delete(s.values, key.String())
	return nil
}

// Lock takes the exclusive lock for key
func (s *Storage) Lock(ctx context.Context, key storage.Key) (func(), error) {
	return s.locks.Lock(ctx, key)
}

// List returns the keys of one kind stored for project, sorted
func (s *Storage) List(ctx context.Context, project uuid.UUID, kind storage.Kind) ([]storage.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	var names []string
	for k := range s.values {
		if storage.MatchesPrefix(k, project, kind) {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	keys := make([]storage.Key, 0, len(names))
	for _, n := range names {
		k, err := storage.ParseKey(n)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Projects returns every project with stored keys
func (s *Storage) Projects(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	seen := make(map[string]bool)
	var out []uuid.UUID
	for k := range s.values {
		id, _, _ := strings.Cut(k, "/")
		if seen[id] {
			continue
		}
		seen[id] = true
		project, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		out = append(out, project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Close marks the store closed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{Keys: uint64(len(s.values))}
	for k, v := range s.values {
		stats.SizeBytes += uint64(len(k) + len(v))
	}
	return stats, nil
}

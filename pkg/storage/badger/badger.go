package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/storage"
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db    *badger.DB
	locks *storage.KeyLocks
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory limits for laptops: 16 MB memtable by default
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// BadgerDB has several unbounded memory consumers; cap the caches
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	// Leaf blobs are already zstd compressed; keep snappy for the small
	// existence map and metadata values
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024). // existence maps stay in the LSM, leaves go to the vlog
		WithNumCompactors(2). // badger refuses fewer than two
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db, locks: storage.NewKeyLocks()}, nil
}

// Load returns the value stored under key
// Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Load(ctx context.Context, key storage.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type loadResult struct {
		value []byte
		err   error
	}
	done := make(chan loadResult, 1)

	go func() {
		var res loadResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key.String()))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			res.value, err = item.ValueCopy(nil)
			return err
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil && !errors.Is(res.err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load %s: %w", key, res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("load operation cancelled: %w", ctx.Err())
	}
}

// Write stores value under key
func (s *Storage) Write(ctx context.Context, key storage.Key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set([]byte(key.String()), value); err != nil {
				return fmt.Errorf("failed to write %s: %w", key, err)
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Delete removes key
func (s *Storage) Delete(ctx context.Context, key storage.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key.String()))
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Lock takes the exclusive lock for key
func (s *Storage) Lock(ctx context.Context, key storage.Key) (func(), error) {
	return s.locks.Lock(ctx, key)
}

// List returns the keys of one kind stored for project, in key order
func (s *Storage) List(ctx context.Context, project uuid.UUID, kind storage.Kind) ([]storage.Key, error) {
	prefix := []byte(storage.Prefix(project, kind))
	var keys []storage.Key
	err := s.scanKeys(ctx, prefix, func(k string) error {
		if !storage.MatchesPrefix(k, project, kind) {
			return nil
		}
		key, err := storage.ParseKey(k)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// Projects returns every project with stored keys
func (s *Storage) Projects(ctx context.Context) ([]uuid.UUID, error) {
	seen := make(map[string]bool)
	var out []uuid.UUID
	err := s.scanKeys(ctx, nil, func(k string) error {
		id, _, _ := strings.Cut(k, "/")
		if seen[id] {
			return nil
		}
		seen[id] = true
		if project, err := uuid.Parse(id); err == nil {
			out = append(out, project)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, err
}

// scanKeys iterates keys with the given prefix without fetching values.
// Checks the context every 1000 keys.
func (s *Storage) scanKeys(ctx context.Context, prefix []byte, fn func(string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}
				if err := fn(string(it.Item().Key())); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("scan operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from replaced leaf blobs
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.scanKeys(ctx, nil, func(string) error {
		stats.Keys++
		return nil
	})
	if err != nil {
		return nil, err
	}
	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

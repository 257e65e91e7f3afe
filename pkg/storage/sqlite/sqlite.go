// Package sqlite implements storage.Store on a single SQLite file using the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nicktill/sitegrid/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key     TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	kind    TEXT NOT NULL,
	value   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_project_kind ON kv (project, kind);
`

// Config holds database configuration
type Config struct {
	// Path to the database file. ":memory:" keeps everything in memory.
	Path string
}

// Storage implements storage.Store on SQLite
type Storage struct {
	db    *sql.DB
	locks *storage.KeyLocks
}

// New opens (creating if needed) the database and its schema
func New(cfg Config) (*Storage, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if cfg.Path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		// WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return &Storage{db: db, locks: storage.NewKeyLocks()}, nil
}

// Load returns the value stored under key
func (s *Storage) Load(ctx context.Context, key storage.Key) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return value, nil
}

// Write stores value under key
func (s *Storage) Write(ctx context.Context, key storage.Key, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, project, kind, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key.String(), key.Project.String(), string(key.Kind), value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (s *Storage) Delete(ctx context.Context, key storage.Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Lock takes the exclusive lock for key
func (s *Storage) Lock(ctx context.Context, key storage.Key) (func(), error) {
	return s.locks.Lock(ctx, key)
}

// List returns the keys of one kind stored for project, in key order
func (s *Storage) List(ctx context.Context, project uuid.UUID, kind storage.Kind) ([]storage.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE project = ? AND kind = ? ORDER BY key`, project.String(), string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", storage.Prefix(project, kind), err)
	}
	defer rows.Close()

	var keys []storage.Key
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		key, err := storage.ParseKey(name)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Projects returns every project with stored keys
func (s *Storage) Projects(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		project, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		out = append(out, project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, rows.Err()
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	var size sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(LENGTH(key) + LENGTH(value)) FROM kv`).
		Scan(&stats.Keys, &size)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	stats.SizeBytes = uint64(size.Int64)
	return stats, nil
}

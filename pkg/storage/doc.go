/*
Package storage provides the pluggable key-value abstraction that persists
site models.

# Store Interface

All backends implement the Store interface:

	type Store interface {
	    Load(ctx context.Context, key Key) ([]byte, error)
	    Write(ctx context.Context, key Key, value []byte) error
	    Delete(ctx context.Context, key Key) error
	    Lock(ctx context.Context, key Key) (unlock func(), error)
	    List(ctx context.Context, project uuid.UUID, kind Kind) ([]Key, error)
	    Projects(ctx context.Context) ([]uuid.UUID, error)
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Backends:
  - memory: in-process map for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression), the default
  - sqlite: a single SQLite file through modernc.org/sqlite (no cgo)

# Keys

A Key is (project, kind, suffix) and is stored physically as
"<project uuid>/<kind>[/<suffix>]":

	<project>/existence-production   production data existence map
	<project>/existence-surveyed     surveyed-surface-only existence map
	<project>/leaf/<x>-<y>           one zstd compressed leaf subgrid
	<project>/machines               machine registry
	<project>/sitemodel              cell size and other site metadata

Load returns ErrNotFound for missing keys; check it with errors.Is.

# Locks

Lock serialises writers of one key across goroutines. Locks are striped by
xxhash of the key and honour context cancellation:

	unlock, err := store.Lock(ctx, key)
	if err != nil {
	    return err
	}
	defer unlock()
*/
package storage

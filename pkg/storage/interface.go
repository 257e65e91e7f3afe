package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Load when no value is stored under the key.
	ErrNotFound = errors.New("storage: key not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store closed")
)

// Store is the key-value collaborator that persists site model state.
// Implementations: memory (testing), badger (default), sqlite (single file)
type Store interface {
	// Load returns the value stored under key, or ErrNotFound
	Load(ctx context.Context, key Key) ([]byte, error)

	// Write stores value under key, replacing any previous value
	Write(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// Lock takes an exclusive lock on key until the returned func is called
	Lock(ctx context.Context, key Key) (unlock func(), err error)

	// List returns the keys of one kind stored for a project
	List(ctx context.Context, project uuid.UUID, kind Kind) ([]Key, error)

	// Projects returns every project with at least one stored key
	Projects(ctx context.Context) ([]uuid.UUID, error)

	// Close cleanly shuts down the store
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// Kind names a class of persisted value.
type Kind string

const (
	KindProductionExistence Kind = "existence-production"
	KindSurveyedExistence   Kind = "existence-surveyed"
	KindLeaf                Kind = "leaf"
	KindMachines            Kind = "machines"
	KindSiteModel           Kind = "sitemodel"
)

// Key addresses a value by project, kind and an optional suffix (for
// example a leaf origin).
type Key struct {
	Project uuid.UUID
	Kind    Kind
	Suffix  string
}

// String renders the key as project/kind[/suffix]. Backends use this form as
// the physical key so that a project's keys share a prefix.
func (k Key) String() string {
	if k.Suffix == "" {
		return k.Project.String() + "/" + string(k.Kind)
	}
	return k.Project.String() + "/" + string(k.Kind) + "/" + k.Suffix
}

// Prefix returns the physical key prefix shared by all keys of a project
// and kind.
func Prefix(project uuid.UUID, kind Kind) string {
	return project.String() + "/" + string(kind)
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) < 2 {
		return Key{}, fmt.Errorf("invalid storage key %q", s)
	}
	project, err := uuid.Parse(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("invalid storage key %q: %w", s, err)
	}
	k := Key{Project: project, Kind: Kind(parts[1])}
	if len(parts) == 3 {
		k.Suffix = parts[2]
	}
	return k, nil
}

// MatchesPrefix reports whether the physical key belongs to the project
// and kind. Prefix alone would also match a kind that extends another.
func MatchesPrefix(physical string, project uuid.UUID, kind Kind) bool {
	p := Prefix(project, kind)
	return physical == p || strings.HasPrefix(physical, p+"/")
}

// Stats provides storage health and usage info
type Stats struct {
	// Number of stored keys
	Keys uint64

	// Storage size in bytes
	SizeBytes uint64
}

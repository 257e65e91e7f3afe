package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// KeyLocks hands out exclusive per-key locks. Keys are hashed onto a fixed
// set of stripes, so unrelated keys may occasionally share a lock.
// The zero value is not usable; call NewKeyLocks.
type KeyLocks struct {
	stripes [lockStripes]chan struct{}
}

// NewKeyLocks creates an unlocked set of key locks.
func NewKeyLocks() *KeyLocks {
	l := &KeyLocks{}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until the lock for key is free or ctx is done. The returned
// unlock func may be called more than once.
func (l *KeyLocks) Lock(ctx context.Context, key Key) (func(), error) {
	stripe := l.stripes[xxhash.Sum64String(key.String())%lockStripes]
	select {
	case stripe <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-stripe }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

package monitor

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/sitegrid/pkg/metrics"
)

// DefaultUsageTTL bounds how stale a reported usage figure may be.
const DefaultUsageTTL = 10 * time.Second

// StorageUsage is a snapshot of the data directory's size.
type StorageUsage struct {
	UsedBytes int64     `json:"used_bytes"`
	MaxBytes  int64     `json:"max_bytes"`
	Files     int       `json:"files"`
	Percent   float64   `json:"percent"`
	CheckedAt time.Time `json:"checked_at"`
}

// StorageMonitor reports the on-disk size of a site model store's data
// directory. Walking the directory is slow for large badger stores, so the
// last result is reused for TTL.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cached StorageUsage
	valid  bool
}

// NewStorageMonitor creates a monitor over dataDir with a byte limit. A
// limit of zero or less disables the limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		ttl:      DefaultUsageTTL,
		now:      time.Now,
	}
}

// Usage returns the current usage, walking the directory when the cached
// figure is older than the TTL or was invalidated.
func (sm *StorageMonitor) Usage() (StorageUsage, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	if sm.valid && now.Sub(sm.cached.CheckedAt) < sm.ttl {
		return sm.cached, nil
	}

	used, files, err := dirSize(sm.dataDir)
	if err != nil {
		return StorageUsage{}, fmt.Errorf("storage usage of %s: %w", sm.dataDir, err)
	}
	u := StorageUsage{UsedBytes: used, MaxBytes: sm.maxBytes, Files: files, CheckedAt: now}
	if sm.maxBytes > 0 {
		u.Percent = float64(used) / float64(sm.maxBytes) * 100
	}
	metrics.SetStorageBytes(used)

	sm.cached, sm.valid = u, true
	return u, nil
}

// GetUsage returns the used bytes.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	u, err := sm.Usage()
	return u.UsedBytes, err
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Invalidate forces the next Usage call to walk the directory. Called after
// a checkpoint has written leaves.
func (sm *StorageMonitor) Invalidate() {
	sm.mu.Lock()
	sm.valid = false
	sm.mu.Unlock()
}

// dirSize sums the allocated size of every regular file under root.
func dirSize(root string) (size int64, files int, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := getActualFileSize(path, info)
		if err != nil {
			n = info.Size()
		}
		size += n
		files++
		return nil
	})
	return size, files, err
}

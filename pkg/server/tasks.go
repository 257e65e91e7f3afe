package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nicktill/sitegrid/pkg/config"
	"github.com/nicktill/sitegrid/pkg/metrics"
	"github.com/nicktill/sitegrid/pkg/storage/badger"
)

const (
	persistMaxRetries = 3
	persistBaseDelay  = 5 * time.Second
	badgerDiscard     = 0.5
)

// PersistNow writes every dirty site model once and records the outcome.
func (s *Server) PersistNow(ctx context.Context) error {
	start := time.Now()
	res, err := s.Models.PersistAll(ctx)
	metrics.RecordPersist(res.LeavesWritten, res.LeavesDeleted, time.Since(start), err)
	if err != nil {
		s.Persistence.RecordFailure(err)
		return err
	}
	s.Persistence.RecordSuccess(fmt.Sprintf("%d leaves written, %d deleted", res.LeavesWritten, res.LeavesDeleted))
	if res.LeavesWritten > 0 || res.LeavesDeleted > 0 {
		if s.StorageMonitor != nil {
			s.StorageMonitor.Invalidate()
		}
		s.Logger.Info("persistence completed",
			"written", res.LeavesWritten,
			"deleted", res.LeavesDeleted,
			"bytes", res.Bytes,
			"duration", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// RunPersistence checkpoints dirty site models every PersistInterval. A
// failed checkpoint is retried with exponential backoff before waiting for
// the next tick.
func (s *Server) RunPersistence(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := s.Config.PersistInterval
	if interval <= 0 {
		interval = config.PersistInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runWithRetry := func() {
		for attempt := 0; attempt <= persistMaxRetries; attempt++ {
			if attempt > 0 {
				delay := persistBaseDelay * time.Duration(1<<(attempt-1)) // 5s, 10s, 20s
				s.Logger.Info("retrying persistence", "in", delay, "attempt", attempt+1)
				select {
				case <-time.After(delay):
				case <-stop:
					return
				}
			}

			err := s.PersistNow(context.Background())
			if err == nil {
				return
			}
			s.Logger.Error("persistence failed", "attempt", attempt+1, "error", err)
			if n := s.Persistence.ConsecutiveErrors(); n > persistMaxRetries {
				s.Logger.Error("persistence keeps failing", "consecutive_errors", n)
			}
		}
		s.Logger.Warn("persistence failed after retries, will retry on next schedule", "attempts", persistMaxRetries+1)
	}

	s.Logger.Info("persistence scheduler started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-stop:
			s.Logger.Info("stopping persistence scheduler")
			return
		}
	}
}

// RunBadgerGC reclaims value log space periodically. It returns at once for
// other backends.
func (s *Server) RunBadgerGC(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := s.Store.(*badger.Storage)
	if !ok {
		s.Logger.Debug("storage is not badger, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// An error means there was nothing to rewrite.
			if err := badgerStore.RunGC(badgerDiscard); err != nil {
				s.Logger.Debug("badger GC found nothing to reclaim", "duration", time.Since(start).Round(time.Millisecond))
			} else {
				s.Logger.Info("badger GC reclaimed space", "duration", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			return
		}
	}
}

// RunCacheSweep drops expired cache entries so idle entries do not hold
// memory until they are next looked up.
func (s *Server) RunCacheSweep(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.CacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Cache.Sweep(); n > 0 {
				s.Logger.Debug("cache sweep", "expired", n, "entries", s.Cache.Len())
			}
		case <-stop:
			return
		}
	}
}

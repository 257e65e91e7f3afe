// Package server wires the site model daemon: storage, registry, cache,
// ingest endpoints, the change hub and background tasks.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/sitegrid/pkg/cache"
	"github.com/nicktill/sitegrid/pkg/config"
	"github.com/nicktill/sitegrid/pkg/ingest"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/server/monitor"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/storage"
	"github.com/nicktill/sitegrid/pkg/storage/badger"
	"github.com/nicktill/sitegrid/pkg/storage/memory"
	"github.com/nicktill/sitegrid/pkg/storage/sqlite"
)

const (
	serverReadTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Server holds the daemon's components.
type Server struct {
	Config config.Config
	Logger *slog.Logger

	Store    storage.Store
	Models   *sitemodel.Registry
	Cache    *cache.Cache
	Hub      *ingest.ChangeHub
	Ingestor *ingest.Ingestor

	StorageMonitor *monitor.StorageMonitor
	Persistence    *monitor.JobMonitor
}

// InitializeStorage opens the configured backend.
func InitializeStorage(cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	logger = logging.OrDefault(logger)
	if cfg.Backend != "memory" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory storage, site models are lost on exit")
		return memory.New(), nil
	case "sqlite":
		path := filepath.Join(cfg.DataDir, "sitegrid.db")
		store, err := sqlite.New(sqlite.Config{Path: path})
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite storage initialized", "path", path)
		return store, nil
	case "badger":
		store, err := badger.New(badger.Config{Path: cfg.DataDir, MaxMemoryMB: cfg.MaxMemoryMB})
		if err != nil {
			return nil, err
		}
		logger.Info("badger storage initialized", "path", cfg.DataDir, "max_memory_mb", cfg.MaxMemoryMB)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// New opens storage, loads every persisted site model and connects the
// cache and the change hub to the registry.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	logger = logging.OrDefault(logger)
	store, err := InitializeStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	models := sitemodel.NewRegistry(store, sitemodel.Options{
		CellSize:         cfg.CellSize,
		MaxSegmentPasses: cfg.SegmentMaxPasses,
		Logger:           logger,
	})
	n, err := models.LoadAll(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load site models: %w", err)
	}
	logger.Info("site models loaded", "projects", n)

	s := &Server{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Models: models,
		Cache: cache.New(cache.Options{
			TTL:        cfg.CacheTTL,
			MaxEntries: cfg.CacheMaxEntries,
		}),
		Hub:         ingest.NewChangeHub(logger),
		Ingestor:    ingest.NewIngestor(models, ingest.WithLogger(logger)),
		Persistence: monitor.NewJobMonitor("persistence", 3*max(cfg.PersistInterval, time.Minute)),
	}
	if cfg.Backend != "memory" {
		s.StorageMonitor = monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageGB<<30)
	}
	models.Subscribe(s.Cache.OnChange)
	models.Subscribe(s.Hub.Publish)
	return s, nil
}

// Run serves HTTP and runs the background tasks until ctx is done, then
// shuts down, persisting dirty site models one last time.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Hub.Run(hubCtx)
	}()

	stop := make(chan struct{})
	wg.Add(3)
	go s.RunPersistence(stop, &wg)
	go s.RunBadgerGC(stop, &wg)
	go s.RunCacheSweep(stop, &wg)

	srv := &http.Server{
		Addr:        ":" + s.Config.Port,
		Handler:     s.Router(),
		ReadTimeout: serverReadTimeout + config.IngestTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		s.Logger.Info("server listening", "addr", srv.Addr, "backend", s.Config.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.Logger.Info("shutdown signal received")
	case serveErr = <-errc:
		s.Logger.Error("server failed", "error", serveErr)
	}

	// Stop background tasks first so the final persist does not race them.
	close(stop)
	stopHub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.Logger.Warn("server shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Logger.Warn("some background tasks did not stop in time")
	}

	if err := s.PersistNow(shutdownCtx); err != nil {
		s.Logger.Error("final persistence failed", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		s.Logger.Warn("closing storage", "error", err)
	}
	s.Logger.Info("server exited")
	return serveErr
}

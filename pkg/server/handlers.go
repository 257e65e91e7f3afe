package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/sitegrid/pkg/cache"
	"github.com/nicktill/sitegrid/pkg/httpx"
	"github.com/nicktill/sitegrid/pkg/ingest"
	"github.com/nicktill/sitegrid/pkg/metrics"
	"github.com/nicktill/sitegrid/pkg/server/monitor"
)

// Version is reported by the health endpoint.
var Version = "dev"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Uptime      string            `json:"uptime"`
	Projects    int               `json:"projects"`
	Persistence monitor.JobStatus `json:"persistence"`
	Cache       cache.Stats       `json:"cache"`
	Clients     int               `json:"event_clients"`
}

// handleHealth returns service health. A failing persistence job marks the
// service degraded; a fresh daemon that has not persisted yet is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.Persistence.Status()
	overall, code := "healthy", http.StatusOK
	if status.LastAttempt != "" && !status.Healthy {
		overall, code = "degraded", http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, HealthResponse{
		Status:      overall,
		Version:     Version,
		Uptime:      time.Since(startTime).Round(time.Second).String(),
		Projects:    len(s.Models.Projects()),
		Persistence: status,
		Cache:       s.Cache.Stats(),
		Clients:     s.Hub.Clients(),
	})
}

// handleStorageUsage returns current storage usage.
func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	if s.StorageMonitor == nil {
		httpx.RespondJSON(w, http.StatusOK, monitor.StorageUsage{})
		return
	}
	usage, err := s.StorageMonitor.Usage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, usage)
}

// handlePersist forces a checkpoint of every dirty site model.
func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	if err := s.PersistNow(r.Context()); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.Persistence.Status())
}

// Router builds the daemon's routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware(s.Config.Port))

	api := router.PathPrefix("/v1").Subrouter()

	handler := ingest.NewHandler(s.Ingestor, s.Models, s.Logger)
	if s.StorageMonitor != nil {
		handler.SetStorageChecker(s.StorageMonitor)
	}
	handler.Register(api)

	api.Handle("/events", s.Hub).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/storage", s.handleStorageUsage).Methods(http.MethodGet)
	api.HandleFunc("/persist", s.handlePersist).Methods(http.MethodPost)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return router
}

// corsMiddleware restricts cross-origin access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); slices.Contains(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tagfile-Name")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

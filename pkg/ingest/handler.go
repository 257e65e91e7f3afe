package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nicktill/sitegrid/pkg/config"
	"github.com/nicktill/sitegrid/pkg/httpx"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
)

// ErrStorageFull is returned when the data directory has reached its limit.
var ErrStorageFull = errors.New("storage limit reached")

// StorageChecker reports disk usage against a limit.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler serves TAG file submission and site model inspection.
type Handler struct {
	ingestor *Ingestor
	models   *sitemodel.Registry
	storage  StorageChecker
	logger   *slog.Logger
}

// NewHandler creates a handler over models.
func NewHandler(ingestor *Ingestor, models *sitemodel.Registry, logger *slog.Logger) *Handler {
	return &Handler{ingestor: ingestor, models: models, logger: logging.OrDefault(logger)}
}

// SetStorageChecker makes submissions fail once storage is full.
func (h *Handler) SetStorageChecker(c StorageChecker) { h.storage = c }

// checkStorage returns ErrStorageFull when usage has reached the limit. An
// unreadable usage does not block ingestion.
func (h *Handler) checkStorage() error {
	if h.storage == nil || h.storage.GetLimit() <= 0 {
		return nil
	}
	used, err := h.storage.GetUsage()
	if err != nil {
		h.logger.Warn("cannot read storage usage", "error", err)
		return nil
	}
	if used >= h.storage.GetLimit() {
		return fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, used, h.storage.GetLimit())
	}
	return nil
}

// Register adds the handler's routes to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/projects", h.HandleProjects).Methods(http.MethodGet)
	r.HandleFunc("/projects/{project}/tagfiles", h.HandleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/projects/{project}/tagfiles", h.HandleRemove).Methods(http.MethodDelete)
	r.HandleFunc("/projects/{project}/surveyed", h.HandleSurveyed).Methods(http.MethodPost)
	r.HandleFunc("/projects/{project}/stats", h.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/projects/{project}/machines", h.HandleMachines).Methods(http.MethodGet)
}

// ProjectID parses the {project} route variable.
func ProjectID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["project"])
}

// fileName is the name a submission is logged and reported under.
func fileName(r *http.Request) string {
	if name := r.URL.Query().Get("name"); name != "" {
		return name
	}
	if name := r.Header.Get("X-Tagfile-Name"); name != "" {
		return name
	}
	return "upload.tag"
}

// statusFor maps ingest errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, ErrFileTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrStorageFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrUnknownMachine), errors.Is(err, ErrUnknownProject):
		return http.StatusNotFound
	case errors.Is(err, ErrRejectedFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HandleSubmit ingests the request body as one TAG file.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := h.checkStorage(); err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	h.handleFile(w, r, h.ingestor.Ingest, http.StatusCreated)
}

// HandleRemove removes the passes the request body's TAG file produced.
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	h.handleFile(w, r, h.ingestor.Remove, http.StatusOK)
}

type fileOp func(context.Context, uuid.UUID, string, io.Reader) (Report, error)

func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request, op fileOp, okStatus int) {
	project, err := ProjectID(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxIngestBodySize)
	defer r.Body.Close()

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	name := fileName(r)
	report, err := op(ctx, project, name, r.Body)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("tag file processing failed", "project", project.String(), "file", name, "error", err)
		} else {
			h.logger.Warn("tag file refused", "project", project.String(), "file", name, "error", err)
		}
		httpx.RespondError(w, status, err)
		return
	}
	httpx.RespondJSON(w, okStatus, report)
}

// HandleProjects lists the resident site models.
func (h *Handler) HandleProjects(w http.ResponseWriter, r *http.Request) {
	ids := h.models.Projects()
	out := make([]sitemodel.Stats, 0, len(ids))
	for _, id := range ids {
		if m, ok := h.models.Get(id); ok {
			out = append(out, m.Stats())
		}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (h *Handler) model(w http.ResponseWriter, r *http.Request) (*sitemodel.SiteModel, bool) {
	project, err := ProjectID(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return nil, false
	}
	m, ok := h.models.Get(project)
	if !ok {
		httpx.RespondErrorString(w, http.StatusNotFound, "unknown project "+project.String())
		return nil, false
	}
	return m, true
}

// HandleStats returns counters for one site model.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	httpx.RespondJSON(w, http.StatusOK, m.Stats())
}

// HandleMachines lists the machines registered in one site model.
func (h *Handler) HandleMachines(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"machines": m.Machines().List()})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bobarin/cutline/internal/effects"
	"github.com/bobarin/cutline/internal/filters"
	"github.com/bobarin/cutline/internal/jobs"
	"github.com/bobarin/cutline/internal/models"
)

// maxRequestBody bounds an export request; timelines are JSON only, media
// is uploaded out of band.
const maxRequestBody = 8 << 20

// Exports is the job surface the handlers drive.
type Exports interface {
	Submit(ctx context.Context, req *models.CreateExportRequest) (*models.ExportJob, error)
	Get(ctx context.Context, id string) (*models.ExportJob, error)
	List(ctx context.Context) ([]models.ExportJob, error)
	Cancel(ctx context.Context, id string) (*models.ExportJob, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	exports Exports
	logger  zerolog.Logger
}

func NewHandler(exports Exports, logger zerolog.Logger) *Handler {
	return &Handler{
		exports: exports,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// CreateExport validates a timeline and queues its export.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	var req models.CreateExportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.exports.Submit(r.Context(), &req)
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":    "Invalid export request",
				"problems": verr.Problems,
			})
		case errors.Is(err, jobs.ErrExists):
			respondError(w, http.StatusConflict, "Export job already exists")
		default:
			h.logger.Error().Err(err).Msg("failed to create export")
			respondError(w, http.StatusInternalServerError, "Failed to create export")
		}
		return
	}

	respondJSON(w, http.StatusCreated, models.NewJobStatusResponse(*job))
}

// ListExports returns every export job, newest first.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	list, err := h.exports.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list exports")
		respondError(w, http.StatusInternalServerError, "Failed to list exports")
		return
	}

	out := make([]models.JobStatusResponse, 0, len(list))
	for _, job := range list {
		out = append(out, models.NewJobStatusResponse(job))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetExport returns the status of one export job.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, models.NewJobStatusResponse(*job))
}

// CancelExport stops a pending or running export.
func (h *Handler) CancelExport(w http.ResponseWriter, r *http.Request) {
	job, err := h.exports.Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		respondError(w, http.StatusNotFound, "Export not found")
		return
	case errors.Is(err, jobs.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "Export already finished")
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to cancel export")
		respondError(w, http.StatusInternalServerError, "Failed to cancel export")
		return
	}
	respondJSON(w, http.StatusOK, models.NewJobStatusResponse(*job))
}

// DeleteExport cancels an export if needed and removes its files.
func (h *Handler) DeleteExport(w http.ResponseWriter, r *http.Request) {
	err := h.exports.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Export not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to delete export")
		respondError(w, http.StatusInternalServerError, "Failed to delete export")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadExport serves a finished export, or redirects to its published
// copy.
func (h *Handler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !job.OutputReady() {
		respondError(w, http.StatusNotFound, "Export not ready")
		return
	}
	if job.OutputURL != "" {
		http.Redirect(w, r, job.OutputURL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(job.OutputPath)))
	http.ServeFile(w, r, job.OutputPath)
}

// ListPresets returns the names accepted for transitions, animations and
// filters.
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.PresetCatalogResponse{
		Transitions: effects.TransitionNames(),
		Animations:  effects.AnimationNames(),
		Filters:     filters.Names(),
	})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*models.ExportJob, bool) {
	job, err := h.exports.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Export not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get export")
		respondError(w, http.StatusInternalServerError, "Failed to get export")
		return nil, false
	}
	return job, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/middleware"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
	"github.com/PortNumber53/creditmeter/backend/internal/store"
)

// JobStore defines the interface for outbox inspection
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// JobHandler serves the notification outbox admin endpoints
type JobHandler struct {
	Store      JobStore
	AdminToken string
}

// NewJobHandler creates a new JobHandler guarded by adminToken
func NewJobHandler(jobStore JobStore, adminToken string) *JobHandler {
	return &JobHandler{Store: jobStore, AdminToken: adminToken}
}

// RegisterRoutes registers the outbox routes behind the admin token
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/admin/notifications", func(r chi.Router) {
		r.Use(middleware.RequireAdminToken(h.AdminToken))
		r.Get("/stats", GetJobStats(h.Store))
		r.Get("/{id}", GetJob(h.Store))
	})
}

// GetJob retrieves an outbox job by ID
func GetJob(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		job, err := jobStore.GetByID(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			log.Error().Err(err).Int64("job_id", jobID).Msg("GetJob: failed to get job")
			http.Error(w, "failed to retrieve job", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, job)
	}
}

// GetJobStats returns statistics about the outbox
func GetJobStats(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobStore.GetStats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("GetJobStats: failed to get stats")
			http.Error(w, "failed to retrieve job statistics", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

// Package httpx provides HTTP handlers and utilities for the scrapehub coordinator API.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
	"github.com/pricewatch/scrapehub/internal/service"
)

// JobHandlers provides HTTP handlers for job admission and lookup.
type JobHandlers struct {
	Svc    *service.CoordinatorService
	Logger *slog.Logger
}

// CreateJob handles HTTP requests to admit a new scrape job.
// Admission is asynchronous from the caller's point of view: a 202 means the
// record is persisted and the dispatch payload is on the domain queue, not
// that any scraping has happened.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.CreateJob(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

// GetJob handles HTTP requests to retrieve a job document by id.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id must be a UUID")},
		)
		return
	}

	job, err := h.Svc.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if job == nil {
		WriteError(
			w,
			ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")},
		)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// writeServiceError maps coordinator errors onto stable API responses.
// Validation failures echo the offending field and message back to the
// caller; backend failures get a coarse code and a generic message so that
// store and queue details never reach the response body.
func (h *JobHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case apperrors.IsValidation(err):
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "validation_failed",
			Err:     err,
			Field:   apperrors.GetField(err),
		})

	case apperrors.IsPersistence(err):
		h.logFailure(r, "job store unavailable", err)
		WriteError(w, ErrorParams{
			Code:    http.StatusServiceUnavailable,
			ErrCode: "persistence_unavailable",
			Err:     errors.New("job store is unavailable"),
		})

	case apperrors.IsDispatch(err):
		h.logFailure(r, "job dispatch unavailable", err)
		WriteError(w, ErrorParams{
			Code:    http.StatusServiceUnavailable,
			ErrCode: "dispatch_unavailable",
			Err:     errors.New("job dispatch is unavailable"),
		})

	default:
		h.logFailure(r, "job request failed", err)
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "internal_error",
			Err:     errors.New("internal error"),
		})
	}
}

func (h *JobHandlers) logFailure(r *http.Request, msg string, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.ErrorContext(r.Context(), msg,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
}

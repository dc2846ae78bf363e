package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
	"github.com/pricewatch/scrapehub/internal/observability/metrics"
	"github.com/pricewatch/scrapehub/internal/observability/statsd"
)

// compensateTimeout bounds the best-effort record delete after a failed
// dispatch, detached from the caller's context so a canceled request still
// gets cleaned up.
const compensateTimeout = 10 * time.Second

// CoordinatorServiceOptions groups dependencies for CoordinatorService.
type CoordinatorServiceOptions struct {
	Repo     core.JobRepository // Required: job record store
	Dispatch *DispatchService   // Required: queue provisioning and submission
	Logger   *slog.Logger       // Optional: structured logger
	Metrics  statsd.Sink        // Optional: metrics sink (StatsD-compatible)
}

// CoordinatorService runs the job admission saga: persist the record,
// provision the domain queue, submit the dispatch payload, and compensate the
// record when dispatch cannot be confirmed.
//
// The saga guarantees that no job record survives durably unless its dispatch
// was submitted, up to the narrow crash window between a successful persist
// and a successful submit. The sweeper reconciles that window out of band.
type CoordinatorService struct {
	repo     core.JobRepository
	dispatch *DispatchService
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewCoordinatorService constructs a new CoordinatorService.
func NewCoordinatorService(opts CoordinatorServiceOptions) (*CoordinatorService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Dispatch == nil {
		return nil, errors.New("DispatchService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "coordinator_service")
	}

	return &CoordinatorService{
		repo:     opts.Repo,
		dispatch: opts.Dispatch,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// MustNewCoordinatorService constructs a new CoordinatorService and panics on error.
//
// This is a convenience wrapper around NewCoordinatorService for use in main.go
// and other initialization code where errors should be fatal.
func MustNewCoordinatorService(opts CoordinatorServiceOptions) *CoordinatorService {
	svc, err := NewCoordinatorService(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return svc
}

// CreateJob admits a scrape job. The three side-effecting steps run strictly
// in order: persist the record, ensure the domain queue, submit the payload.
// Validation failures never reach persistence. A dispatch failure after the
// record was written triggers a best-effort compensating delete; the caller
// always sees the dispatch error, never the compensation outcome.
func (s *CoordinatorService) CreateJob(ctx context.Context, req model.CreateJobRequest) (*model.Job, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		s.emitAdmission("validation", start, err)
		return nil, err
	}
	if err := req.Normalize(); err != nil {
		s.emitAdmission("validation", start, err)
		return nil, err
	}

	job := &model.Job{
		ID:     uuid.New().String(),
		Domain: req.Domain,
		URLs:   req.URLs,
		Status: model.JobStatusQueued,
	}

	created, err := s.repo.Create(ctx, job)
	if err != nil {
		s.emitAdmission("persistence", start, err)
		return nil, fmt.Errorf("persist job: %w", err)
	}

	queueName, err := s.dispatch.EnsureQueue(ctx, created.Domain)
	if err != nil {
		s.compensate(ctx, created.ID, "ensure queue")
		s.emitAdmission("dispatch", start, err)
		return nil, fmt.Errorf("ensure queue for job %s: %w", created.ID, err)
	}

	entryID, err := s.dispatch.Submit(ctx, queueName, created)
	if err != nil {
		s.compensate(ctx, created.ID, "submit")
		s.emitAdmission("dispatch", start, err)
		return nil, fmt.Errorf("submit job %s: %w", created.ID, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job admitted",
			"job_id", created.ID,
			"domain", created.Domain,
			"url_count", len(created.URLs),
			"queue", queueName,
			"entry_id", entryID,
		)
	}
	s.emitAdmission("accepted", start, nil)

	return created, nil
}

// GetJob returns the job record for an id, or (nil, nil) when no such job
// exists. Store failures are surfaced as errors.
func (s *CoordinatorService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Stats returns job counts per status.
func (s *CoordinatorService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// compensate deletes the job record written earlier in a failed admission.
// Failures are logged and never escalated; the caller keeps the original
// dispatch error either way.
func (s *CoordinatorService) compensate(ctx context.Context, jobID string, stage string) {
	// Preserve request-scoped values (logging, tracing) while ignoring
	// cancellation so a canceled request still gets cleaned up.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if err := s.repo.Delete(cleanupCtx, jobID); err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(cleanupCtx, "compensating delete failed, record may be orphaned",
				"job_id", jobID,
				"failed_stage", stage,
				"error", err,
			)
		}
		if s.metrics != nil {
			s.metrics.Count("admission.compensation", 1, map[string]string{"result": metrics.ResultError})
		}
		return
	}

	if s.logger != nil {
		s.logger.InfoContext(cleanupCtx, "job record compensated after dispatch failure",
			"job_id", jobID,
			"failed_stage", stage,
		)
	}
	if s.metrics != nil {
		s.metrics.Count("admission.compensation", 1, map[string]string{"result": metrics.ResultSuccess})
	}
}

func (s *CoordinatorService) emitAdmission(outcome string, start time.Time, err error) {
	metrics.EmitAdmission(s.metrics, metrics.AdmissionMetric{
		Outcome:  outcome,
		Duration: time.Since(start),
		Err:      err,
	})
}

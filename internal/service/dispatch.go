package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pricewatch/scrapehub/config"
	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
)

// DispatchServiceOptions groups dependencies for DispatchService.
type DispatchServiceOptions struct {
	Queue  core.QueueService     // Required: queue system client
	Config config.DispatchConfig // Required: dispatch configuration
	Logger *slog.Logger          // Optional: structured logger
}

// DispatchService owns the queue side of job admission: deriving queue names
// from domains, provisioning per-domain queues on first use, and submitting
// dispatch payloads. All failures surface as dispatch-coded errors so callers
// can tell them apart from persistence failures.
type DispatchService struct {
	queue  core.QueueService
	config config.DispatchConfig
	logger *slog.Logger
}

// NewDispatchService constructs a new DispatchService.
func NewDispatchService(opts DispatchServiceOptions) (*DispatchService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatch_service")
		logger.Debug("DispatchService initialized",
			"queue_prefix", opts.Config.QueuePrefix,
			"worker_target", opts.Config.WorkerTarget,
			"identity", opts.Config.Identity,
		)
	}

	return &DispatchService{
		queue:  opts.Queue,
		config: opts.Config,
		logger: logger,
	}, nil
}

// MustNewDispatchService constructs a new DispatchService and panics on error.
//
// This is a convenience wrapper around NewDispatchService for use in main.go
// and other initialization code where errors should be fatal.
func MustNewDispatchService(opts DispatchServiceOptions) *DispatchService {
	svc, err := NewDispatchService(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return svc
}

// EnsureQueue guarantees the queue for a normalized domain exists and returns
// its name. An existing queue is left untouched; a lost provisioning race
// counts as success. A failed existence check is surfaced as-is and never
// followed by a create attempt, since the queue may well exist.
func (s *DispatchService) EnsureQueue(ctx context.Context, domain string) (string, error) {
	name := dispatch.QueueNameFor(s.config.QueuePrefix, domain)

	_, err := s.queue.GetQueue(ctx, name)
	switch {
	case err == nil:
		return name, nil

	case errors.Is(err, dispatch.ErrQueueNotFound):
		if createErr := s.createQueue(ctx, name); createErr != nil {
			return "", createErr
		}
		return name, nil

	default:
		return "", apperrors.Wrapf(err, apperrors.ErrCodeDispatch, "check queue %s", name)
	}
}

func (s *DispatchService) createQueue(ctx context.Context, name string) error {
	err := s.queue.CreateQueue(ctx, name, dispatch.DefaultRetryPolicy())
	switch {
	case err == nil:
		if s.logger != nil {
			s.logger.InfoContext(ctx, "queue provisioned", "queue", name)
		}
		return nil

	case errors.Is(err, dispatch.ErrQueueExists):
		// Another instance provisioned it between our check and create.
		if s.logger != nil {
			s.logger.DebugContext(ctx, "queue already provisioned", "queue", name)
		}
		return nil

	default:
		return apperrors.Wrapf(err, apperrors.ErrCodeDispatch, "create queue %s", name)
	}
}

// Submit builds the dispatch payload for a job and places it on the named
// queue. Returns the queue entry id.
func (s *DispatchService) Submit(ctx context.Context, queueName string, job *model.Job) (string, error) {
	payload := dispatch.NewPayload(dispatch.BuildPayloadParams{
		Job:      job,
		Target:   s.config.WorkerTarget,
		Identity: s.config.Identity,
		Now:      time.Now(),
	})

	entryID, err := s.queue.Enqueue(ctx, queueName, payload)
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrCodeDispatch, "enqueue job %s", job.ID)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job submitted",
			"job_id", job.ID,
			"queue", queueName,
			"entry_id", entryID,
		)
	}
	return entryID, nil
}

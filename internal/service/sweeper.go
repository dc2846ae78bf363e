package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pricewatch/scrapehub/config"
	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	obserrors "github.com/pricewatch/scrapehub/internal/observability/errors"
	"github.com/pricewatch/scrapehub/internal/observability/metrics"
	"github.com/pricewatch/scrapehub/internal/observability/notify"
	"github.com/pricewatch/scrapehub/internal/observability/statsd"
	"github.com/pricewatch/scrapehub/internal/service/failurenotifier"
)

// SweeperServiceOptions groups dependencies for SweeperService.
type SweeperServiceOptions struct {
	Repo     core.SweeperRepository // Required: sweeper repository
	Dispatch *DispatchService       // Required: queue provisioning and submission
	Config   config.SweeperConfig   // Required: sweeper configuration
	Logger   *slog.Logger           // Optional: structured logger
	Metrics  statsd.Sink            // Optional: metrics sink (StatsD-compatible)

	FailureNotifier *failurenotifier.Service // Optional: failure notification fan-out
}

// SweeperService reconciles the gap the admission saga cannot close on its
// own: a crash between persist and submit leaves a QUEUED record with no
// dispatch behind it.
//
// This service manages:
// - Re-submitting QUEUED jobs that sat untouched longer than StaleAge.
// - Failing QUEUED jobs that outlived GiveUpAge despite re-submission.
// - Deleting old completed and failed jobs to prevent database bloat.
type SweeperService struct {
	repo     core.SweeperRepository
	dispatch *DispatchService
	config   config.SweeperConfig
	logger   *slog.Logger
	metrics  statsd.Sink
	notifier *failurenotifier.Service
}

// NewSweeperService constructs a new SweeperService.
func NewSweeperService(opts SweeperServiceOptions) (*SweeperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("SweeperRepository is required")
	}
	if opts.Dispatch == nil {
		return nil, errors.New("DispatchService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "sweeper_service")
		logger.Debug("SweeperService initialized",
			"interval", opts.Config.Interval,
			"stale_age", opts.Config.StaleAge,
			"give_up_age", opts.Config.GiveUpAge,
			"completed_max_age", opts.Config.CompletedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
		)
	}

	return &SweeperService{
		repo:     opts.Repo,
		dispatch: opts.Dispatch,
		config:   opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
		notifier: opts.FailureNotifier,
	}, nil
}

// MustNewSweeperService constructs a new SweeperService and panics on error.
//
// This is a convenience wrapper around NewSweeperService for use in main.go
// and other initialization code where errors should be fatal.
func MustNewSweeperService(opts SweeperServiceOptions) *SweeperService {
	svc, err := NewSweeperService(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return svc
}

// Run starts the sweeper loop and runs until the context is cancelled.
// It performs sweep operations at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *SweeperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting sweeper service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run a sweep immediately after jitter
	if err := s.runSweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	return s.runLoop(ctx, ticker)
}

// SweepOnce performs a single sweep pass outside the service loop.
func (s *SweeperService) SweepOnce(ctx context.Context) error {
	return s.runSweep(ctx)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *SweeperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the sweep loop until context is cancelled.
func (s *SweeperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "sweeper service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runSweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
				if isContextCancellation(err) {
					continue
				}
				// Continue running despite errors
			}
		}
	}
}

// runSweep performs all sweep operations. Give-up runs before re-drive so a
// job past GiveUpAge is failed rather than re-submitted one last time.
func (s *SweeperService) runSweep(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		metricsData        = sweepMetrics{}
	)

	steps := []sweepStep{
		{
			fn:        s.failAbandonedJobs,
			label:     "fail abandoned queued jobs",
			count:     &metricsData.AbandonedCount,
			metricErr: &metricsData.AbandonedErr,
		},
		{
			fn:        s.redriveStaleJobs,
			label:     "redrive stale queued jobs",
			count:     &metricsData.RedrivenCount,
			metricErr: &metricsData.RedrivenErr,
		},
		{
			fn:        s.deleteOldCompletedJobs,
			label:     "delete old completed jobs",
			count:     &metricsData.CompletedCount,
			metricErr: &metricsData.CompletedErr,
		},
		{
			fn:        s.deleteOldFailedJobs,
			label:     "delete old failed jobs",
			count:     &metricsData.FailedCount,
			metricErr: &metricsData.FailedErr,
		},
	}

	for _, step := range steps {
		outcome := s.executeSweepStep(ctx, step.fn, step.label)
		*step.count = outcome.count
		*step.metricErr = outcome.metricErr
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	metricsData.Elapsed = time.Since(start)
	s.emitSweepMetrics(metricsData)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("sweep failed: %w", joined)
	}

	return nil
}

type sweepFunc func(context.Context) (int64, error)

type sweepStep struct {
	fn        sweepFunc
	label     string
	count     *int64
	metricErr *error
}

type sweepStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *SweeperService) executeSweepStep(
	ctx context.Context,
	fn sweepFunc,
	label string,
) sweepStepOutcome {
	count, err := fn(ctx)
	outcome := sweepStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

// failAbandonedJobs marks queued jobs older than GiveUpAge as failed.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *SweeperService) failAbandonedJobs(ctx context.Context) (int64, error) {
	var totalCount int64
	for {
		failed, err := s.repo.FailStaleQueued(ctx, s.config.GiveUpAge, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += int64(len(failed))
		s.notifyAbandoned(ctx, failed)
		if len(failed) == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed abandoned queued jobs",
			"count", totalCount,
			"give_up_age", s.config.GiveUpAge,
		)
	}

	return totalCount, nil
}

// notifyAbandoned fans out one failure notification per abandoned job. The
// jobs are already FAILED in the store; notification trouble is logged by the
// notifier and never fails the sweep.
func (s *SweeperService) notifyAbandoned(ctx context.Context, failed []core.AbandonedJob) {
	if s.notifier == nil || !s.notifier.Enabled() {
		return
	}
	for _, job := range failed {
		s.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
			JobID:      job.ID,
			Domain:     job.Domain,
			Stage:      notify.StageSweep,
			Error:      "job abandoned in QUEUED status",
			ErrorClass: "abandoned",
			OccurredAt: time.Now(),
			Metadata: map[string]string{
				"give_up_age": s.config.GiveUpAge.String(),
			},
		})
	}
}

// redriveStaleJobs re-submits queued jobs whose dispatch was likely lost.
// A failing queue only skips its own jobs; the rest of the batch proceeds.
func (s *SweeperService) redriveStaleJobs(ctx context.Context) (int64, error) {
	jobs, err := s.repo.ListStaleQueued(ctx, s.config.StaleAge, s.config.RedriveBatch)
	if err != nil {
		return 0, err
	}

	var (
		count int64
		errs  []error
	)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if err := s.redriveJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("redrive job %s: %w", job.ID, err))
			continue
		}
		count++
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "re-submitted stale queued jobs",
			"count", count,
			"stale_age", s.config.StaleAge,
		)
	}

	return count, errors.Join(errs...)
}

// redriveJob submits one stale job again and stamps the record so the next
// sweep does not pick it up before StaleAge passes anew. The stamp happens
// after the submit: a failed submit leaves the job due for the next tick.
func (s *SweeperService) redriveJob(ctx context.Context, job *model.Job) error {
	queueName, err := s.dispatch.EnsureQueue(ctx, job.Domain)
	if err != nil {
		return err
	}

	if _, err := s.dispatch.Submit(ctx, queueName, job); err != nil {
		return err
	}

	touched, err := s.repo.TouchQueued(ctx, job.ID)
	if err != nil {
		return err
	}
	if !touched && s.logger != nil {
		// A worker picked the job up between listing and now.
		s.logger.DebugContext(ctx, "job no longer queued, skipping touch", "job_id", job.ID)
	}
	return nil
}

// deleteOldCompletedJobs deletes completed jobs older than the configured max age.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *SweeperService) deleteOldCompletedJobs(ctx context.Context) (int64, error) {
	return s.deleteOldJobs(ctx, model.JobStatusCompleted, s.config.CompletedMaxAge)
}

// deleteOldFailedJobs deletes failed jobs older than the configured max age.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *SweeperService) deleteOldFailedJobs(ctx context.Context) (int64, error) {
	return s.deleteOldJobs(ctx, model.JobStatusFailed, s.config.FailedMaxAge)
}

func (s *SweeperService) deleteOldJobs(
	ctx context.Context,
	status model.JobStatus,
	maxAge time.Duration,
) (int64, error) {
	var totalCount int64
	for {
		count, err := s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status:    status,
			MaxAge:    maxAge,
			BatchSize: s.config.BatchSize,
		})
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old jobs",
			"status", status,
			"count", totalCount,
			"max_age", maxAge,
		)
	}

	return totalCount, nil
}

type sweepMetrics struct {
	AbandonedCount int64
	AbandonedErr   error
	RedrivenCount  int64
	RedrivenErr    error
	CompletedCount int64
	CompletedErr   error
	FailedCount    int64
	FailedErr      error
	Elapsed        time.Duration
}

func (s *SweeperService) emitSweepMetrics(m sweepMetrics) {
	if s.metrics == nil {
		return
	}

	totalCount := m.AbandonedCount + m.RedrivenCount + m.CompletedCount + m.FailedCount
	firstErr := firstError(m.AbandonedErr, m.RedrivenErr, m.CompletedErr, m.FailedErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweep.run", 1, tags)

	if m.Elapsed > 0 {
		s.metrics.Timing("sweep.run_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitSweepOperationMetric("fail_abandoned", m.AbandonedCount, m.AbandonedErr)
	s.emitSweepOperationMetric("redrive", m.RedrivenCount, m.RedrivenErr)
	s.emitSweepOperationMetric("delete_completed", m.CompletedCount, m.CompletedErr)
	s.emitSweepOperationMetric("delete_failed", m.FailedCount, m.FailedErr)

	if firstErr == nil {
		s.metrics.Gauge("sweep.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *SweeperService) emitSweepOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweep.operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("sweep.jobs_processed", count, metrics.CloneTags(tags))
	}
}

func (s *SweeperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}

// Package relay provides the queue relay adapter that forwards accepted
// scrape jobs from their domain queues to the worker fleet.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/pricewatch/scrapehub/config"
	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
	"github.com/pricewatch/scrapehub/internal/observability/metrics"
	"github.com/pricewatch/scrapehub/internal/observability/notify"
	"github.com/pricewatch/scrapehub/internal/observability/statsd"
	"github.com/pricewatch/scrapehub/internal/service/failurenotifier"
)

// maxDrainBytes bounds how much of a worker response body is drained before
// closing, so keep-alive connections stay reusable without buffering large
// replies.
const maxDrainBytes = 4 * 1024

// Dead letter cause tags. Reasons on the dead letter entry itself are free
// text; these stay coarse because they become metric tags.
const (
	deadLetterReasonMalformed = "malformed"
	deadLetterReasonExhausted = "exhausted"
)

// RunnerOptions configures the queue relay adapter.
type RunnerOptions struct {
	Queues     core.QueueService
	Consumer   core.QueueConsumer
	Config     config.RelayConfig
	Logger     *slog.Logger
	HTTPClient *http.Client

	// Tokens mints bearer tokens for worker invocations; nil calls workers
	// anonymously.
	Tokens oauth2.TokenSource

	// ConsumerName identifies this relay instance to the queue system.
	// Defaults to hostname-pid.
	ConsumerName string

	Metrics statsd.Sink

	// FailureNotifier fans out a notification whenever a delivery is parked
	// on the dead letter stream; nil disables notifications.
	FailureNotifier *failurenotifier.Service
}

// Runner reads deliveries off every provisioned queue and forwards each one
// to a scrape worker over HTTP. Acknowledged entries are settled, failed ones
// are left pending for redelivery until their queue's retry policy runs out.
type Runner struct {
	queues   core.QueueService
	consumer core.QueueConsumer
	http     *http.Client
	logger   *slog.Logger
	tokens   oauth2.TokenSource
	metrics  statsd.Sink
	notifier *failurenotifier.Service

	name         string
	workers      int
	batchSize    int
	block        time.Duration
	minIdle      time.Duration
	refreshEvery time.Duration

	table *queueTable
}

// NewRunner creates a queue relay with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queues == nil {
		return nil, errors.New("queue service is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("queue consumer is required")
	}

	cfg := opts.Config
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	block := cfg.Block
	if block <= 0 {
		block = time.Second
	}
	minIdle := cfg.MinIdle
	if minIdle <= 0 {
		minIdle = 30 * time.Second
	}
	refresh := cfg.QueueRefresh
	if refresh <= 0 {
		refresh = 30 * time.Second
	}

	return &Runner{
		queues:       opts.Queues,
		consumer:     opts.Consumer,
		http:         resolveHTTPClient(opts.HTTPClient, cfg.RequestTimeout),
		logger:       resolveLogger(opts.Logger),
		tokens:       opts.Tokens,
		metrics:      opts.Metrics,
		notifier:     opts.FailureNotifier,
		name:         resolveConsumerName(opts.ConsumerName),
		workers:      workers,
		batchSize:    batch,
		block:        block,
		minIdle:      minIdle,
		refreshEvery: refresh,
		table:        &queueTable{policies: make(map[string]dispatch.RetryPolicy)},
	}, nil
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func resolveHTTPClient(hc *http.Client, timeout time.Duration) *http.Client {
	if hc != nil {
		return hc
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func resolveConsumerName(name string) string {
	if name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Run starts the relay loops and blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting queue relay",
		"consumer", r.name,
		"workers", r.workers,
		"block", r.block,
		"min_idle", r.minIdle)

	if err := r.refreshQueues(ctx); err != nil {
		// Queues may simply not exist yet; the refresh loop keeps trying.
		r.logger.WarnContext(ctx, "initial queue discovery failed", "error", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.runRefreshLoop(gctx) })
	group.Go(func() error { return r.runReclaimLoop(gctx) })
	for range r.workers {
		group.Go(func() error { return r.runConsumeLoop(gctx) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runConsumeLoop reads fresh deliveries across every known queue and forwards
// them until the context is cancelled.
func (r *Runner) runConsumeLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		queues := r.table.snapshot()
		if len(queues) == 0 {
			sleep(ctx, r.block)
			continue
		}

		deliveries, err := r.consumer.Read(ctx, core.ReadParams{
			Queues:   queues,
			Consumer: r.name,
			Count:    r.batchSize,
			Block:    r.block,
		})
		switch {
		case err == nil:
			for _, delivery := range deliveries {
				r.deliver(ctx, delivery)
			}
		case errors.Is(err, dispatch.ErrQueueNotFound):
			// A queue in our snapshot is gone; rebuild it before reading again.
			if refreshErr := r.refreshQueues(ctx); refreshErr != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "queue discovery failed", "error", refreshErr)
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			r.logger.ErrorContext(ctx, "queue read failed", "error", err)
			sleep(ctx, r.block)
		}
	}
	return ctx.Err()
}

// runRefreshLoop periodically re-discovers provisioned queues so domains
// admitted after startup get picked up without a restart.
func (r *Runner) runRefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.refreshQueues(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "queue discovery failed", "error", err)
			}
		}
	}
}

// runReclaimLoop periodically takes over deliveries stuck with consumers that
// died mid-flight and runs them through delivery again.
func (r *Runner) runReclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.minIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reclaimPass(ctx)
		}
	}
}

// reclaimPass sweeps every known queue once for redeliverable entries.
func (r *Runner) reclaimPass(ctx context.Context) {
	for _, queue := range r.table.snapshot() {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := r.consumer.Reclaim(ctx, core.ReclaimParams{
			Queue:    queue,
			Consumer: r.name,
			MinIdle:  r.minIdle,
			Count:    r.batchSize,
		})
		if err != nil {
			if errors.Is(err, dispatch.ErrQueueNotFound) {
				continue
			}
			if ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "reclaim failed", "queue", queue, "error", err)
			}
			continue
		}
		for _, delivery := range deliveries {
			r.deliver(ctx, delivery)
		}
	}
}

// refreshQueues rebuilds the queue table from the queue service. Queues whose
// metadata cannot be loaded fall back to the default retry policy.
func (r *Runner) refreshQueues(ctx context.Context) error {
	names, err := r.queues.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}

	policies := make(map[string]dispatch.RetryPolicy, len(names))
	for _, name := range names {
		meta, metaErr := r.queues.GetQueue(ctx, name)
		if metaErr != nil {
			continue
		}
		policies[name] = meta.Policy
	}

	r.table.replace(names, policies)
	return nil
}

// deliver forwards one queue entry to its worker endpoint and settles the
// entry with the queue system based on the outcome.
func (r *Runner) deliver(ctx context.Context, delivery core.Delivery) {
	start := time.Now()

	payload, err := dispatch.DecodePayload(delivery.Payload)
	if err != nil {
		// Undecodable entries can never succeed; park them immediately.
		r.logger.ErrorContext(ctx, "malformed delivery",
			"queue", delivery.Queue, "entry_id", delivery.ID, "error", err)
		r.deadLetter(ctx, deadLetterRequest{
			delivery: delivery,
			cause:    deadLetterReasonMalformed,
			reason:   "malformed payload: " + err.Error(),
		})
		r.emitDelivery(metrics.ResultError, delivery.Attempts, time.Since(start), err)
		return
	}

	if err := r.invokeWorker(ctx, payload.Target, delivery.Payload); err != nil {
		r.handleDeliveryFailure(ctx, delivery, payload, err, time.Since(start))
		return
	}

	if ackErr := r.consumer.Ack(ctx, delivery.Queue, delivery.ID); ackErr != nil {
		// The worker accepted the job; a lost ack only risks a duplicate run.
		r.logger.ErrorContext(ctx, "ack failed after delivery",
			"job_id", payload.JobID, "queue", delivery.Queue, "entry_id", delivery.ID, "error", ackErr)
	}

	r.logger.InfoContext(ctx, "job dispatched to worker",
		"job_id", payload.JobID, "queue", delivery.Queue, "attempt", delivery.Attempts)
	r.emitDelivery(metrics.ResultSuccess, delivery.Attempts, time.Since(start), nil)
}

// handleDeliveryFailure decides between leaving the entry pending for a later
// redelivery and parking it on the dead letter stream.
func (r *Runner) handleDeliveryFailure(
	ctx context.Context,
	delivery core.Delivery,
	payload dispatch.Payload,
	err error,
	elapsed time.Duration,
) {
	policy := r.table.policyFor(delivery.Queue)
	if policy.Exhausted(int(delivery.Attempts), time.Since(payload.EnqueuedAt)) {
		r.logger.ErrorContext(ctx, "delivery abandoned",
			"job_id", payload.JobID, "queue", delivery.Queue, "attempts", delivery.Attempts, "error", err)
		r.deadLetter(ctx, deadLetterRequest{
			delivery: delivery,
			payload:  payload,
			cause:    deadLetterReasonExhausted,
			reason:   fmt.Sprintf("retry budget exhausted after %d attempts: %v", delivery.Attempts, err),
		})
		r.emitDelivery(metrics.ResultError, delivery.Attempts, elapsed, err)
		return
	}

	// Leaving the entry unacked lets a reclaim pass redeliver it once the
	// policy backoff for this attempt has elapsed.
	r.logger.WarnContext(ctx, "delivery failed, leaving for retry",
		"job_id", payload.JobID,
		"queue", delivery.Queue,
		"attempt", delivery.Attempts,
		"retry_in", policy.BackoffForAttempt(int(delivery.Attempts)),
		"error", err)
	r.emitDelivery(metrics.ResultError, delivery.Attempts, elapsed, err)
}

// invokeWorker POSTs the raw payload bytes to the worker endpoint so the
// worker sees exactly what was enqueued. Any 2xx response counts as accepted.
func (r *Runner) invokeWorker(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if r.tokens != nil {
		tok, tokErr := r.tokens.Token()
		if tokErr != nil {
			return fmt.Errorf("mint access token: %w", tokErr)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: got %d, want 2xx", resp.StatusCode)
	}
	return nil
}

// deadLetterRequest carries one delivery into the dead letter path. The
// payload is the decoded form when available; malformed entries leave it zero.
type deadLetterRequest struct {
	delivery core.Delivery
	payload  dispatch.Payload
	cause    string
	reason   string
}

// deadLetter parks a delivery and counts it. A failed park leaves the entry
// pending, so a later reclaim pass tries again.
func (r *Runner) deadLetter(ctx context.Context, req deadLetterRequest) {
	if err := r.consumer.DeadLetter(ctx, req.delivery, req.reason); err != nil {
		r.logger.ErrorContext(ctx, "dead letter failed",
			"queue", req.delivery.Queue, "entry_id", req.delivery.ID, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.Count("relay.dead_letter", 1, map[string]string{"reason": req.cause})
	}
	r.notifyDeadLetter(ctx, req)
}

// notifyDeadLetter fans out a failure notification for a parked delivery.
func (r *Runner) notifyDeadLetter(ctx context.Context, req deadLetterRequest) {
	if r.notifier == nil || !r.notifier.Enabled() {
		return
	}
	r.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:      req.payload.JobID,
		Domain:     req.payload.Domain,
		Queue:      req.delivery.Queue,
		Stage:      notify.StageDispatch,
		Error:      req.reason,
		ErrorClass: req.cause,
		Attempts:   req.delivery.Attempts,
		OccurredAt: time.Now(),
		Metadata: map[string]string{
			"entry_id": req.delivery.ID,
		},
	})
}

func (r *Runner) emitDelivery(result string, attempt int64, elapsed time.Duration, err error) {
	metrics.EmitDelivery(r.metrics, metrics.DeliveryMetric{
		Result:   result,
		Attempt:  attempt,
		Duration: elapsed,
		Err:      err,
	})
}

// queueTable is the relay's view of provisioned queues and their retry
// policies, rebuilt by the refresh loop and read by every worker.
type queueTable struct {
	mu       sync.RWMutex
	names    []string
	policies map[string]dispatch.RetryPolicy
}

func (t *queueTable) replace(names []string, policies map[string]dispatch.RetryPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = names
	t.policies = policies
}

func (t *queueTable) snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.names
}

func (t *queueTable) policyFor(queue string) dispatch.RetryPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if policy, ok := t.policies[queue]; ok {
		return policy
	}
	return dispatch.DefaultRetryPolicy()
}

// sleep pauses for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

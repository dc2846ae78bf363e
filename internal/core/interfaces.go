package core

import (
	"context"
	"time"

	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
	"github.com/pricewatch/scrapehub/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and the storage
// and queue adapters. Service implementations should depend on these interfaces,
// not concrete implementations.

// JobRepository defines the interface for job record operations. Implementations
// return typed errors from internal/errors; a missing row on GetByID surfaces as
// a not_found AppError which the coordinator maps to absent.
type JobRepository interface {
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// Delete removes a job record. Deleting an unknown id is a no-op success
	// so compensation stays idempotent.
	Delete(ctx context.Context, id string) error

	Stats(ctx context.Context) (*model.JobStats, error)
}

// QueueService defines the interface to the dispatch queue system.
// Lookup misses surface as dispatch.ErrQueueNotFound and creation races as
// dispatch.ErrQueueExists; transport failures are returned as-is so callers
// can tell the two apart.
type QueueService interface {
	// GetQueue fetches the metadata of a provisioned queue.
	GetQueue(ctx context.Context, name string) (*dispatch.QueueMeta, error)

	// CreateQueue provisions a queue with the given retry policy attached.
	CreateQueue(ctx context.Context, name string, policy dispatch.RetryPolicy) error

	// Enqueue places a dispatch payload on the named queue and returns the
	// queue entry id.
	Enqueue(ctx context.Context, name string, payload dispatch.Payload) (string, error)

	// ListQueues returns the names of every queue this system has provisioned.
	ListQueues(ctx context.Context) ([]string, error)
}

// QueueConsumer defines the consumer side of the dispatch queue system. The
// relay reads deliveries, acknowledges the ones handed to a worker, and
// dead-letters the ones whose retry budget ran out.
type QueueConsumer interface {
	// Read fetches deliveries not yet handed to any consumer, across all the
	// named queues in one round trip. Returns an empty slice when every queue
	// is idle for the block duration.
	Read(ctx context.Context, params ReadParams) ([]Delivery, error)

	// Reclaim takes over deliveries another consumer read but never
	// acknowledged. Only deliveries idle longer than MinIdle are taken.
	Reclaim(ctx context.Context, params ReclaimParams) ([]Delivery, error)

	// Ack marks a delivery as handed off so it is never redelivered.
	Ack(ctx context.Context, queue string, entryID string) error

	// DeadLetter parks an undeliverable delivery on its queue's dead letter
	// stream and acknowledges the original in one step.
	DeadLetter(ctx context.Context, delivery Delivery, reason string) error
}

// ReadParams groups parameters for QueueConsumer.Read to keep param count ≤3.
type ReadParams struct {
	Queues   []string
	Consumer string
	Count    int
	Block    time.Duration
}

// ReclaimParams groups parameters for QueueConsumer.Reclaim to keep param count ≤3.
type ReclaimParams struct {
	Queue    string
	Consumer string
	MinIdle  time.Duration
	Count    int
}

// Delivery is one queue entry handed to a consumer. Attempts counts
// deliveries of this entry so far, including the current one.
type Delivery struct {
	Queue    string
	ID       string
	Payload  []byte
	Attempts int64
}

// SweeperRepository defines the interface for job reconciliation and cleanup
// operations.
type SweeperRepository interface {
	// ListStaleQueued returns QUEUED jobs whose updated_at is older than
	// maxAge, oldest first, up to limit rows.
	ListStaleQueued(ctx context.Context, maxAge time.Duration, limit int) ([]*model.Job, error)

	// TouchQueued bumps updated_at on a job that is still QUEUED. Returns
	// false when the job is missing or no longer QUEUED.
	TouchQueued(ctx context.Context, id string) (bool, error)

	// FailStaleQueued transitions QUEUED jobs older than maxAge to FAILED
	// with a recorded reason. Processes up to batchSize jobs per call and only
	// touches rows still QUEUED; worker-owned rows are never clobbered.
	// Returns the jobs it marked as failed.
	FailStaleQueued(ctx context.Context, maxAge time.Duration, batchSize int) ([]AbandonedJob, error)

	// DeleteOldJobs deletes jobs with the given terminal status older than MaxAge.
	// Processes up to BatchSize jobs per call to prevent long locks.
	// Returns the number of jobs deleted.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// AbandonedJob identifies a queued job the sweeper transitioned to FAILED.
type AbandonedJob struct {
	ID     string
	Domain string
}

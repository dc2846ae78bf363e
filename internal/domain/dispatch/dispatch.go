// Package dispatch holds the pure dispatch rules for scrape jobs: queue
// naming per domain and the delivery retry policy. Nothing in this package
// touches the network.
package dispatch

import (
	"errors"
	"time"
)

// ErrQueueNotFound is the queue service's not-found signal. Only this error
// may trigger lazy queue creation; any other lookup failure is surfaced.
var ErrQueueNotFound = errors.New("queue not found")

// ErrQueueExists is returned when creating a queue that already exists,
// which callers treat as success (lost provisioning race).
var ErrQueueExists = errors.New("queue already exists")

// QueueNameFor returns the deterministic queue name for a normalized domain.
// Equal domains always map to the same queue, so provisioner, submitter and
// relay agree without coordination.
func QueueNameFor(prefix, domain string) string {
	return prefix + domain
}

// QueueMeta describes a provisioned queue as recorded by the queue service.
type QueueMeta struct {
	Name      string      `json:"name"`
	Policy    RetryPolicy `json:"policy"`
	CreatedAt time.Time   `json:"created_at"`
}

// RetryPolicy bounds redelivery of a dispatched job to the scrape worker.
// The policy is attached to the queue at creation time and never changes
// afterwards.
type RetryPolicy struct {
	// MaxAttempts is the total number of delivery attempts including the first.
	MaxAttempts int `json:"max_attempts"`
	// MinBackoff is the delay before the first redelivery.
	MinBackoff time.Duration `json:"min_backoff"`
	// MaxBackoff caps the delay between redeliveries.
	MaxBackoff time.Duration `json:"max_backoff"`
	// MaxRetryDuration bounds the total time a job may spend being retried,
	// measured from the first delivery.
	MaxRetryDuration time.Duration `json:"max_retry_duration"`
}

// DefaultRetryPolicy returns the fixed policy applied to every scrape queue.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      7,
		MinBackoff:       time.Second,
		MaxBackoff:       10 * time.Minute,
		MaxRetryDuration: time.Hour,
	}
}

// BackoffForAttempt returns the delay before redelivering a job that has
// already been attempted n times. The delay doubles per attempt starting
// from MinBackoff and is capped at MaxBackoff.
func (p RetryPolicy) BackoffForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.MinBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff || backoff <= 0 {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// Exhausted reports whether delivery should stop: either the attempt budget
// is spent or the job has been in retry longer than MaxRetryDuration.
func (p RetryPolicy) Exhausted(attempts int, elapsed time.Duration) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true
	}
	return p.MaxRetryDuration > 0 && elapsed >= p.MaxRetryDuration
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
)

// Compile-time interface checks.
var (
	_ core.QueueService  = (*QueueStore)(nil)
	_ core.QueueConsumer = (*QueueStore)(nil)
)

const (
	defaultQueuePrefix = "queues:"
	defaultGroup       = "relay"

	metaFieldName             = "name"
	metaFieldCreatedAt        = "created_at"
	metaFieldMaxAttempts      = "max_attempts"
	metaFieldMinBackoff       = "min_backoff"
	metaFieldMaxBackoff       = "max_backoff"
	metaFieldMaxRetryDuration = "max_retry_duration"

	entryFieldPayload  = "payload"
	entryFieldJobID    = "jobId"
	entryFieldOrigin   = "origin"
	entryFieldReason   = "reason"
	entryFieldAttempts = "attempts"
)

// QueueStore is a Redis Streams implementation of the dispatch queue system.
// Each queue is a stream with one consumer group; queue metadata lives in a
// hash next to the stream and every provisioned queue is tracked in a
// registry set for enumeration.
type QueueStore struct {
	client redis.UniversalClient
	prefix string
	group  string
}

// QueueStoreOptions configures a QueueStore beyond its defaults.
type QueueStoreOptions struct {
	// Prefix namespaces every Redis key this store touches. Defaults to "queues:".
	Prefix string
	// Group names the consumer group created on each queue stream. Defaults to "relay".
	Group string
}

// NewQueueStore creates a Redis Streams queue store with default key prefix
// and consumer group.
func NewQueueStore(client redis.UniversalClient) *QueueStore {
	return NewQueueStoreWithOptions(client, QueueStoreOptions{})
}

// NewQueueStoreWithOptions creates a queue store with a custom key prefix or
// consumer group name.
func NewQueueStoreWithOptions(client redis.UniversalClient, opts QueueStoreOptions) *QueueStore {
	if opts.Prefix == "" {
		opts.Prefix = defaultQueuePrefix
	}
	if opts.Group == "" {
		opts.Group = defaultGroup
	}
	return &QueueStore{
		client: client,
		prefix: opts.Prefix,
		group:  opts.Group,
	}
}

// streamKey returns the stream key for a queue: queues:{name}
func (s *QueueStore) streamKey(name string) string { return s.prefix + name }

// metaKey returns the metadata hash key for a queue: queues:{name}:meta
func (s *QueueStore) metaKey(name string) string { return s.streamKey(name) + ":meta" }

// deadKey returns the dead letter stream key for a queue: queues:{name}:dead
func (s *QueueStore) deadKey(name string) string { return s.streamKey(name) + ":dead" }

// registryKey is the set tracking all provisioned queue names: queues:index
func (s *QueueStore) registryKey() string { return s.prefix + "index" }

// GetQueue fetches queue metadata. Returns dispatch.ErrQueueNotFound when the
// queue was never provisioned.
func (s *QueueStore) GetQueue(ctx context.Context, name string) (*dispatch.QueueMeta, error) {
	if name == "" {
		return nil, dispatch.ErrQueueNotFound
	}

	fields, err := s.client.HGetAll(ctx, s.metaKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall queue meta: %w", err)
	}
	if len(fields) == 0 {
		return nil, dispatch.ErrQueueNotFound
	}

	meta, err := metaFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("parse queue meta %q: %w", name, err)
	}
	return meta, nil
}

// CreateQueue provisions the queue stream, its consumer group, its metadata
// hash, and the registry entry. Returns dispatch.ErrQueueExists when the
// consumer group is already present; metadata and registry are still written
// so a half-provisioned queue heals on the next attempt.
func (s *QueueStore) CreateQueue(ctx context.Context, name string, policy dispatch.RetryPolicy) error {
	if name == "" {
		return errors.New("queue name cannot be empty")
	}

	exists := false
	err := s.client.XGroupCreateMkStream(ctx, s.streamKey(name), s.group, "0").Err()
	if err != nil {
		if !isBusyGroup(err) {
			return fmt.Errorf("redis create consumer group: %w", err)
		}
		exists = true
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.metaKey(name),
		metaFieldName, name,
		metaFieldCreatedAt, time.Now().UTC().Format(time.RFC3339Nano),
		metaFieldMaxAttempts, strconv.Itoa(policy.MaxAttempts),
		metaFieldMinBackoff, policy.MinBackoff.String(),
		metaFieldMaxBackoff, policy.MaxBackoff.String(),
		metaFieldMaxRetryDuration, policy.MaxRetryDuration.String(),
	)
	pipe.SAdd(ctx, s.registryKey(), name)
	if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
		return fmt.Errorf("redis store queue meta: %w", pipeErr)
	}

	if exists {
		return dispatch.ErrQueueExists
	}
	return nil
}

// Enqueue appends the payload to the queue stream and returns the entry id.
// Returns dispatch.ErrQueueNotFound when the queue was never provisioned.
func (s *QueueStore) Enqueue(ctx context.Context, name string, payload dispatch.Payload) (string, error) {
	data, err := payload.Encode()
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream:     s.streamKey(name),
		NoMkStream: true,
		Values: map[string]interface{}{
			entryFieldPayload: string(data),
			entryFieldJobID:   payload.JobID,
		},
	}).Result()
	if err != nil {
		// NOMKSTREAM makes XADD reply nil when the stream does not exist.
		if errors.Is(err, redis.Nil) {
			return "", dispatch.ErrQueueNotFound
		}
		return "", fmt.Errorf("redis xadd: %w", err)
	}
	return id, nil
}

// ListQueues returns the names of every provisioned queue, sorted.
func (s *QueueStore) ListQueues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers queue index: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Depth returns the number of entries on the queue stream, acknowledged or
// not. A queue whose stream was never created reports zero.
func (s *QueueStore) Depth(ctx context.Context, name string) (int64, error) {
	n, err := s.client.XLen(ctx, s.streamKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis xlen: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of deliveries read by some consumer but not
// yet acknowledged.
func (s *QueueStore) PendingCount(ctx context.Context, name string) (int64, error) {
	summary, err := s.client.XPending(ctx, s.streamKey(name), s.group).Result()
	if err != nil {
		if isNoGroup(err) {
			return 0, dispatch.ErrQueueNotFound
		}
		return 0, fmt.Errorf("redis xpending: %w", err)
	}
	return summary.Count, nil
}

// Read fetches fresh deliveries for the given consumer across every named
// queue in a single round trip. Idle queues return an empty result after the
// block duration elapses.
func (s *QueueStore) Read(ctx context.Context, params core.ReadParams) ([]core.Delivery, error) {
	if len(params.Queues) == 0 {
		return nil, nil
	}
	if params.Count <= 0 {
		params.Count = 1
	}
	if params.Block <= 0 {
		params.Block = time.Second
	}

	// XREADGROUP takes stream names first, then one ">" cursor per stream.
	args := make([]string, 0, len(params.Queues)*2)
	for _, queue := range params.Queues {
		args = append(args, s.streamKey(queue))
	}
	for range params.Queues {
		args = append(args, ">")
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: params.Consumer,
		Streams:  args,
		Count:    int64(params.Count),
		Block:    params.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, dispatch.ErrQueueNotFound
		}
		return nil, fmt.Errorf("redis xreadgroup: %w", err)
	}

	var deliveries []core.Delivery
	for _, stream := range streams {
		queue := strings.TrimPrefix(stream.Stream, s.prefix)
		for _, msg := range stream.Messages {
			d, ok := deliveryFromMessage(queue, msg, 1)
			if !ok {
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

// Reclaim takes over deliveries read by another consumer that sat unacked
// longer than MinIdle. Entries still inside the backoff window of the queue's
// attached retry policy are left pending until a later pass. The returned
// Attempts includes the takeover itself.
func (s *QueueStore) Reclaim(ctx context.Context, params core.ReclaimParams) ([]core.Delivery, error) {
	if params.Count <= 0 {
		params.Count = 1
	}

	policy := dispatch.DefaultRetryPolicy()
	if meta, metaErr := s.GetQueue(ctx, params.Queue); metaErr == nil {
		policy = meta.Policy
	}

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.streamKey(params.Queue),
		Group:  s.group,
		Idle:   params.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(params.Count),
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, dispatch.ErrQueueNotFound
		}
		return nil, fmt.Errorf("redis xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	attemptsByID := make(map[string]int64, len(pending))
	for _, p := range pending {
		threshold := policy.BackoffForAttempt(int(p.RetryCount))
		if threshold < params.MinIdle {
			threshold = params.MinIdle
		}
		if p.Idle < threshold {
			continue
		}
		ids = append(ids, p.ID)
		// XCLAIM below counts as one more delivery.
		attemptsByID[p.ID] = p.RetryCount + 1
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.streamKey(params.Queue),
		Group:    s.group,
		Consumer: params.Consumer,
		MinIdle:  params.MinIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis xclaim: %w", err)
	}

	var deliveries []core.Delivery
	for _, msg := range msgs {
		d, ok := deliveryFromMessage(params.Queue, msg, attemptsByID[msg.ID])
		if !ok {
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Ack acknowledges a delivery so the consumer group never redelivers it.
func (s *QueueStore) Ack(ctx context.Context, queue string, entryID string) error {
	if err := s.client.XAck(ctx, s.streamKey(queue), s.group, entryID).Err(); err != nil {
		return fmt.Errorf("redis xack: %w", err)
	}
	return nil
}

// DeadLetter copies the delivery onto its queue's dead letter stream and
// acknowledges the original entry in one transaction.
func (s *QueueStore) DeadLetter(ctx context.Context, delivery core.Delivery, reason string) error {
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.deadKey(delivery.Queue),
		Values: map[string]interface{}{
			entryFieldPayload:  string(delivery.Payload),
			entryFieldOrigin:   delivery.ID,
			entryFieldReason:   reason,
			entryFieldAttempts: strconv.FormatInt(delivery.Attempts, 10),
		},
	})
	pipe.XAck(ctx, s.streamKey(delivery.Queue), s.group, delivery.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis dead letter: %w", err)
	}
	return nil
}

// deliveryFromMessage extracts the payload field from a stream entry. Entries
// without a payload field are skipped rather than surfaced as errors.
func deliveryFromMessage(queue string, msg redis.XMessage, attempts int64) (core.Delivery, bool) {
	raw, ok := msg.Values[entryFieldPayload].(string)
	if !ok {
		return core.Delivery{}, false
	}
	return core.Delivery{
		Queue:    queue,
		ID:       msg.ID,
		Payload:  []byte(raw),
		Attempts: attempts,
	}, true
}

// metaFromFields rebuilds queue metadata from its Redis hash fields.
func metaFromFields(fields map[string]string) (*dispatch.QueueMeta, error) {
	maxAttempts, err := strconv.Atoi(fields[metaFieldMaxAttempts])
	if err != nil {
		return nil, fmt.Errorf("parse max_attempts: %w", err)
	}
	minBackoff, err := time.ParseDuration(fields[metaFieldMinBackoff])
	if err != nil {
		return nil, fmt.Errorf("parse min_backoff: %w", err)
	}
	maxBackoff, err := time.ParseDuration(fields[metaFieldMaxBackoff])
	if err != nil {
		return nil, fmt.Errorf("parse max_backoff: %w", err)
	}
	maxRetryDuration, err := time.ParseDuration(fields[metaFieldMaxRetryDuration])
	if err != nil {
		return nil, fmt.Errorf("parse max_retry_duration: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[metaFieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &dispatch.QueueMeta{
		Name: fields[metaFieldName],
		Policy: dispatch.RetryPolicy{
			MaxAttempts:      maxAttempts,
			MinBackoff:       minBackoff,
			MaxBackoff:       maxBackoff,
			MaxRetryDuration: maxRetryDuration,
		},
		CreatedAt: createdAt,
	}, nil
}

// isBusyGroup reports whether err is the XGROUP CREATE reply for a consumer
// group that already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// isNoGroup reports whether err is the stream-command reply for a missing
// stream or consumer group.
func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pricewatch/scrapehub/config"
	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	"github.com/pricewatch/scrapehub/internal/observability/notify"
	"github.com/pricewatch/scrapehub/internal/service/failurenotifier"
)

// mockQueueService is a simple mock implementation of the queue directory.
type mockQueueService struct {
	mu        sync.Mutex
	queues    map[string]dispatch.RetryPolicy
	getErr    map[string]error
	listErr   error
	listCalls int
}

func (m *mockQueueService) GetQueue(ctx context.Context, name string) (*dispatch.QueueMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErr[name]; err != nil {
		return nil, err
	}
	policy, ok := m.queues[name]
	if !ok {
		return nil, dispatch.ErrQueueNotFound
	}
	return &dispatch.QueueMeta{Name: name, Policy: policy}, nil
}

func (m *mockQueueService) CreateQueue(ctx context.Context, name string, policy dispatch.RetryPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queues == nil {
		m.queues = make(map[string]dispatch.RetryPolicy)
	}
	m.queues[name] = policy
	return nil
}

func (m *mockQueueService) Enqueue(ctx context.Context, name string, payload dispatch.Payload) (string, error) {
	return "1-0", nil
}

func (m *mockQueueService) ListQueues(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// mockQueueConsumer is a simple mock implementation of the consumer side.
// Read hands out the pending deliveries once and then emulates the blocking
// read of idle queues.
type mockQueueConsumer struct {
	mu sync.Mutex

	pending    []core.Delivery
	readErr    error
	readCalls  int
	readParams core.ReadParams

	reclaimable   []core.Delivery
	reclaimErr    error
	reclaimCalls  int
	reclaimParams []core.ReclaimParams

	ackedQueue string
	ackedID    string
	ackErr     error
	ackCalls   int

	deadLettered      []core.Delivery
	deadLetterReasons []string
	deadLetterErr     error
}

func (m *mockQueueConsumer) Read(ctx context.Context, params core.ReadParams) ([]core.Delivery, error) {
	m.mu.Lock()
	m.readCalls++
	m.readParams = params
	err := m.readErr
	deliveries := m.pending
	m.pending = nil
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(params.Block):
			return nil, nil
		}
	}
	return deliveries, nil
}

func (m *mockQueueConsumer) Reclaim(ctx context.Context, params core.ReclaimParams) ([]core.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimCalls++
	m.reclaimParams = append(m.reclaimParams, params)
	if m.reclaimErr != nil {
		return nil, m.reclaimErr
	}
	deliveries := m.reclaimable
	m.reclaimable = nil
	return deliveries, nil
}

func (m *mockQueueConsumer) Ack(ctx context.Context, queue string, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackCalls++
	m.ackedQueue = queue
	m.ackedID = entryID
	return m.ackErr
}

func (m *mockQueueConsumer) DeadLetter(ctx context.Context, delivery core.Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deadLetterErr != nil {
		return m.deadLetterErr
	}
	m.deadLettered = append(m.deadLettered, delivery)
	m.deadLetterReasons = append(m.deadLetterReasons, reason)
	return nil
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Concurrency:    1,
		BatchSize:      10,
		Block:          50 * time.Millisecond,
		MinIdle:        30 * time.Second,
		RequestTimeout: 5 * time.Second,
		QueueRefresh:   30 * time.Second,
	}
}

func testDelivery(t *testing.T, target string) core.Delivery {
	t.Helper()

	job := &model.Job{
		ID:     uuid.New().String(),
		Domain: "shop.example",
		URLs:   []string{"https://shop.example/catalog"},
		Status: model.JobStatusQueued,
	}
	payload := dispatch.NewPayload(dispatch.BuildPayloadParams{
		Job:      job,
		Target:   target,
		Identity: "scrapehub-dispatch",
		Now:      time.Now(),
	})
	data, err := payload.Encode()
	require.NoError(t, err)

	return core.Delivery{
		Queue:    "scrape-jobs-shop.example",
		ID:       "1-0",
		Payload:  data,
		Attempts: 1,
	}
}

// receivedRequest captures details of an HTTP request received by the mock worker.
type receivedRequest struct {
	Headers http.Header
	Body    []byte
}

func newMockWorker(t *testing.T, status int) (*httptest.Server, func() []receivedRequest) {
	t.Helper()

	var mu sync.Mutex
	var received []receivedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Logf("failed to read request body: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		mu.Lock()
		received = append(received, receivedRequest{
			Headers: r.Header.Clone(),
			Body:    body,
		})
		mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	snapshot := func() []receivedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]receivedRequest(nil), received...)
	}
	return server, snapshot
}

func TestNewRunner(t *testing.T) {
	t.Run("creates runner with valid options", func(t *testing.T) {
		runner, err := NewRunner(RunnerOptions{
			Queues:   &mockQueueService{},
			Consumer: &mockQueueConsumer{},
			Config:   testRelayConfig(),
		})

		require.NoError(t, err)
		assert.NotNil(t, runner)
		assert.NotEmpty(t, runner.name)
	})

	t.Run("returns error when queue service is nil", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Consumer: &mockQueueConsumer{}})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue service is required")
	})

	t.Run("returns error when queue consumer is nil", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Queues: &mockQueueService{}})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue consumer is required")
	})

	t.Run("applies defaults for zero config values", func(t *testing.T) {
		runner, err := NewRunner(RunnerOptions{
			Queues:   &mockQueueService{},
			Consumer: &mockQueueConsumer{},
		})

		require.NoError(t, err)
		assert.Equal(t, 1, runner.workers)
		assert.Equal(t, time.Second, runner.block)
		assert.Equal(t, 30*time.Second, runner.minIdle)
		assert.Equal(t, 30*time.Second, runner.refreshEvery)
	})
}

func TestRunner_Deliver(t *testing.T) {
	newRunner := func(t *testing.T, consumer *mockQueueConsumer, server *httptest.Server, tokens oauth2.TokenSource) *Runner {
		t.Helper()
		runner, err := NewRunner(RunnerOptions{
			Queues:     &mockQueueService{},
			Consumer:   consumer,
			Config:     testRelayConfig(),
			HTTPClient: server.Client(),
			Tokens:     tokens,
		})
		require.NoError(t, err)
		return runner
	}

	t.Run("acks after the worker accepts", func(t *testing.T) {
		server, received := newMockWorker(t, http.StatusAccepted)
		consumer := &mockQueueConsumer{}
		runner := newRunner(t, consumer, server, nil)
		delivery := testDelivery(t, server.URL)

		runner.deliver(context.Background(), delivery)

		reqs := received()
		require.Len(t, reqs, 1)
		assert.Equal(t, "application/json", reqs[0].Headers.Get("Content-Type"))
		assert.Empty(t, reqs[0].Headers.Get("Authorization"))
		assert.JSONEq(t, string(delivery.Payload), string(reqs[0].Body))

		assert.Equal(t, 1, consumer.ackCalls)
		assert.Equal(t, "scrape-jobs-shop.example", consumer.ackedQueue)
		assert.Equal(t, "1-0", consumer.ackedID)
		assert.Empty(t, consumer.deadLettered)
	})

	t.Run("sends a bearer token when a token source is configured", func(t *testing.T) {
		server, received := newMockWorker(t, http.StatusOK)
		consumer := &mockQueueConsumer{}
		tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
		runner := newRunner(t, consumer, server, tokens)

		runner.deliver(context.Background(), testDelivery(t, server.URL))

		reqs := received()
		require.Len(t, reqs, 1)
		assert.Equal(t, "Bearer test-token", reqs[0].Headers.Get("Authorization"))
		assert.Equal(t, 1, consumer.ackCalls)
	})

	t.Run("leaves the entry pending when the worker rejects", func(t *testing.T) {
		server, received := newMockWorker(t, http.StatusInternalServerError)
		consumer := &mockQueueConsumer{}
		runner := newRunner(t, consumer, server, nil)

		runner.deliver(context.Background(), testDelivery(t, server.URL))

		require.Len(t, received(), 1)
		assert.Zero(t, consumer.ackCalls)
		assert.Empty(t, consumer.deadLettered)
	})

	t.Run("dead letters when the retry budget is exhausted", func(t *testing.T) {
		server, _ := newMockWorker(t, http.StatusInternalServerError)
		consumer := &mockQueueConsumer{}

		// The queue carries a two-attempt policy.
		queues := &mockQueueService{queues: map[string]dispatch.RetryPolicy{
			"scrape-jobs-shop.example": {
				MaxAttempts:      2,
				MinBackoff:       time.Second,
				MaxBackoff:       time.Minute,
				MaxRetryDuration: time.Hour,
			},
		}}
		runner, err := NewRunner(RunnerOptions{
			Queues:     queues,
			Consumer:   consumer,
			Config:     testRelayConfig(),
			HTTPClient: server.Client(),
		})
		require.NoError(t, err)
		require.NoError(t, runner.refreshQueues(context.Background()))

		delivery := testDelivery(t, server.URL)
		delivery.Attempts = 2
		runner.deliver(context.Background(), delivery)

		require.Len(t, consumer.deadLettered, 1)
		assert.Equal(t, delivery.ID, consumer.deadLettered[0].ID)
		assert.Contains(t, consumer.deadLetterReasons[0], "retry budget exhausted after 2 attempts")
		assert.Contains(t, consumer.deadLetterReasons[0], "unexpected status")
		// DeadLetter settles the entry itself; no separate ack.
		assert.Zero(t, consumer.ackCalls)
	})

	t.Run("notifies when a delivery is dead lettered", func(t *testing.T) {
		server, _ := newMockWorker(t, http.StatusInternalServerError)
		consumer := &mockQueueConsumer{}
		queues := &mockQueueService{queues: map[string]dispatch.RetryPolicy{
			"scrape-jobs-shop.example": {
				MaxAttempts:      2,
				MinBackoff:       time.Second,
				MaxBackoff:       time.Minute,
				MaxRetryDuration: time.Hour,
			},
		}}

		var payloads []notify.JobFailurePayload
		notifier := failurenotifier.NewService(failurenotifier.Options{
			Sinks: []failurenotifier.SinkRegistration{{
				Name: "capture",
				Sink: notify.SinkFunc(func(_ context.Context, payload notify.JobFailurePayload) error {
					payloads = append(payloads, payload)
					return nil
				}),
			}},
		})

		runner, err := NewRunner(RunnerOptions{
			Queues:          queues,
			Consumer:        consumer,
			Config:          testRelayConfig(),
			HTTPClient:      server.Client(),
			FailureNotifier: notifier,
		})
		require.NoError(t, err)
		require.NoError(t, runner.refreshQueues(context.Background()))

		delivery := testDelivery(t, server.URL)
		delivery.Attempts = 2
		runner.deliver(context.Background(), delivery)

		require.Len(t, payloads, 1)
		assert.Equal(t, "scrape-jobs-shop.example", payloads[0].Queue)
		assert.Equal(t, "shop.example", payloads[0].Domain)
		assert.NotEmpty(t, payloads[0].JobID)
		assert.Equal(t, notify.StageDispatch, payloads[0].Stage)
		assert.Equal(t, "exhausted", payloads[0].ErrorClass)
		assert.Equal(t, int64(2), payloads[0].Attempts)
		assert.Equal(t, "1-0", payloads[0].Metadata["entry_id"])
	})

	t.Run("dead letters malformed payloads without calling the worker", func(t *testing.T) {
		server, received := newMockWorker(t, http.StatusOK)
		consumer := &mockQueueConsumer{}
		runner := newRunner(t, consumer, server, nil)

		runner.deliver(context.Background(), core.Delivery{
			Queue:    "scrape-jobs-shop.example",
			ID:       "1-0",
			Payload:  []byte("not json"),
			Attempts: 1,
		})

		assert.Empty(t, received())
		require.Len(t, consumer.deadLettered, 1)
		assert.Contains(t, consumer.deadLetterReasons[0], "malformed payload")
		assert.Zero(t, consumer.ackCalls)
	})

	t.Run("delivery stands even when the ack fails", func(t *testing.T) {
		server, received := newMockWorker(t, http.StatusOK)
		consumer := &mockQueueConsumer{ackErr: assert.AnError}
		runner := newRunner(t, consumer, server, nil)

		runner.deliver(context.Background(), testDelivery(t, server.URL))

		require.Len(t, received(), 1)
		assert.Equal(t, 1, consumer.ackCalls)
		assert.Empty(t, consumer.deadLettered)
	})
}

func TestRunner_RefreshQueues(t *testing.T) {
	attached := dispatch.RetryPolicy{
		MaxAttempts:      3,
		MinBackoff:       time.Second,
		MaxBackoff:       time.Minute,
		MaxRetryDuration: time.Hour,
	}
	queues := &mockQueueService{
		queues: map[string]dispatch.RetryPolicy{
			"scrape-jobs-a.example": attached,
			"scrape-jobs-b.example": attached,
		},
		getErr: map[string]error{
			"scrape-jobs-b.example": assert.AnError,
		},
	}
	runner, err := NewRunner(RunnerOptions{
		Queues:   queues,
		Consumer: &mockQueueConsumer{},
		Config:   testRelayConfig(),
	})
	require.NoError(t, err)

	require.NoError(t, runner.refreshQueues(context.Background()))

	assert.Equal(t, []string{"scrape-jobs-a.example", "scrape-jobs-b.example"}, runner.table.snapshot())
	assert.Equal(t, attached, runner.table.policyFor("scrape-jobs-a.example"))
	// Unreadable metadata falls back to the default policy.
	assert.Equal(t, dispatch.DefaultRetryPolicy(), runner.table.policyFor("scrape-jobs-b.example"))
	assert.Equal(t, dispatch.DefaultRetryPolicy(), runner.table.policyFor("scrape-jobs-unknown.example"))
}

func TestRunner_ReclaimPass(t *testing.T) {
	server, received := newMockWorker(t, http.StatusOK)
	queues := &mockQueueService{queues: map[string]dispatch.RetryPolicy{
		"scrape-jobs-shop.example": dispatch.DefaultRetryPolicy(),
	}}
	delivery := testDelivery(t, server.URL)
	delivery.Attempts = 2
	consumer := &mockQueueConsumer{reclaimable: []core.Delivery{delivery}}

	runner, err := NewRunner(RunnerOptions{
		Queues:       queues,
		Consumer:     consumer,
		Config:       testRelayConfig(),
		HTTPClient:   server.Client(),
		ConsumerName: "relay-test",
	})
	require.NoError(t, err)
	require.NoError(t, runner.refreshQueues(context.Background()))

	runner.reclaimPass(context.Background())

	require.Equal(t, 1, consumer.reclaimCalls)
	params := consumer.reclaimParams[0]
	assert.Equal(t, "scrape-jobs-shop.example", params.Queue)
	assert.Equal(t, "relay-test", params.Consumer)
	assert.Equal(t, 30*time.Second, params.MinIdle)
	assert.Equal(t, 10, params.Count)

	require.Len(t, received(), 1)
	assert.Equal(t, 1, consumer.ackCalls)
}

func TestRunner_Run(t *testing.T) {
	t.Run("delivers queued entries end to end", func(t *testing.T) {
		server, received := newMockWorker(t, http.StatusOK)
		queues := &mockQueueService{queues: map[string]dispatch.RetryPolicy{
			"scrape-jobs-shop.example": dispatch.DefaultRetryPolicy(),
		}}
		delivery := testDelivery(t, server.URL)
		consumer := &mockQueueConsumer{pending: []core.Delivery{delivery}}

		runner, err := NewRunner(RunnerOptions{
			Queues:     queues,
			Consumer:   consumer,
			Config:     testRelayConfig(),
			HTTPClient: server.Client(),
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- runner.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			return len(received()) == 1
		}, 2*time.Second, 20*time.Millisecond, "worker was never invoked")

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}

		assert.Equal(t, 1, consumer.ackCalls)
		assert.GreaterOrEqual(t, consumer.readCalls, 1)
		assert.Equal(t, []string{"scrape-jobs-shop.example"}, consumer.readParams.Queues)
		assert.Equal(t, 10, consumer.readParams.Count)
	})

	t.Run("returns deadline errors from the loops", func(t *testing.T) {
		runner, err := NewRunner(RunnerOptions{
			Queues:   &mockQueueService{},
			Consumer: &mockQueueConsumer{},
			Config:   testRelayConfig(),
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()

		err = runner.Run(ctx)

		require.Error(t, err)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

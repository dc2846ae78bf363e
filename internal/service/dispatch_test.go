package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/scrapehub/config"
	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
)

// mockQueueService is a simple mock implementation for testing.
type mockQueueService struct {
	getQueueMeta  *dispatch.QueueMeta
	getQueueErr   error
	getQueueCalls int

	createQueueErr    error
	createQueueCalls  int
	createQueueName   string
	createQueuePolicy dispatch.RetryPolicy

	enqueueEntryID    string
	enqueueErr        error
	enqueueErrOnFirst bool
	enqueueCalls      int
	enqueueQueue      string
	enqueuePayload    dispatch.Payload

	listQueueNames []string
	listQueuesErr  error
}

func (m *mockQueueService) GetQueue(ctx context.Context, name string) (*dispatch.QueueMeta, error) {
	m.getQueueCalls++
	if m.getQueueErr != nil {
		return nil, m.getQueueErr
	}
	if m.getQueueMeta != nil {
		return m.getQueueMeta, nil
	}
	return &dispatch.QueueMeta{Name: name, Policy: dispatch.DefaultRetryPolicy()}, nil
}

func (m *mockQueueService) CreateQueue(
	ctx context.Context,
	name string,
	policy dispatch.RetryPolicy,
) error {
	m.createQueueCalls++
	m.createQueueName = name
	m.createQueuePolicy = policy
	return m.createQueueErr
}

func (m *mockQueueService) Enqueue(
	ctx context.Context,
	name string,
	payload dispatch.Payload,
) (string, error) {
	m.enqueueCalls++
	m.enqueueQueue = name
	m.enqueuePayload = payload
	if m.enqueueErr != nil {
		if !m.enqueueErrOnFirst || m.enqueueCalls == 1 {
			return "", m.enqueueErr
		}
	}
	if m.enqueueEntryID != "" {
		return m.enqueueEntryID, nil
	}
	return "1-0", nil
}

func (m *mockQueueService) ListQueues(ctx context.Context) ([]string, error) {
	if m.listQueuesErr != nil {
		return nil, m.listQueuesErr
	}
	return m.listQueueNames, nil
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		QueuePrefix:  "scrape-jobs-",
		WorkerTarget: "https://worker.internal/scrape",
		Identity:     "scrapehub-dispatch",
	}
}

func TestNewDispatchService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		svc, err := NewDispatchService(DispatchServiceOptions{
			Queue:  &mockQueueService{},
			Config: testDispatchConfig(),
		})

		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when queue is nil", func(t *testing.T) {
		_, err := NewDispatchService(DispatchServiceOptions{
			Config: testDispatchConfig(),
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "QueueService is required")
	})
}

func TestDispatchService_EnsureQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("returns name when queue already exists", func(t *testing.T) {
		queue := &mockQueueService{}
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: testDispatchConfig(),
		})

		name, err := svc.EnsureQueue(ctx, "shop.example")

		require.NoError(t, err)
		assert.Equal(t, "scrape-jobs-shop.example", name)
		assert.Equal(t, 1, queue.getQueueCalls)
		assert.Equal(t, 0, queue.createQueueCalls)
	})

	t.Run("creates queue with retry policy when missing", func(t *testing.T) {
		queue := &mockQueueService{getQueueErr: dispatch.ErrQueueNotFound}
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: testDispatchConfig(),
		})

		name, err := svc.EnsureQueue(ctx, "shop.example")

		require.NoError(t, err)
		assert.Equal(t, "scrape-jobs-shop.example", name)
		assert.Equal(t, 1, queue.createQueueCalls)
		assert.Equal(t, "scrape-jobs-shop.example", queue.createQueueName)
		assert.Equal(t, dispatch.DefaultRetryPolicy(), queue.createQueuePolicy)
	})

	t.Run("treats lost provisioning race as success", func(t *testing.T) {
		queue := &mockQueueService{
			getQueueErr:    dispatch.ErrQueueNotFound,
			createQueueErr: dispatch.ErrQueueExists,
		}
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: testDispatchConfig(),
		})

		name, err := svc.EnsureQueue(ctx, "shop.example")

		require.NoError(t, err)
		assert.Equal(t, "scrape-jobs-shop.example", name)
		assert.Equal(t, 1, queue.createQueueCalls)
	})

	t.Run("surfaces create failure as dispatch error", func(t *testing.T) {
		createErr := errors.New("connection refused")
		queue := &mockQueueService{
			getQueueErr:    dispatch.ErrQueueNotFound,
			createQueueErr: createErr,
		}
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: testDispatchConfig(),
		})

		_, err := svc.EnsureQueue(ctx, "shop.example")

		require.Error(t, err)
		assert.True(t, apperrors.IsDispatch(err))
		assert.ErrorIs(t, err, createErr)
	})

	t.Run("never creates after a failed existence check", func(t *testing.T) {
		checkErr := errors.New("connection refused")
		queue := &mockQueueService{getQueueErr: checkErr}
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: testDispatchConfig(),
		})

		_, err := svc.EnsureQueue(ctx, "shop.example")

		require.Error(t, err)
		assert.True(t, apperrors.IsDispatch(err))
		assert.ErrorIs(t, err, checkErr)
		assert.Equal(t, 0, queue.createQueueCalls)
	})

	t.Run("uses configured queue prefix", func(t *testing.T) {
		queue := &mockQueueService{}
		cfg := testDispatchConfig()
		cfg.QueuePrefix = "custom-"
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: cfg,
		})

		name, err := svc.EnsureQueue(ctx, "shop.example")

		require.NoError(t, err)
		assert.Equal(t, "custom-shop.example", name)
	})
}

func TestDispatchService_Submit(t *testing.T) {
	ctx := context.Background()

	job := &model.Job{
		ID:     "5e7f9a3c-88f0-4a6e-9b3e-0d6a5fb0a111",
		Domain: "shop.example",
		URLs:   []string{"https://shop.example/p/1", "https://shop.example/p/2"},
		Status: model.JobStatusQueued,
	}

	t.Run("builds payload and enqueues", func(t *testing.T) {
		queue := &mockQueueService{enqueueEntryID: "1700000000000-0"}
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: testDispatchConfig(),
		})

		entryID, err := svc.Submit(ctx, "scrape-jobs-shop.example", job)

		require.NoError(t, err)
		assert.Equal(t, "1700000000000-0", entryID)
		assert.Equal(t, "scrape-jobs-shop.example", queue.enqueueQueue)

		payload := queue.enqueuePayload
		assert.Equal(t, dispatch.PayloadVersion, payload.Version)
		assert.Equal(t, job.ID, payload.JobID)
		assert.Equal(t, job.Domain, payload.Domain)
		assert.Equal(t, job.URLs, payload.URLs)
		assert.Equal(t, "https://worker.internal/scrape", payload.Target)
		assert.Equal(t, "scrapehub-dispatch", payload.Identity)
		assert.Equal(t, dispatch.SingleInvocation, payload.Invocations)
		assert.Equal(t, int64(3600), payload.TimeoutSecs)
		assert.WithinDuration(t, time.Now().UTC(), payload.EnqueuedAt, 5*time.Second)
	})

	t.Run("wraps enqueue failure as dispatch error", func(t *testing.T) {
		queue := &mockQueueService{enqueueErr: dispatch.ErrQueueNotFound}
		svc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  queue,
			Config: testDispatchConfig(),
		})

		_, err := svc.Submit(ctx, "scrape-jobs-shop.example", job)

		require.Error(t, err)
		assert.True(t, apperrors.IsDispatch(err))
		assert.ErrorIs(t, err, dispatch.ErrQueueNotFound)
	})
}

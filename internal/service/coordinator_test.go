package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
)

// mockJobRepo is a simple mock implementation for testing.
type mockJobRepo struct {
	createErr   error
	createCalls int
	createdJob  *model.Job

	getJob *model.Job
	getErr error

	deleteErr    error
	deleteCalls  int
	deletedID    string
	deleteCtxErr error

	statsVal *model.JobStats
	statsErr error
}

func (m *mockJobRepo) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createdJob = job
	return job, nil
}

func (m *mockJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.getJob, nil
}

func (m *mockJobRepo) Delete(ctx context.Context, id string) error {
	m.deleteCalls++
	m.deletedID = id
	m.deleteCtxErr = ctx.Err()
	return m.deleteErr
}

func (m *mockJobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.statsVal, nil
}

func newTestCoordinator(
	t *testing.T,
	repo *mockJobRepo,
	queue *mockQueueService,
) *CoordinatorService {
	t.Helper()

	dispatchSvc := MustNewDispatchService(DispatchServiceOptions{
		Queue:  queue,
		Config: testDispatchConfig(),
	})

	return MustNewCoordinatorService(CoordinatorServiceOptions{
		Repo:     repo,
		Dispatch: dispatchSvc,
	})
}

func validCreateRequest() model.CreateJobRequest {
	return model.CreateJobRequest{
		Domain: "shop.example",
		URLs:   []string{"https://shop.example/p/1", "https://shop.example/p/2"},
	}
}

func TestNewCoordinatorService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		dispatchSvc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  &mockQueueService{},
			Config: testDispatchConfig(),
		})

		svc, err := NewCoordinatorService(CoordinatorServiceOptions{
			Repo:     &mockJobRepo{},
			Dispatch: dispatchSvc,
		})

		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		dispatchSvc := MustNewDispatchService(DispatchServiceOptions{
			Queue:  &mockQueueService{},
			Config: testDispatchConfig(),
		})

		_, err := NewCoordinatorService(CoordinatorServiceOptions{
			Dispatch: dispatchSvc,
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("returns error when dispatch is nil", func(t *testing.T) {
		_, err := NewCoordinatorService(CoordinatorServiceOptions{
			Repo: &mockJobRepo{},
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "DispatchService is required")
	})
}

func TestCoordinatorService_CreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("admits a job through persist, provision and submit", func(t *testing.T) {
		repo := &mockJobRepo{}
		queue := &mockQueueService{getQueueErr: dispatch.ErrQueueNotFound}
		svc := newTestCoordinator(t, repo, queue)

		created, err := svc.CreateJob(ctx, validCreateRequest())

		require.NoError(t, err)
		require.NotNil(t, created)

		id, parseErr := uuid.Parse(created.ID)
		require.NoError(t, parseErr)
		assert.Equal(t, uuid.Version(4), id.Version())

		assert.Equal(t, "shop.example", created.Domain)
		assert.Equal(t, []string{"https://shop.example/p/1", "https://shop.example/p/2"}, created.URLs)
		assert.Equal(t, model.JobStatusQueued, created.Status)

		assert.Equal(t, 1, repo.createCalls)
		assert.Equal(t, 1, queue.createQueueCalls)
		assert.Equal(t, 1, queue.enqueueCalls)
		assert.Equal(t, "scrape-jobs-shop.example", queue.enqueueQueue)
		assert.Equal(t, created.ID, queue.enqueuePayload.JobID)
	})

	t.Run("generates a distinct id per admission", func(t *testing.T) {
		repo := &mockJobRepo{}
		queue := &mockQueueService{}
		svc := newTestCoordinator(t, repo, queue)

		first, err := svc.CreateJob(ctx, validCreateRequest())
		require.NoError(t, err)
		second, err := svc.CreateJob(ctx, validCreateRequest())
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("normalizes the domain before queue derivation", func(t *testing.T) {
		repo := &mockJobRepo{}
		queue := &mockQueueService{}
		svc := newTestCoordinator(t, repo, queue)

		req := model.CreateJobRequest{
			Domain: "BüCHER.example",
			URLs:   []string{"https://xn--bcher-kva.example/p/1"},
		}
		created, err := svc.CreateJob(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, "xn--bcher-kva.example", created.Domain)
		assert.Equal(t, "scrape-jobs-xn--bcher-kva.example", queue.enqueueQueue)
	})

	t.Run("rejects missing domain before any side effect", func(t *testing.T) {
		repo := &mockJobRepo{}
		queue := &mockQueueService{}
		svc := newTestCoordinator(t, repo, queue)

		_, err := svc.CreateJob(ctx, model.CreateJobRequest{
			URLs: []string{"https://shop.example/p/1"},
		})

		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "domain", apperrors.GetField(err))
		assert.Equal(t, 0, repo.createCalls)
		assert.Equal(t, 0, queue.getQueueCalls)
	})

	t.Run("rejects relative url before any side effect", func(t *testing.T) {
		repo := &mockJobRepo{}
		queue := &mockQueueService{}
		svc := newTestCoordinator(t, repo, queue)

		_, err := svc.CreateJob(ctx, model.CreateJobRequest{
			Domain: "shop.example",
			URLs:   []string{"/p/1"},
		})

		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "urls", apperrors.GetField(err))
		assert.Equal(t, 0, repo.createCalls)
		assert.Equal(t, 0, queue.getQueueCalls)
	})

	t.Run("persist failure surfaces without compensation", func(t *testing.T) {
		repo := &mockJobRepo{createErr: apperrors.Persistence("connection reset")}
		queue := &mockQueueService{}
		svc := newTestCoordinator(t, repo, queue)

		_, err := svc.CreateJob(ctx, validCreateRequest())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "persist job")
		assert.True(t, apperrors.IsPersistence(err))
		assert.Equal(t, 0, repo.deleteCalls)
		assert.Equal(t, 0, queue.getQueueCalls)
	})

	t.Run("queue check failure compensates and surfaces dispatch error", func(t *testing.T) {
		checkErr := errors.New("connection refused")
		repo := &mockJobRepo{}
		queue := &mockQueueService{getQueueErr: checkErr}
		svc := newTestCoordinator(t, repo, queue)

		_, err := svc.CreateJob(ctx, validCreateRequest())

		require.Error(t, err)
		assert.True(t, apperrors.IsDispatch(err))
		assert.ErrorIs(t, err, checkErr)
		assert.Equal(t, 0, queue.createQueueCalls)
		assert.Equal(t, 1, repo.deleteCalls)
		assert.Equal(t, repo.createdJob.ID, repo.deletedID)
	})

	t.Run("submit failure compensates and surfaces dispatch error", func(t *testing.T) {
		repo := &mockJobRepo{}
		queue := &mockQueueService{enqueueErr: errors.New("stream write failed")}
		svc := newTestCoordinator(t, repo, queue)

		_, err := svc.CreateJob(ctx, validCreateRequest())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "submit job")
		assert.True(t, apperrors.IsDispatch(err))
		assert.Equal(t, 1, repo.deleteCalls)
		assert.Equal(t, repo.createdJob.ID, repo.deletedID)
	})

	t.Run("compensation failure keeps the dispatch error", func(t *testing.T) {
		repo := &mockJobRepo{deleteErr: errors.New("delete timed out")}
		queue := &mockQueueService{enqueueErr: errors.New("stream write failed")}
		svc := newTestCoordinator(t, repo, queue)

		_, err := svc.CreateJob(ctx, validCreateRequest())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "submit job")
		assert.NotContains(t, err.Error(), "delete timed out")
		assert.Equal(t, 1, repo.deleteCalls)
	})

	t.Run("compensation runs on a live context after request cancellation", func(t *testing.T) {
		repo := &mockJobRepo{}
		queue := &mockQueueService{enqueueErr: errors.New("stream write failed")}
		svc := newTestCoordinator(t, repo, queue)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := svc.CreateJob(cancelled, validCreateRequest())

		require.Error(t, err)
		assert.Equal(t, 1, repo.deleteCalls)
		assert.NoError(t, repo.deleteCtxErr)
	})
}

func TestCoordinatorService_GetJob(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the job record", func(t *testing.T) {
		want := &model.Job{ID: "abc", Domain: "shop.example", Status: model.JobStatusRunning}
		repo := &mockJobRepo{getJob: want}
		svc := newTestCoordinator(t, repo, &mockQueueService{})

		got, err := svc.GetJob(ctx, "abc")

		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("missing job yields nil without error", func(t *testing.T) {
		repo := &mockJobRepo{getErr: apperrors.NotFoundf("job %s not found", "abc")}
		svc := newTestCoordinator(t, repo, &mockQueueService{})

		got, err := svc.GetJob(ctx, "abc")

		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		repo := &mockJobRepo{getErr: apperrors.Persistence("connection reset")}
		svc := newTestCoordinator(t, repo, &mockQueueService{})

		_, err := svc.GetJob(ctx, "abc")

		require.Error(t, err)
		assert.True(t, apperrors.IsPersistence(err))
	})
}

func TestCoordinatorService_Stats(t *testing.T) {
	ctx := context.Background()

	t.Run("returns counts per status", func(t *testing.T) {
		want := &model.JobStats{Queued: 3, Running: 1, Completed: 10, Failed: 2}
		repo := &mockJobRepo{statsVal: want}
		svc := newTestCoordinator(t, repo, &mockQueueService{})

		got, err := svc.Stats(ctx)

		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		repo := &mockJobRepo{statsErr: apperrors.Persistence("connection reset")}
		svc := newTestCoordinator(t, repo, &mockQueueService{})

		_, err := svc.Stats(ctx)

		require.Error(t, err)
		assert.True(t, apperrors.IsPersistence(err))
	})
}

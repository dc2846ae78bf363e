package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	"github.com/pricewatch/scrapehub/internal/testutil"
)

// ageJob moves a job's updated_at into the past.
func ageJob(t *testing.T, db *sql.DB, id string, age time.Duration) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		UPDATE jobs
		SET updated_at = $1
		WHERE id = $2
	`, time.Now().Add(-age), id)
	require.NoError(t, err)
}

func TestJobRepo_ListStaleQueued(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("returns only stale queued jobs, oldest first", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			oldest, err := repo.Create(ctx, newTestJob("a.example"))
			require.NoError(t, err)
			ageJob(t, db, oldest.ID, 3*time.Hour)

			older, err := repo.Create(ctx, newTestJob("b.example"))
			require.NoError(t, err)
			ageJob(t, db, older.ID, 2*time.Hour)

			recent, err := repo.Create(ctx, newTestJob("c.example"))
			require.NoError(t, err)

			running, err := repo.Create(ctx, newTestJob("d.example"))
			require.NoError(t, err)
			setStatus(t, db, running.ID, model.JobStatusRunning)
			ageJob(t, db, running.ID, 3*time.Hour)

			stale, err := repo.ListStaleQueued(ctx, time.Hour, 100)
			require.NoError(t, err)
			require.Len(t, stale, 2)
			assert.Equal(t, oldest.ID, stale[0].ID)
			assert.Equal(t, older.ID, stale[1].ID)

			_ = recent
		})
	})

	t.Run("respects the batch limit", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			for range 3 {
				created, err := repo.Create(ctx, newTestJob("shop.example"))
				require.NoError(t, err)
				ageJob(t, db, created.ID, 2*time.Hour)
			}

			stale, err := repo.ListStaleQueued(ctx, time.Hour, 2)
			require.NoError(t, err)
			assert.Len(t, stale, 2)
		})
	})

	t.Run("zero limit is rejected", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})

			_, err := repo.ListStaleQueued(context.Background(), time.Hour, 0)
			require.Error(t, err)
		})
	})
}

func TestJobRepo_TouchQueued(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("bumps updated_at while still queued", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, newTestJob("shop.example"))
			require.NoError(t, err)
			ageJob(t, db, created.ID, 2*time.Hour)

			touched, err := repo.TouchQueued(ctx, created.ID)
			require.NoError(t, err)
			assert.True(t, touched)

			stale, err := repo.ListStaleQueued(ctx, time.Hour, 100)
			require.NoError(t, err)
			assert.Empty(t, stale)
		})
	})

	t.Run("does not touch worker-owned rows", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, newTestJob("shop.example"))
			require.NoError(t, err)
			setStatus(t, db, created.ID, model.JobStatusRunning)

			touched, err := repo.TouchQueued(ctx, created.ID)
			require.NoError(t, err)
			assert.False(t, touched)
		})
	})
}

func TestJobRepo_FailStaleQueued(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("fails abandoned queued jobs with a reason", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			abandoned, err := repo.Create(ctx, newTestJob("shop.example"))
			require.NoError(t, err)
			ageJob(t, db, abandoned.ID, 48*time.Hour)

			recent, err := repo.Create(ctx, newTestJob("shop.example"))
			require.NoError(t, err)

			failed, err := repo.FailStaleQueued(ctx, 24*time.Hour, 1000)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, abandoned.ID, failed[0].ID)
			assert.Equal(t, abandoned.Domain, failed[0].Domain)

			after, err := repo.GetByID(ctx, abandoned.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusFailed, after.Status)
			require.NotNil(t, after.FailureReason)
			assert.Contains(t, *after.FailureReason, "abandoned")

			recentAfter, err := repo.GetByID(ctx, recent.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusQueued, recentAfter.Status)
		})
	})

	t.Run("never clobbers running jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, newTestJob("shop.example"))
			require.NoError(t, err)
			setStatus(t, db, created.ID, model.JobStatusRunning)
			ageJob(t, db, created.ID, 48*time.Hour)

			failed, err := repo.FailStaleQueued(ctx, 24*time.Hour, 1000)
			require.NoError(t, err)
			assert.Empty(t, failed)

			after, err := repo.GetByID(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusRunning, after.Status)
		})
	})

	t.Run("zero batch size is rejected", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})

			_, err := repo.FailStaleQueued(context.Background(), time.Hour, 0)
			require.Error(t, err)
		})
	})
}

func TestJobRepo_DeleteOldJobs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("deletes old terminal jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			done, err := repo.Create(ctx, newTestJob("shop.example"))
			require.NoError(t, err)
			setStatus(t, db, done.ID, model.JobStatusCompleted)
			ageJob(t, db, done.ID, 8*24*time.Hour)

			count, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    model.JobStatusCompleted,
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			_, err = repo.GetByID(ctx, done.ID)
			assert.Error(t, err)
		})
	})

	t.Run("does not delete recent terminal jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			done, err := repo.Create(ctx, newTestJob("shop.example"))
			require.NoError(t, err)
			setStatus(t, db, done.ID, model.JobStatusFailed)

			count, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    model.JobStatusFailed,
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)

			_, err = repo.GetByID(ctx, done.ID)
			require.NoError(t, err)
		})
	})

	t.Run("non-terminal status returns error", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})

			_, err := repo.DeleteOldJobs(context.Background(), core.DeleteOldJobsParams{
				Status:    model.JobStatusQueued,
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "terminal")
		})
	})
}

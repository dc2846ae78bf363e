package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/data/pgxutil"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
)

// Advisory lock namespace for sweeper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 2100 is reserved for scrapehub sweeper operations.
const (
	advisoryLockSweeperMajor     = 2100
	advisoryLockSweeperFailStale = 1 // minor key for FailStaleQueued
	advisoryLockSweeperDelete    = 2 // minor key for DeleteOldJobs
)

// ListStaleQueued returns QUEUED jobs whose updated_at is older than maxAge,
// oldest first, up to limit rows. The sweeper re-drives these through the
// dispatch path.
func (r *JobRepo) ListStaleQueued(ctx context.Context, maxAge time.Duration, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, apperrors.Validation("limit must be greater than zero")
	}
	cutoff := r.timeProvider.Now().Add(-maxAge).UTC()

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, queryErr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = 'QUEUED'
			  AND updated_at < $1
			ORDER BY updated_at
			LIMIT $2
		`, cutoff, limit)
		if queryErr != nil {
			return queryErr
		}
		jobs, queryErr = scanJobList(rows)
		return queryErr
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// TouchQueued bumps updated_at on a job that is still QUEUED so the sweeper
// does not re-drive it again before the next stale window. Returns false when
// the job is missing or a worker has already moved it on.
func (r *JobRepo) TouchQueued(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET updated_at = $1
		WHERE id = $2
		  AND status = 'QUEUED'
	`, r.timeProvider.Now().UTC(), id)
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailStaleQueued marks QUEUED jobs older than maxAge as FAILED with a
// recorded reason. Processes up to batchSize jobs per call to prevent long
// locks and I/O spikes. Uses advisory locks to prevent concurrent sweeper
// instances from conflicting. Returns the jobs it marked as failed so the
// caller can emit failure notifications.
func (r *JobRepo) FailStaleQueued(ctx context.Context, maxAge time.Duration, batchSize int) ([]core.AbandonedJob, error) {
	if batchSize <= 0 {
		return nil, errors.New("batch size must be greater than zero")
	}

	var failed []core.AbandonedJob
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockSweeperMajor, advisoryLockSweeperFailStale).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				failed = nil
				return nil
			}

			now := r.timeProvider.Now()
			cutoff := now.Add(-maxAge)

			rows, err := tx.QueryContext(ctx, `
				UPDATE jobs
				SET status = 'FAILED',
					failure_reason = 'job abandoned in QUEUED status',
					updated_at = $1
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = 'QUEUED'
					  AND updated_at < $2
					ORDER BY updated_at
					LIMIT $3
				)
				RETURNING id, domain
			`, now.UTC(), cutoff.UTC(), batchSize)
			if err != nil {
				return fmt.Errorf("fail stale queued jobs: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var job core.AbandonedJob
				if err := rows.Scan(&job.ID, &job.Domain); err != nil {
					return fmt.Errorf("scan failed job: %w", err)
				}
				failed = append(failed, job)
			}
			return rows.Err()
		},
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return failed, nil
}

// DeleteOldJobs deletes jobs with the given terminal status older than MaxAge.
// Processes up to BatchSize jobs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent sweeper instances from conflicting.
// Returns the number of jobs deleted.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("status must be terminal, got: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockSweeperMajor, advisoryLockSweeperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()

			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = $1
					  AND updated_at < $2
					ORDER BY updated_at
					LIMIT $3
				)
			`, params.Status, cutoff, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return rowsAffected, nil
}

var _ core.SweeperRepository = (*JobRepo)(nil)

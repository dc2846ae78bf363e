package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/data/pgxutil"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
)

// Create inserts a new job record and returns the stored row. The record
// arrives fully formed from the coordinator (id generated, status QUEUED);
// created_at and updated_at come from the database.
func (r *JobRepo) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job == nil {
		return nil, apperrors.Validation("job record is required")
	}
	if job.ID == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}

	urls, err := json.Marshal(job.URLs)
	if err != nil {
		return nil, fmt.Errorf("marshal urls: %w", err)
	}

	var created *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, queryErr := tx.Query(ctx, `
				INSERT INTO jobs(id, domain, urls, status)
				VALUES ($1, $2, $3, $4)
				RETURNING `+jobColumns, job.ID, job.Domain, urls, job.Status)
			if queryErr != nil {
				return queryErr
			}
			var collectErr error
			created, collectErr = collectJobFromRows(rows)
			rows.Close()
			return collectErr
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return created, nil
}

// GetByID retrieves a job by its ID. A missing row surfaces as a not_found
// AppError; the coordinator decides whether that means absent or failure.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, queryErr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		job, queryErr = collectJobFromRows(rows)
		return queryErr
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Delete removes a job record by ID. Deleting an unknown id is a no-op
// success so the coordinator's compensation stays idempotent.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// Stats returns job counts per status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'QUEUED')    AS queued,
    count(*) FILTER (WHERE status = 'RUNNING')   AS running,
    count(*) FILTER (WHERE status = 'COMPLETED') AS completed,
    count(*) FILTER (WHERE status = 'FAILED')    AS failed
  FROM jobs
  `).Scan(
		&s.Queued,
		&s.Running,
		&s.Completed,
		&s.Failed,
	)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return &s, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var urls []byte
	var failureReason sql.NullString

	if err := scanner.Scan(
		&job.ID,
		&job.Domain,
		&urls,
		&job.Status,
		&failureReason,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(urls) > 0 {
		if err := json.Unmarshal(urls, &job.URLs); err != nil {
			return nil, fmt.Errorf("unmarshal urls: %w", err)
		}
	}
	if failureReason.Valid {
		reason := failureReason.String
		job.FailureReason = &reason
	}
	return job, nil
}

// scanJobList collects every job from pgx rows.
func scanJobList(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

var _ core.JobRepository = (*JobRepo)(nil)

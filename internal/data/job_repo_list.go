package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pricewatch/scrapehub/internal/data/database"
	"github.com/pricewatch/scrapehub/internal/data/pgxutil"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// jobListSortColumns maps the exposed sort fields to real columns. Anything
// else falls back to created_at.
var jobListSortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"status":     "status",
}

// List retrieves one page of job records plus the total count matching the
// filters. Results are ordered by the requested sort column, newest first
// unless asked otherwise.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) (*model.JobList, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(opts.Offset, 0)

	conditions := buildJobListConditions(opts)

	countQuery, countArgs := database.BuildListQuery(database.NewListQueryOptions("jobs",
		database.WithConditions(conditions...),
		database.WithCountOnly(),
	))

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("count jobs: %w", err))
	}

	sortCol, sortDir := jobListSort(opts)
	listQuery, listArgs := database.BuildListQuery(database.NewListQueryOptions("jobs",
		database.WithColumns("id", "domain", "urls", "status", "failure_reason", "created_at", "updated_at"),
		database.WithConditions(conditions...),
		database.WithOrderBy(sortCol, sortDir),
		database.WithLimit(limit),
		database.WithOffset(offset),
	))

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, queryErr := pgxConn.Query(ctx, listQuery, listArgs...)
		if queryErr != nil {
			return queryErr
		}
		jobs, queryErr = scanJobList(rows)
		return queryErr
	})
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list jobs: %w", err))
	}

	return &model.JobList{Jobs: jobs, Total: total}, nil
}

func buildJobListConditions(opts *model.JobListOptions) []database.Condition {
	conditions := make([]database.Condition, 0, 2)
	if opts.Status != nil {
		conditions = append(conditions,
			database.WhereCond("status", database.Equal, string(*opts.Status)))
	}
	if opts.Domain != nil && *opts.Domain != "" {
		conditions = append(conditions,
			database.WhereCond("domain", database.Equal, *opts.Domain))
	}
	return conditions
}

func jobListSort(opts *model.JobListOptions) (string, string) {
	sortCol, ok := jobListSortColumns[opts.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	sortDir := "DESC"
	if opts.SortOrder == "asc" || opts.SortOrder == "ASC" {
		sortDir = "ASC"
	}
	return sortCol, sortDir
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/redis/go-redis/v9"

	redisadapter "github.com/pricewatch/scrapehub/internal/adapters/redis"
	"github.com/pricewatch/scrapehub/internal/data"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
	"github.com/pricewatch/scrapehub/internal/service"
)

type submitJobOptions struct {
	Domain string
	URLs   []string
}

type getJobOptions struct {
	ID    string
	Query string
}

// urlListFlag collects repeated -url flags.
type urlListFlag []string

func (u *urlListFlag) String() string { return strings.Join(*u, ",") }

func (u *urlListFlag) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("url cannot be empty")
	}
	*u = append(*u, value)
	return nil
}

func runSubmitJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitJobFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeInfra(db, redisClient); cerr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", cerr)
		}
	}()
	if redisClient == nil {
		return errors.New("redis configuration is required to submit jobs")
	}

	coordinator, err := buildCoordinator(cmdCtx, db, redisClient)
	if err != nil {
		return err
	}

	job, err := coordinator.CreateJob(ctx, model.CreateJobRequest{
		Domain: opts.Domain,
		URLs:   opts.URLs,
	})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	return printJobDocument(job, "")
}

func parseSubmitJobFlags(args []string) (submitJobOptions, error) {
	fs := flag.NewFlagSet("submit-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts submitJobOptions
	var urls urlListFlag
	fs.StringVar(&opts.Domain, "domain", "", "Domain the job scrapes (required)")
	fs.Var(&urls, "url", "URL to scrape; repeat for multiple (at least one required)")

	if err := fs.Parse(args); err != nil {
		return submitJobOptions{}, err
	}

	opts.Domain = strings.TrimSpace(opts.Domain)
	opts.URLs = urls
	if opts.Domain == "" {
		return submitJobOptions{}, errors.New("--domain is required")
	}
	if len(opts.URLs) == 0 {
		return submitJobOptions{}, errors.New("at least one --url is required")
	}

	return opts, nil
}

func runGetJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseGetJobFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	job, err := repo.GetByID(ctx, opts.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			if writeErr := writef(os.Stdout, "No job found with id %s\n", opts.ID); writeErr != nil {
				return fmt.Errorf("print missing job notice: %w", writeErr)
			}
			return nil
		}
		return fmt.Errorf("get job %s: %w", opts.ID, err)
	}

	return printJobDocument(job, opts.Query)
}

func parseGetJobFlags(args []string) (getJobOptions, error) {
	fs := flag.NewFlagSet("get-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts getJobOptions
	fs.StringVar(&opts.ID, "id", "", "Job ID to inspect (required)")
	fs.StringVar(&opts.Query, "query", "", "JMESPath expression applied to the job document")

	if err := fs.Parse(args); err != nil {
		return getJobOptions{}, err
	}

	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return getJobOptions{}, errors.New("--id is required")
	}
	if _, err := uuid.Parse(opts.ID); err != nil {
		return getJobOptions{}, fmt.Errorf("--id must be a valid UUID: %w", err)
	}
	if opts.Query != "" {
		if _, err := jmespath.Compile(opts.Query); err != nil {
			return getJobOptions{}, fmt.Errorf("invalid --query expression: %w", err)
		}
	}

	return opts, nil
}

type listJobsOptions struct {
	Status    string
	Domain    string
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, listOpts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	page, err := repo.List(ctx, listOpts)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	return printJobTable(page, opts)
}

func parseListJobsFlags(args []string) (listJobsOptions, *model.JobListOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listJobsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status (QUEUED, RUNNING, COMPLETED, FAILED)")
	fs.StringVar(&opts.Domain, "domain", "", "Filter by normalized domain")
	fs.StringVar(&opts.SortBy, "sort", "created_at", "Sort field: created_at, updated_at, status")
	fs.StringVar(&opts.SortOrder, "order", "desc", "Sort order: asc, desc")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum rows to return")
	fs.IntVar(&opts.Offset, "offset", 0, "Rows to skip")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, nil, err
	}

	listOpts := &model.JobListOptions{
		SortBy:    opts.SortBy,
		SortOrder: opts.SortOrder,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	}
	if opts.Status != "" {
		var status model.JobStatus
		if err := status.UnmarshalText([]byte(opts.Status)); err != nil {
			return listJobsOptions{}, nil, fmt.Errorf("invalid --status: %w", err)
		}
		listOpts.Status = &status
	}
	if domain := strings.TrimSpace(opts.Domain); domain != "" {
		listOpts.Domain = &domain
	}

	return opts, listOpts, nil
}

func printJobTable(page *model.JobList, opts listJobsOptions) error {
	if len(page.Jobs) == 0 {
		if err := writeln(os.Stdout, "No jobs matched."); err != nil {
			return fmt.Errorf("print empty job list notice: %w", err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "ID\tDomain\tStatus\tURLs\tCreated\tUpdated"); err != nil {
		return fmt.Errorf("write job list header: %w", err)
	}
	for _, job := range page.Jobs {
		if err := writef(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID,
			job.Domain,
			job.Status,
			len(job.URLs),
			job.CreatedAt.Format(time.RFC3339),
			job.UpdatedAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("write job list row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush job list: %w", err)
	}

	if err := writef(os.Stdout, "Total matching rows: %d\n", page.Total); err != nil {
		return fmt.Errorf("write job list total: %w", err)
	}
	if opts.Limit > 0 && len(page.Jobs) == opts.Limit && opts.Offset+opts.Limit < page.Total {
		if err := writef(os.Stdout, "More rows available; re-run with --offset %d\n", opts.Offset+opts.Limit); err != nil {
			return fmt.Errorf("write job list paging hint: %w", err)
		}
	}
	return nil
}

func runJobStats(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	stats, err := repo.Stats(ctx)
	if err != nil {
		return fmt.Errorf("job stats: %w", err)
	}

	return printJobStats(stats)
}

func printJobStats(stats *model.JobStats) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Status\tCount"); err != nil {
		return fmt.Errorf("write stats header: %w", err)
	}
	if err := writef(w, "Queued\t%d\n", stats.Queued); err != nil {
		return fmt.Errorf("write queued count: %w", err)
	}
	if err := writef(w, "Running\t%d\n", stats.Running); err != nil {
		return fmt.Errorf("write running count: %w", err)
	}
	if err := writef(w, "Completed\t%d\n", stats.Completed); err != nil {
		return fmt.Errorf("write completed count: %w", err)
	}
	if err := writef(w, "Failed\t%d\n", stats.Failed); err != nil {
		return fmt.Errorf("write failed count: %w", err)
	}
	total := stats.Queued + stats.Running + stats.Completed + stats.Failed
	if err := writef(w, "Total\t%d\n", total); err != nil {
		return fmt.Errorf("write total count: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush stats: %w", err)
	}
	return nil
}

// printJobDocument renders the job as indented JSON. A non-empty query is
// evaluated as a JMESPath expression over the decoded document and its result
// is rendered instead.
func printJobDocument(job *model.Job, query string) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job document: %w", err)
	}

	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("decode job document: %w", err)
	}

	if query != "" {
		value, err = jmespath.Search(query, value)
		if err != nil {
			return fmt.Errorf("evaluate query %q: %w", query, err)
		}
	}

	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if err := writef(os.Stdout, "%s\n", out); err != nil {
		return fmt.Errorf("print job document: %w", err)
	}
	return nil
}

func buildCoordinator(
	cmdCtx *commandContext,
	db *sql.DB,
	redisClient redis.UniversalClient,
) (*service.CoordinatorService, error) {
	dispatchSvc, err := buildDispatch(cmdCtx, redisClient)
	if err != nil {
		return nil, err
	}

	coordinator, err := service.NewCoordinatorService(service.CoordinatorServiceOptions{
		Repo:     data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}),
		Dispatch: dispatchSvc,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create coordinator service: %w", err)
	}
	return coordinator, nil
}

func buildDispatch(cmdCtx *commandContext, redisClient redis.UniversalClient) (*service.DispatchService, error) {
	dispatchSvc, err := service.NewDispatchService(service.DispatchServiceOptions{
		Queue:  redisadapter.NewQueueStore(redisClient),
		Config: cmdCtx.Config.Dispatch,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatch service: %w", err)
	}
	return dispatchSvc, nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func write(w io.Writer, args ...any) error {
	_, err := fmt.Fprint(w, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}

// Package devseed populates a development environment with demo scrape jobs.
// Every job runs through the regular admission saga so records, queues and
// logs look like real traffic.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/scrapehub/config"
	redisadapter "github.com/pricewatch/scrapehub/internal/adapters/redis"
	"github.com/pricewatch/scrapehub/internal/data"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	"github.com/pricewatch/scrapehub/internal/service"
)

// Services bundles the dependencies needed for development seeding.
type Services struct {
	coordinator *service.CoordinatorService
	jobs        *data.JobRepo
}

// Options groups what NewServices needs to build the seeding services.
type Options struct {
	DB       *sql.DB
	Redis    redis.UniversalClient
	Dispatch config.DispatchConfig
	Logger   *slog.Logger
}

// NewServices constructs all required services for seeding.
func NewServices(opts Options) (Services, error) {
	jobs := data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})

	dispatchSvc, err := service.NewDispatchService(service.DispatchServiceOptions{
		Queue:  redisadapter.NewQueueStore(opts.Redis),
		Config: opts.Dispatch,
		Logger: opts.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("create dispatch service: %w", err)
	}

	coordinator, err := service.NewCoordinatorService(service.CoordinatorServiceOptions{
		Repo:     jobs,
		Dispatch: dispatchSvc,
		Logger:   opts.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("create coordinator service: %w", err)
	}

	return Services{coordinator: coordinator, jobs: jobs}, nil
}

// Run admits every demo job whose domain has no queued record yet. Skipping
// domains that already hold a queued job keeps repeated runs from piling up
// duplicates.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	failures := 0
	for _, req := range demoJobs() {
		queued, err := hasQueuedJob(ctx, svcs.jobs, req.Domain)
		if err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to check existing jobs", "domain", req.Domain, "error", err)
			}
			failures++
			continue
		}
		if queued {
			if logger != nil {
				logger.InfoContext(ctx, "seed job already queued", "domain", req.Domain)
			}
			continue
		}

		job, err := svcs.coordinator.CreateJob(ctx, req)
		if err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to admit seed job", "domain", req.Domain, "error", err)
			}
			failures++
			continue
		}
		if logger != nil {
			logger.InfoContext(ctx, "admitted seed job",
				"job_id", job.ID,
				"domain", job.Domain,
				"url_count", len(job.URLs),
			)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func demoJobs() []model.CreateJobRequest {
	return []model.CreateJobRequest{
		{
			Domain: "shop.example.com",
			URLs: []string{
				"https://shop.example.com/products/atlas-kettle",
				"https://shop.example.com/products/copper-pan-set",
				"https://shop.example.com/sale",
			},
		},
		{
			Domain: "books.example.org",
			URLs: []string{
				"https://books.example.org/bestsellers",
				"https://books.example.org/title/9780134190440",
			},
		},
		{
			Domain: "electronics.example.net",
			URLs: []string{
				"https://electronics.example.net/laptops?sort=price",
			},
		},
	}
}

func hasQueuedJob(ctx context.Context, jobs *data.JobRepo, domain string) (bool, error) {
	status := model.JobStatusQueued
	page, err := jobs.List(ctx, &model.JobListOptions{
		Status: &status,
		Domain: &domain,
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	return page.Total > 0, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pricewatch/scrapehub/internal/devseed"
)

const defaultSeedTimeout = 2 * time.Minute

type seedJobsOptions struct {
	Timeout time.Duration
	Yes     bool
}

type seedConfirmOptions struct {
	yes    bool
	target string
}

func (s seedConfirmOptions) IsDryRun() bool { return false }
func (s seedConfirmOptions) IsYes() bool    { return s.yes }
func (s seedConfirmOptions) GetWarning() string {
	return "WARNING: this will admit demo scrape jobs on the configured database and dispatch queues."
}
func (s seedConfirmOptions) GetTarget() string { return s.target }

func runSeedJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseSeedJobsFlags(args)
	if err != nil {
		return err
	}

	target := fmt.Sprintf(
		"database %q on %s:%d",
		cmdCtx.Config.Postgres.Name,
		cmdCtx.Config.Postgres.Host,
		cmdCtx.Config.Postgres.Port,
	)
	if confirmErr := confirmAction(seedConfirmOptions{yes: opts.Yes, target: target}, "seed demo jobs"); confirmErr != nil {
		return confirmErr
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
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
		return errors.New("redis configuration is required to seed demo jobs")
	}

	svcs, err := devseed.NewServices(devseed.Options{
		DB:       db,
		Redis:    redisClient,
		Dispatch: cmdCtx.Config.Dispatch,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return err
	}

	cmdCtx.Logger.Info("seeding demo jobs")
	if seedErr := devseed.Run(ctx, svcs, cmdCtx.Logger); seedErr != nil {
		return fmt.Errorf("seed demo jobs: %w", seedErr)
	}
	cmdCtx.Logger.Info("demo job seeding completed")
	return nil
}

func parseSeedJobsFlags(args []string) (seedJobsOptions, error) {
	fs := flag.NewFlagSet("seed-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := seedJobsOptions{
		Timeout: defaultSeedTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultSeedTimeout,
		"Maximum duration to wait for seeding to complete",
	)
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return seedJobsOptions{}, err
	}

	if opts.Timeout <= 0 {
		return seedJobsOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/scrapehub/internal/data"
	"github.com/pricewatch/scrapehub/internal/service"
)

const defaultSweepTimeout = 5 * time.Minute

type sweepNowOptions struct {
	Timeout time.Duration
	Yes     bool
}

type sweepConfirmOptions struct {
	yes    bool
	target string
}

func (s sweepConfirmOptions) IsDryRun() bool { return false }
func (s sweepConfirmOptions) IsYes() bool    { return s.yes }
func (s sweepConfirmOptions) GetWarning() string {
	return "WARNING: this will fail abandoned jobs, re-submit stale dispatches, and delete old terminal jobs."
}
func (s sweepConfirmOptions) GetTarget() string { return s.target }

func runSweepNow(cmdCtx *commandContext, args []string) error {
	opts, err := parseSweepNowFlags(args)
	if err != nil {
		return err
	}

	target := fmt.Sprintf(
		"database %q on %s:%d",
		cmdCtx.Config.Postgres.Name,
		cmdCtx.Config.Postgres.Host,
		cmdCtx.Config.Postgres.Port,
	)
	if confirmErr := confirmAction(sweepConfirmOptions{yes: opts.Yes, target: target}, "run a sweep pass"); confirmErr != nil {
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
		return errors.New("redis configuration is required to run a sweep")
	}

	sweeper, err := buildSweeper(cmdCtx, db, redisClient)
	if err != nil {
		return err
	}

	cmdCtx.Logger.Info("running sweep pass")
	if sweepErr := sweeper.SweepOnce(ctx); sweepErr != nil {
		return fmt.Errorf("sweep: %w", sweepErr)
	}
	cmdCtx.Logger.Info("sweep pass completed")
	return nil
}

func parseSweepNowFlags(args []string) (sweepNowOptions, error) {
	fs := flag.NewFlagSet("sweep-now", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := sweepNowOptions{
		Timeout: defaultSweepTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultSweepTimeout,
		"Maximum duration to wait for the sweep pass to complete",
	)
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return sweepNowOptions{}, err
	}

	if opts.Timeout <= 0 {
		return sweepNowOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func buildSweeper(
	cmdCtx *commandContext,
	db *sql.DB,
	redisClient redis.UniversalClient,
) (*service.SweeperService, error) {
	dispatchSvc, err := buildDispatch(cmdCtx, redisClient)
	if err != nil {
		return nil, err
	}

	sweeper, err := service.NewSweeperService(service.SweeperServiceOptions{
		Repo:     data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}),
		Dispatch: dispatchSvc,
		Config:   cmdCtx.Config.Sweeper,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create sweeper service: %w", err)
	}
	return sweeper, nil
}

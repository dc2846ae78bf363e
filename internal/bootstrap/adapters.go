package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/pricewatch/scrapehub/config"
	"github.com/pricewatch/scrapehub/internal/adapters/oidc"
	redisadapter "github.com/pricewatch/scrapehub/internal/adapters/redis"
	"github.com/pricewatch/scrapehub/internal/adapters/relay"
	"github.com/pricewatch/scrapehub/internal/data"
	"github.com/pricewatch/scrapehub/internal/observability/statsd"
	"github.com/pricewatch/scrapehub/internal/service"
	"github.com/pricewatch/scrapehub/internal/service/failurenotifier"
)

// RelayRunnerConfig contains configuration for the queue relay.
type RelayRunnerConfig struct {
	RedisClient     redis.UniversalClient
	Logger          *slog.Logger
	Config          config.RelayConfig
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunRelay starts the queue relay service. When relay identity is configured,
// worker invocations carry client credentials bearer tokens; otherwise the
// relay calls workers anonymously.
func RunRelay(ctx context.Context, cfg RelayRunnerConfig) error {
	tokens, err := relayTokenSource(ctx, cfg.Config.Identity, cfg.Logger)
	if err != nil {
		return err
	}

	store := redisadapter.NewQueueStore(cfg.RedisClient)
	runner, err := relay.NewRunner(relay.RunnerOptions{
		Queues:          store,
		Consumer:        store,
		Config:          cfg.Config,
		Logger:          cfg.Logger,
		Tokens:          tokens,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	})
	if err != nil {
		return fmt.Errorf("create relay runner: %w", err)
	}

	return runner.Run(ctx)
}

//nolint:ireturn // oauth2.TokenSource is the contract the relay consumes.
func relayTokenSource(ctx context.Context, cfg config.IdentityConfig, logger *slog.Logger) (oauth2.TokenSource, error) {
	if !cfg.Enabled() {
		if logger != nil {
			logger.InfoContext(ctx, "relay identity not configured, workers will be called anonymously")
		}
		return nil, nil
	}

	tokens, err := oidc.NewClientCredentialsSource(ctx, oidc.TokenSourceConfig{
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("create relay token source: %w", err)
	}

	if logger != nil {
		logger.InfoContext(ctx, "relay identity configured", "issuer", cfg.Issuer, "client_id", cfg.ClientID)
	}
	return tokens, nil
}

// SweeperRunnerConfig contains configuration for the sweeper.
type SweeperRunnerConfig struct {
	DB              *sql.DB
	RedisClient     redis.UniversalClient
	Logger          *slog.Logger
	Config          config.SweeperConfig
	Dispatch        config.DispatchConfig
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunSweeper starts the sweeper service for stale job recovery and cleanup.
func RunSweeper(ctx context.Context, cfg SweeperRunnerConfig) error {
	dispatchSvc, err := service.NewDispatchService(service.DispatchServiceOptions{
		Queue:  redisadapter.NewQueueStore(cfg.RedisClient),
		Config: cfg.Dispatch,
		Logger: cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create dispatch service: %w", err)
	}

	sweeper, err := service.NewSweeperService(service.SweeperServiceOptions{
		Repo:            data.NewJobRepo(cfg.DB, data.RepoConfig{Logger: cfg.Logger}),
		Dispatch:        dispatchSvc,
		Config:          cfg.Config,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	})
	if err != nil {
		return fmt.Errorf("create sweeper service: %w", err)
	}

	return sweeper.Run(ctx)
}

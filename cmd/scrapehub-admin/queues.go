package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	redisadapter "github.com/pricewatch/scrapehub/internal/adapters/redis"
	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
)

type queueRow struct {
	Name    string
	Meta    *dispatch.QueueMeta
	Depth   int64
	Pending int64
}

func runListQueues(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	_, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	if redisClient == nil {
		if writeErr := writeln(os.Stderr, "Redis client is not available"); writeErr != nil {
			return fmt.Errorf("print redis availability: %w", writeErr)
		}
		return nil
	}
	defer func() {
		if closeErr := redisClient.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()

	store := redisadapter.NewQueueStore(redisClient)
	names, err := store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	if len(names) == 0 {
		if writeErr := writeln(os.Stdout, "No queues provisioned"); writeErr != nil {
			return fmt.Errorf("print empty queues notice: %w", writeErr)
		}
		return nil
	}

	rows := make([]queueRow, 0, len(names))
	for _, name := range names {
		rows = append(rows, collectQueueRow(ctx, cmdCtx.Logger, store, name))
	}

	return renderQueueTable(rows)
}

func collectQueueRow(
	ctx context.Context,
	logger *slog.Logger,
	store *redisadapter.QueueStore,
	name string,
) queueRow {
	row := queueRow{Name: name}

	meta, err := store.GetQueue(ctx, name)
	if err != nil {
		logger.Warn("failed to fetch queue metadata", "queue", name, "error", err)
	} else {
		row.Meta = meta
	}

	depth, err := store.Depth(ctx, name)
	if err != nil {
		logger.Warn("failed to fetch queue depth", "queue", name, "error", err)
	} else {
		row.Depth = depth
	}

	pending, err := store.PendingCount(ctx, name)
	switch {
	case err == nil:
		row.Pending = pending
	case errors.Is(err, dispatch.ErrQueueNotFound):
		// Stream missing despite a registry entry; depth already reads zero.
	default:
		logger.Warn("failed to fetch queue pending count", "queue", name, "error", err)
	}

	return row
}

func renderQueueTable(rows []queueRow) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "NAME\tDEPTH\tPENDING\tMAX ATTEMPTS\tMIN BACKOFF\tMAX BACKOFF\tCREATED"); err != nil {
		return fmt.Errorf("write queue header row: %w", err)
	}

	for _, row := range rows {
		maxAttempts, minBackoff, maxBackoff, created := "-", "-", "-", "-"
		if row.Meta != nil {
			maxAttempts = strconv.Itoa(row.Meta.Policy.MaxAttempts)
			minBackoff = row.Meta.Policy.MinBackoff.String()
			maxBackoff = row.Meta.Policy.MaxBackoff.String()
			created = row.Meta.CreatedAt.Format(time.RFC3339)
		}
		if err := writef(
			w,
			"%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			row.Name,
			row.Depth,
			row.Pending,
			maxAttempts,
			minBackoff,
			maxBackoff,
			created,
		); err != nil {
			return fmt.Errorf("write queue row %q: %w", row.Name, err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush queue table: %w", err)
	}

	if err := writef(os.Stdout, "\nTotal queues: %d\n", len(rows)); err != nil {
		return fmt.Errorf("write queue total: %w", err)
	}
	return nil
}

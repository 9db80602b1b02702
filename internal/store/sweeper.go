package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically purges cache
// entries fetched more than retention ago. It sweeps once immediately and
// stops when ctx is done. The returned channel closes when the goroutine exits.
func StartSweeper(ctx context.Context, repo Repository, interval, retention time.Duration, logger *slog.Logger) <-chan struct{} {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		logger.Info("Cache sweeper started", "interval", interval, "retention", retention)

		Sweep(ctx, repo, retention, logger)
		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, retention, logger)
			case <-ctx.Done():
				logger.Info("Cache sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep purges entries older than retention once and returns how many went.
func Sweep(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) int64 {
	if logger == nil {
		logger = slog.Default()
	}
	deleted, err := repo.Purge(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Cache sweep cancelled", "error", err)
			return 0
		}
		logger.Error("Cache sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		logger.Info("Cache sweep removed stale entries", "count", deleted)
	}
	return deleted
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ccgw-io/ccgw/internal/config"
	"github.com/ccgw-io/ccgw/internal/storage"
)

// retentionInterval is how often expired logs are swept.
const retentionInterval = time.Hour

// RetentionWorker deletes request logs older than the configured retention
// window. One sweep runs at startup, then hourly.
type RetentionWorker struct {
	store storage.LogStore
	cfg   *config.Store
}

// NewRetentionWorker creates a retention worker.
func NewRetentionWorker(store storage.LogStore, cfg *config.Store) *RetentionWorker {
	return &RetentionWorker{store: store, cfg: cfg}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "log_retention" }

// Run sweeps on startup and then on a fixed interval until cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	days := w.cfg.Get().LogRetentionDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := w.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
			slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		slog.Info("retention sweep completed", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
}

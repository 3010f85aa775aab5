package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ccgw-io/ccgw/internal/storage"
)

// rollupInterval is how often the daily rollups are reconciled.
const rollupInterval = 15 * time.Minute

// RollupWorker periodically rebuilds the daily_metrics rows for today and
// yesterday from request_logs. The pipeline maintains them incrementally;
// this repairs drift after crashes or missed upserts.
type RollupWorker struct {
	store storage.MetricsStore
}

// NewRollupWorker creates a rollup worker.
func NewRollupWorker(store storage.MetricsStore) *RollupWorker {
	return &RollupWorker{store: store}
}

// Name returns the worker identifier.
func (w *RollupWorker) Name() string { return "daily_rollup" }

// Run reconciles on a fixed interval until cancelled.
func (w *RollupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

func (w *RollupWorker) reconcile(ctx context.Context) {
	now := time.Now().UTC()
	for _, date := range []string{
		now.Format("2006-01-02"),
		now.AddDate(0, 0, -1).Format("2006-01-02"),
	} {
		if err := w.store.RecomputeDailyMetrics(ctx, date); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "daily rollup failed",
				slog.String("date", date), slog.String("error", err.Error()))
		}
	}
}

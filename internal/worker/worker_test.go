package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/config"
	"github.com/ccgw-io/ccgw/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type stubWorker struct {
	name    string
	started chan struct{}
	err     error
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) Run(ctx context.Context) error {
	close(w.started)
	if w.err != nil {
		return w.err
	}
	<-ctx.Done()
	return nil
}

func TestRunnerStopsOnCancel(t *testing.T) {
	t.Parallel()
	a := &stubWorker{name: "a", started: make(chan struct{})}
	b := &stubWorker{name: "b", started: make(chan struct{})}
	r := NewRunner(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-a.started
	<-b.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerPropagatesFirstError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	failing := &stubWorker{name: "failing", started: make(chan struct{}), err: boom}
	// The healthy worker blocks on ctx; the failure must cancel it.
	healthy := &stubWorker{name: "healthy", started: make(chan struct{})}
	r := NewRunner(healthy, failing)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run = %v, want the worker error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not propagate the failure")
	}
}

func TestRetentionSweep(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfgStore, err := config.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := cfgStore.Get().Clone()
	cfg.LogRetentionDays = 7
	if err := cfgStore.Update(cfg); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	logs := []*gateway.RequestLog{
		{ID: "expired", Timestamp: now.AddDate(0, 0, -10), Endpoint: "anthropic", Provider: "p", Model: "m", StatusCode: 200},
		{ID: "kept", Timestamp: now.AddDate(0, 0, -3), Endpoint: "anthropic", Provider: "p", Model: "m", StatusCode: 200},
	}
	for _, l := range logs {
		if err := store.InsertLog(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	w := NewRetentionWorker(store, cfgStore)
	w.sweep(ctx)

	if _, err := store.GetLog(ctx, "expired"); !errors.Is(err, gateway.ErrNotFound) {
		t.Error("expired row should be swept")
	}
	if _, err := store.GetLog(ctx, "kept"); err != nil {
		t.Errorf("in-window row should survive: %v", err)
	}
}

func TestRetentionSweepKeepsInWindowRows(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfgStore, err := config.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	// Template default is 30 days; a 5-day-old row stays.
	old := &gateway.RequestLog{ID: "r1", Timestamp: time.Now().UTC().AddDate(0, 0, -5),
		Endpoint: "anthropic", Provider: "p", Model: "m", StatusCode: 200}
	if err := store.InsertLog(ctx, old); err != nil {
		t.Fatal(err)
	}

	NewRetentionWorker(store, cfgStore).sweep(ctx)
	if _, err := store.GetLog(ctx, "r1"); err != nil {
		t.Errorf("row inside the window was swept: %v", err)
	}
}

func TestRollupReconcile(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	for _, id := range []string{"r1", "r2"} {
		err := store.InsertLog(ctx, &gateway.RequestLog{
			ID: id, Timestamp: now, Endpoint: "anthropic", Provider: "p", Model: "m",
			StatusCode: 200, InputTokens: 50, OutputTokens: 10, LatencyMs: 300,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// No incremental upserts ran at all; reconcile must build the row.
	NewRollupWorker(store).reconcile(ctx)

	rows, err := store.ListDailyMetrics(ctx, today, today)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rollup rows = %d, want 1", len(rows))
	}
	m := rows[0]
	if m.RequestCount != 2 || m.TotalInputTokens != 100 || m.TotalOutputTokens != 20 || m.TotalLatencyMs != 600 {
		t.Errorf("reconciled rollup = %+v", m)
	}
}

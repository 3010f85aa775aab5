package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// newTestStore opens a file-backed store in a temp dir. A file DB avoids
// shared :memory: races between parallel tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(id string) *gateway.APIKey {
	return &gateway.APIKey{
		ID:        id,
		Name:      "key " + id,
		KeyHash:   gateway.HashKey("raw-" + id),
		KeyPrefix: "sk-ccgw-abcd",
		KeySuffix: "wxyz",
		Enabled:   true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestKeyCRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("k1")
	k.Description = "ci runner"
	k.KeyCiphertext = "v1:sealed"
	k.AllowedEndpoints = []string{"anthropic"}
	if err := s.CreateKey(ctx, k); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetKeyByID(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != k.Name || got.Description != "ci runner" {
		t.Errorf("got %+v", got)
	}
	if got.KeyHash != k.KeyHash || got.KeyCiphertext != "v1:sealed" {
		t.Error("secret columns did not round trip")
	}
	if len(got.AllowedEndpoints) != 1 || got.AllowedEndpoints[0] != "anthropic" {
		t.Errorf("allowed endpoints = %v", got.AllowedEndpoints)
	}
	if !got.Enabled || got.IsWildcard {
		t.Errorf("flags = enabled:%v wildcard:%v", got.Enabled, got.IsWildcard)
	}

	byHash, err := s.GetKeyByHash(ctx, k.KeyHash)
	if err != nil || byHash.ID != "k1" {
		t.Errorf("GetKeyByHash = (%v, %v)", byHash, err)
	}

	got.Name = "renamed"
	got.Enabled = false
	got.AllowedEndpoints = nil
	if err := s.UpdateKey(ctx, got); err != nil {
		t.Fatal(err)
	}
	after, _ := s.GetKeyByID(ctx, "k1")
	if after.Name != "renamed" || after.Enabled {
		t.Errorf("update not applied: %+v", after)
	}
	if after.AllowedEndpoints != nil {
		t.Errorf("endpoints should be cleared, got %v", after.AllowedEndpoints)
	}

	if err := s.DeleteKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetKeyByID(ctx, "k1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("after delete: %v, want ErrNotFound", err)
	}
	if err := s.DeleteKey(ctx, "k1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("double delete: %v, want ErrNotFound", err)
	}
}

func TestSecondWildcardKeyConflicts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	w := testKey("w1")
	w.IsWildcard = true
	w.KeyHash = ""
	if err := s.CreateKey(ctx, w); err != nil {
		t.Fatal(err)
	}

	w2 := testKey("w2")
	w2.IsWildcard = true
	w2.KeyHash = ""
	if err := s.CreateKey(ctx, w2); !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("second wildcard: %v, want ErrConflict", err)
	}

	got, err := s.GetWildcardKey(ctx)
	if err != nil || got.ID != "w1" {
		t.Errorf("GetWildcardKey = (%v, %v)", got, err)
	}

	// Non-wildcard rows are not limited.
	if err := s.CreateKey(ctx, testKey("k1")); err != nil {
		t.Errorf("regular key after wildcard: %v", err)
	}
}

func TestGetWildcardKeyMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if _, err := s.GetWildcardKey(context.Background()); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRecordKeyUsage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateKey(ctx, testKey("k1")); err != nil {
		t.Fatal(err)
	}
	used := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.RecordKeyUsage(ctx, "k1", 100, 20, used); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordKeyUsage(ctx, "k1", 50, 5, used.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	k, err := s.GetKeyByID(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if k.RequestCount != 2 || k.TotalInputTokens != 150 || k.TotalOutputTokens != 25 {
		t.Errorf("counters = %d/%d/%d", k.RequestCount, k.TotalInputTokens, k.TotalOutputTokens)
	}
	if k.LastUsedAt == nil || !k.LastUsedAt.Equal(used.Add(time.Hour)) {
		t.Errorf("lastUsedAt = %v", k.LastUsedAt)
	}

	if err := s.RecordKeyUsage(ctx, "missing", 1, 1, used); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("usage on missing key: %v, want ErrNotFound", err)
	}
}

func TestAuditInsertAndList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	events := []*gateway.AuditEvent{
		{APIKeyID: "k1", APIKeyName: "alpha", Operation: gateway.AuditCreate, Operator: "admin", IPAddress: "10.0.0.1", CreatedAt: base},
		{APIKeyID: "k1", APIKeyName: "alpha", Operation: gateway.AuditDisable, Operator: "admin", CreatedAt: base.Add(time.Minute)},
		{Operation: gateway.AuditAuthFailure, Details: []byte(`{"keyHash":"deadbeefdeadbeef"}`), IPAddress: "10.0.0.2", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		if err := s.InsertAudit(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if ev.ID == 0 {
			t.Error("insert should backfill the row id")
		}
	}

	all, err := s.ListAudit(ctx, "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Most recent first.
	if all[0].Operation != gateway.AuditAuthFailure {
		t.Errorf("first = %q", all[0].Operation)
	}
	if string(all[0].Details) != `{"keyHash":"deadbeefdeadbeef"}` {
		t.Errorf("details = %s", all[0].Details)
	}

	k1Only, err := s.ListAudit(ctx, "k1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(k1Only) != 2 {
		t.Errorf("filtered len = %d, want 2", len(k1Only))
	}

	page, err := s.ListAudit(ctx, "", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Operation != gateway.AuditDisable {
		t.Errorf("page = %+v", page)
	}
}

func testLog(id string, ts time.Time) *gateway.RequestLog {
	return &gateway.RequestLog{
		ID:           id,
		Timestamp:    ts,
		Endpoint:     "anthropic",
		Provider:     "kimi",
		Model:        "kimi-k2",
		ClientModel:  "claude-sonnet-4",
		Stream:       true,
		LatencyMs:    1200,
		StatusCode:   200,
		InputTokens:  100,
		OutputTokens: 40,
	}
}

func TestLogInsertGetAndFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	ttft := int64(230)
	tpot := 12.5

	l1 := testLog("r1", base)
	l1.TTFTMs = &ttft
	l1.TPOTMs = &tpot
	l1.SessionID = "sess-1"
	l1.APIKeyID = "k1"
	l1.APIKeyName = "alpha"
	l1.APIKeyMasked = "sk-ccgw-abcd...wxyz"

	l2 := testLog("r2", base.Add(time.Hour))
	l2.Provider = "deepseek"
	l2.Model = "deepseek-chat"
	l2.StatusCode = 502
	l2.Error = "upstream status 502"
	l2.APIKeyID = "k2"

	l3 := testLog("r3", base.Add(2*time.Hour))
	l3.Endpoint = "openai"
	l3.APIKeyID = "k1"

	for _, l := range []*gateway.RequestLog{l1, l2, l3} {
		if err := s.InsertLog(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetLog(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TTFTMs == nil || *got.TTFTMs != 230 {
		t.Errorf("ttft = %v", got.TTFTMs)
	}
	if got.TPOTMs == nil || *got.TPOTMs != 12.5 {
		t.Errorf("tpot = %v", got.TPOTMs)
	}
	if !got.Stream || got.SessionID != "sess-1" || got.APIKeyMasked != "sk-ccgw-abcd...wxyz" {
		t.Errorf("row = %+v", got)
	}
	if !got.Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, base)
	}

	cases := []struct {
		name   string
		filter gateway.LogFilter
		ids    []string
	}{
		{"all newest first", gateway.LogFilter{}, []string{"r3", "r2", "r1"}},
		{"by provider", gateway.LogFilter{Provider: "deepseek"}, []string{"r2"}},
		{"by endpoint", gateway.LogFilter{Endpoint: "openai"}, []string{"r3"}},
		{"by status", gateway.LogFilter{StatusCode: 502}, []string{"r2"}},
		{"by key ids", gateway.LogFilter{APIKeyIDs: []string{"k1"}}, []string{"r3", "r1"}},
		{"by time window", gateway.LogFilter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)}, []string{"r2"}},
		{"paged", gateway.LogFilter{Offset: 1, Limit: 1}, []string{"r2"}},
	}
	for _, tc := range cases {
		logs, total, err := s.ListLogs(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if tc.name == "paged" {
			if total != 3 {
				t.Errorf("%s: total = %d, want 3 (count ignores paging)", tc.name, total)
			}
		} else if int(total) != len(tc.ids) {
			t.Errorf("%s: total = %d, want %d", tc.name, total, len(tc.ids))
		}
		if len(logs) != len(tc.ids) {
			t.Fatalf("%s: len = %d, want %d", tc.name, len(logs), len(tc.ids))
		}
		for i, want := range tc.ids {
			if logs[i].ID != want {
				t.Errorf("%s: [%d] = %q, want %q", tc.name, i, logs[i].ID, want)
			}
		}
	}

	if _, err := s.GetLog(ctx, "missing"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing log: %v, want ErrNotFound", err)
	}
}

func TestPayloadUpsertFillsMissingHalf(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPayload(ctx, "r1", `{"messages":[]}`, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPayload(ctx, "r1", "", "final answer"); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetPayload(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Prompt != `{"messages":[]}` {
		t.Errorf("prompt = %q, late response write clobbered it", p.Prompt)
	}
	if p.Response != "final answer" {
		t.Errorf("response = %q", p.Response)
	}

	if _, err := s.GetPayload(ctx, "missing"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing payload: %v, want ErrNotFound", err)
	}
}

func TestDeleteLogsBefore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := testLog("old", base.AddDate(0, 0, -40))
	fresh := testLog("fresh", base)
	for _, l := range []*gateway.RequestLog{old, fresh} {
		if err := s.InsertLog(ctx, l); err != nil {
			t.Fatal(err)
		}
		if err := s.UpsertPayload(ctx, l.ID, "prompt", "response"); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.DeleteLogsBefore(ctx, base.AddDate(0, 0, -30))
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetLog(ctx, "old"); !errors.Is(err, gateway.ErrNotFound) {
		t.Error("old row should be gone")
	}
	if _, err := s.GetPayload(ctx, "old"); !errors.Is(err, gateway.ErrNotFound) {
		t.Error("old payload should be swept with the row")
	}
	if _, err := s.GetLog(ctx, "fresh"); err != nil {
		t.Errorf("fresh row should survive: %v", err)
	}
}

func TestClearLogs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertLog(ctx, testLog("r1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPayload(ctx, "r1", "p", "r"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearLogs(ctx); err != nil {
		t.Fatal(err)
	}
	_, total, err := s.ListLogs(ctx, gateway.LogFilter{})
	if err != nil || total != 0 {
		t.Errorf("after clear: total=%d err=%v", total, err)
	}
}

func TestDailyMetricAccumulates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	add := func(inTok, outTok, lat int64) {
		t.Helper()
		err := s.AddDailyMetric(ctx, &gateway.DailyMetric{
			Date: "2026-07-01", Endpoint: "anthropic", RequestCount: 1,
			TotalInputTokens: inTok, TotalOutputTokens: outTok, TotalLatencyMs: lat,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add(100, 10, 500)
	add(200, 20, 700)

	rows, err := s.ListDailyMetrics(ctx, "2026-07-01", "2026-07-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 upserted row", len(rows))
	}
	m := rows[0]
	if m.RequestCount != 2 || m.TotalInputTokens != 300 || m.TotalOutputTokens != 30 || m.TotalLatencyMs != 1200 {
		t.Errorf("rollup = %+v", m)
	}
}

func TestRecomputeDailyMetricsRepairsDrift(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	for _, id := range []string{"r1", "r2"} {
		if err := s.InsertLog(ctx, testLog(id, ts)); err != nil {
			t.Fatal(err)
		}
	}
	// Drifted rollup: only one of the two requests was counted.
	if err := s.AddDailyMetric(ctx, &gateway.DailyMetric{
		Date: "2026-07-02", Endpoint: "anthropic", RequestCount: 1,
		TotalInputTokens: 100, TotalOutputTokens: 40, TotalLatencyMs: 1200,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RecomputeDailyMetrics(ctx, "2026-07-02"); err != nil {
		t.Fatal(err)
	}
	rows, err := s.ListDailyMetrics(ctx, "2026-07-02", "2026-07-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	m := rows[0]
	if m.RequestCount != 2 || m.TotalInputTokens != 200 || m.TotalOutputTokens != 80 || m.TotalLatencyMs != 2400 {
		t.Errorf("recomputed = %+v, want totals from the log table", m)
	}
}

func TestOverviewAndModelAndKeyStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC)
	ok := testLog("r1", base)
	ok.APIKeyID = "k1"
	ok.APIKeyName = "alpha"
	bad := testLog("r2", base.Add(time.Minute))
	bad.StatusCode = 502
	bad.Provider = "deepseek"
	bad.Model = "deepseek-chat"
	bad.LatencyMs = 800
	noKey := testLog("r3", base.Add(2 * time.Minute))
	noKey.APIKeyID = ""
	for _, l := range []*gateway.RequestLog{ok, bad, noKey} {
		if err := s.InsertLog(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	o, err := s.Overview(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if o.TotalRequests != 3 || o.SuccessRequests != 2 || o.ErrorRequests != 1 {
		t.Errorf("overview counts = %+v", o)
	}
	if o.TotalInputTokens != 300 || o.TotalOutputTokens != 120 {
		t.Errorf("overview tokens = %+v", o)
	}
	wantAvg := float64(1200+800+1200) / 3
	if o.AvgLatencyMs != wantAvg {
		t.Errorf("avg latency = %v, want %v", o.AvgLatencyMs, wantAvg)
	}

	models, err := s.ModelStats(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("model rows = %d, want 2", len(models))
	}
	if models[0].Model != "kimi-k2" || models[0].RequestCount != 2 {
		t.Errorf("top model = %+v", models[0])
	}

	keys, err := s.KeyStats(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	// Only r1 carries a key snapshot.
	if len(keys) != 1 {
		t.Fatalf("key rows = %d, want 1", len(keys))
	}
	if keys[0].APIKeyID != "k1" || keys[0].APIKeyName != "alpha" || keys[0].RequestCount != 1 {
		t.Errorf("key stat = %+v", keys[0])
	}
	if keys[0].LastUsedAt == nil || !keys[0].LastUsedAt.Equal(base) {
		t.Errorf("lastUsedAt = %v", keys[0].LastUsedAt)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

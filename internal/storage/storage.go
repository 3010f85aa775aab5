// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// APIKeyStore manages API key persistence. At most one wildcard row may
// exist; CreateKey enforces this with a conflict error.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByID(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	GetWildcardKey(ctx context.Context) (*gateway.APIKey, error)
	ListKeys(ctx context.Context) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	// RecordKeyUsage adds one request's token counts to the key's lifetime
	// totals and advances lastUsedAt.
	RecordKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64, usedAt time.Time) error
}

// AuditStore records API key lifecycle events and auth failures.
type AuditStore interface {
	InsertAudit(ctx context.Context, ev *gateway.AuditEvent) error
	ListAudit(ctx context.Context, apiKeyID string, offset, limit int) ([]*gateway.AuditEvent, error)
}

// LogStore manages request logs and their compressed payloads.
type LogStore interface {
	InsertLog(ctx context.Context, log *gateway.RequestLog) error
	GetLog(ctx context.Context, id string) (*gateway.RequestLog, error)
	ListLogs(ctx context.Context, filter gateway.LogFilter) ([]*gateway.RequestLog, int64, error)
	// UpsertPayload stores prompt/response text for a request. Either field
	// may be empty; a second call fills in the missing half.
	UpsertPayload(ctx context.Context, requestID, prompt, response string) error
	GetPayload(ctx context.Context, requestID string) (*gateway.RequestPayload, error)
	// DeleteLogsBefore removes logs (and payloads) older than cutoff and
	// returns the number of log rows deleted.
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ClearLogs(ctx context.Context) error
}

// MetricsStore manages the daily usage rollups and aggregate queries.
type MetricsStore interface {
	// AddDailyMetric accumulates one request into the (date, endpoint) row.
	AddDailyMetric(ctx context.Context, m *gateway.DailyMetric) error
	// RecomputeDailyMetrics rebuilds the rollup rows for one UTC date from
	// request_logs, repairing any drift from missed upserts.
	RecomputeDailyMetrics(ctx context.Context, date string) error
	ListDailyMetrics(ctx context.Context, from, to string) ([]*gateway.DailyMetric, error)
	Overview(ctx context.Context, from, to time.Time) (*gateway.StatsOverview, error)
	ModelStats(ctx context.Context, from, to time.Time) ([]*gateway.ModelStat, error)
	KeyStats(ctx context.Context, from, to time.Time) ([]*gateway.KeyStat, error)
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	AuditStore
	LogStore
	MetricsStore
	Close() error
}

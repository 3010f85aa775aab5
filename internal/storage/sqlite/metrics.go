package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// AddDailyMetric accumulates one request into its (date, endpoint) rollup.
func (s *Store) AddDailyMetric(ctx context.Context, m *gateway.DailyMetric) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO daily_metrics (date, endpoint, request_count,
		 total_input_tokens, total_output_tokens, total_latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (date, endpoint) DO UPDATE SET
		 request_count = request_count + excluded.request_count,
		 total_input_tokens = total_input_tokens + excluded.total_input_tokens,
		 total_output_tokens = total_output_tokens + excluded.total_output_tokens,
		 total_latency_ms = total_latency_ms + excluded.total_latency_ms`,
		m.Date, m.Endpoint, m.RequestCount,
		m.TotalInputTokens, m.TotalOutputTokens, m.TotalLatencyMs,
	)
	return err
}

// RecomputeDailyMetrics rebuilds one date's rollups straight from the log
// table, replacing whatever the incremental upserts accumulated.
func (s *Store) RecomputeDailyMetrics(ctx context.Context, date string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO daily_metrics
		 (date, endpoint, request_count, total_input_tokens, total_output_tokens, total_latency_ms)
		 SELECT ?, endpoint, COUNT(*),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		 COALESCE(SUM(latency_ms), 0)
		 FROM request_logs
		 WHERE substr(timestamp, 1, 10) = ?
		 GROUP BY endpoint`,
		date, date,
	)
	return err
}

// ListDailyMetrics returns rollup rows in [from, to], dates as "2006-01-02".
func (s *Store) ListDailyMetrics(ctx context.Context, from, to string) ([]*gateway.DailyMetric, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT date, endpoint, request_count, total_input_tokens,
		 total_output_tokens, total_latency_ms
		 FROM daily_metrics WHERE date >= ? AND date <= ?
		 ORDER BY date ASC, endpoint ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*gateway.DailyMetric
	for rows.Next() {
		var m gateway.DailyMetric
		if err := rows.Scan(&m.Date, &m.Endpoint, &m.RequestCount,
			&m.TotalInputTokens, &m.TotalOutputTokens, &m.TotalLatencyMs); err != nil {
			return nil, err
		}
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

// Overview aggregates request logs over [from, to].
func (s *Store) Overview(ctx context.Context, from, to time.Time) (*gateway.StatsOverview, error) {
	var o gateway.StatsOverview
	var avg sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(input_tokens), 0),
		 COALESCE(SUM(output_tokens), 0),
		 AVG(latency_ms)
		 FROM request_logs WHERE timestamp >= ? AND timestamp <= ?`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano),
	).Scan(&o.TotalRequests, &o.SuccessRequests, &o.ErrorRequests,
		&o.TotalInputTokens, &o.TotalOutputTokens, &avg)
	if err != nil {
		return nil, err
	}
	o.AvgLatencyMs = avg.Float64
	return &o, nil
}

// ModelStats aggregates logs per (provider, model) over [from, to].
func (s *Store) ModelStats(ctx context.Context, from, to time.Time) ([]*gateway.ModelStat, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, COUNT(*),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		 COALESCE(AVG(latency_ms), 0)
		 FROM request_logs WHERE timestamp >= ? AND timestamp <= ?
		 GROUP BY provider, model ORDER BY COUNT(*) DESC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*gateway.ModelStat
	for rows.Next() {
		var m gateway.ModelStat
		if err := rows.Scan(&m.Provider, &m.Model, &m.RequestCount,
			&m.TotalInputTokens, &m.TotalOutputTokens, &m.AvgLatencyMs); err != nil {
			return nil, err
		}
		stats = append(stats, &m)
	}
	return stats, rows.Err()
}

// KeyStats aggregates logs per API key over [from, to]. Rows without a key
// snapshot are skipped.
func (s *Store) KeyStats(ctx context.Context, from, to time.Time) ([]*gateway.KeyStat, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT api_key_id, COALESCE(api_key_name, ''), COUNT(*),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		 MAX(timestamp)
		 FROM request_logs
		 WHERE timestamp >= ? AND timestamp <= ? AND api_key_id IS NOT NULL
		 GROUP BY api_key_id ORDER BY COUNT(*) DESC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*gateway.KeyStat
	for rows.Next() {
		var k gateway.KeyStat
		var last sql.NullString
		if err := rows.Scan(&k.APIKeyID, &k.APIKeyName, &k.RequestCount,
			&k.TotalInputTokens, &k.TotalOutputTokens, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			if t, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
				k.LastUsedAt = &t
			}
		}
		stats = append(stats, &k)
	}
	return stats, rows.Err()
}

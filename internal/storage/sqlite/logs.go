package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/codec"
)

// InsertLog writes the finalized record for one request.
func (s *Store) InsertLog(ctx context.Context, log *gateway.RequestLog) error {
	var ttft sql.NullInt64
	if log.TTFTMs != nil {
		ttft = sql.NullInt64{Int64: *log.TTFTMs, Valid: true}
	}
	var tpot sql.NullFloat64
	if log.TPOTMs != nil {
		tpot = sql.NullFloat64{Float64: *log.TPOTMs, Valid: true}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs (id, timestamp, session_id, endpoint, provider,
		 model, client_model, stream, latency_ms, ttft_ms, tpot_ms, status_code,
		 input_tokens, output_tokens, cached_tokens, error,
		 api_key_id, api_key_name, api_key_value_masked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Timestamp.UTC().Format(time.RFC3339Nano), nullStr(log.SessionID),
		log.Endpoint, log.Provider, log.Model, nullStr(log.ClientModel),
		boolToInt(log.Stream), log.LatencyMs, ttft, tpot, log.StatusCode,
		log.InputTokens, log.OutputTokens, log.CachedTokens, nullStr(log.Error),
		nullStr(log.APIKeyID), nullStr(log.APIKeyName), nullStr(log.APIKeyMasked),
	)
	return err
}

const logColumns = `id, timestamp, session_id, endpoint, provider, model,
 client_model, stream, latency_ms, ttft_ms, tpot_ms, status_code,
 input_tokens, output_tokens, cached_tokens, error,
 api_key_id, api_key_name, api_key_value_masked`

// GetLog returns one request log row.
func (s *Store) GetLog(ctx context.Context, id string) (*gateway.RequestLog, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM request_logs WHERE id = ?`, id)
	return scanLog(row)
}

// ListLogs returns a filtered page of logs plus the total matching count.
func (s *Store) ListLogs(ctx context.Context, filter gateway.LogFilter) ([]*gateway.RequestLog, int64, error) {
	where, args := buildLogFilter(filter)

	var total int64
	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + logColumns + ` FROM request_logs` + where +
		` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	rows, err := s.read.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*gateway.RequestLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func buildLogFilter(f gateway.LogFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if f.Endpoint != "" {
		conds = append(conds, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.StatusCode != 0 {
		conds = append(conds, "status_code = ?")
		args = append(args, f.StatusCode)
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	if len(f.APIKeyIDs) > 0 {
		ph := strings.Repeat("?,", len(f.APIKeyIDs))
		conds = append(conds, fmt.Sprintf("api_key_id IN (%s)", ph[:len(ph)-1]))
		for _, id := range f.APIKeyIDs {
			args = append(args, id)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanLog(sc scanner) (*gateway.RequestLog, error) {
	var l gateway.RequestLog
	var timestamp string
	var sessionID, clientModel, errMsg, keyID, keyName, keyMasked sql.NullString
	var stream int
	var ttft sql.NullInt64
	var tpot sql.NullFloat64

	err := sc.Scan(
		&l.ID, &timestamp, &sessionID, &l.Endpoint, &l.Provider, &l.Model,
		&clientModel, &stream, &l.LatencyMs, &ttft, &tpot, &l.StatusCode,
		&l.InputTokens, &l.OutputTokens, &l.CachedTokens, &errMsg,
		&keyID, &keyName, &keyMasked,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		l.Timestamp = t
	}
	l.SessionID = sessionID.String
	l.ClientModel = clientModel.String
	l.Stream = stream != 0
	if ttft.Valid {
		l.TTFTMs = &ttft.Int64
	}
	if tpot.Valid {
		l.TPOTMs = &tpot.Float64
	}
	l.Error = errMsg.String
	l.APIKeyID = keyID.String
	l.APIKeyName = keyName.String
	l.APIKeyMasked = keyMasked.String
	return &l, nil
}

// UpsertPayload stores Brotli-compressed prompt/response blobs for one
// request. Empty fields leave the existing column untouched so a late
// response write does not clobber the prompt.
func (s *Store) UpsertPayload(ctx context.Context, requestID, prompt, response string) error {
	var promptBlob, responseBlob []byte
	if prompt != "" {
		promptBlob = codec.Compress(prompt)
	}
	if response != "" {
		responseBlob = codec.Compress(response)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_payloads (request_id, prompt, response)
		 VALUES (?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET
		 prompt = COALESCE(excluded.prompt, prompt),
		 response = COALESCE(excluded.response, response)`,
		requestID, promptBlob, responseBlob,
	)
	return err
}

// GetPayload returns the decompressed prompt/response for one request.
func (s *Store) GetPayload(ctx context.Context, requestID string) (*gateway.RequestPayload, error) {
	var promptBlob, responseBlob []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT prompt, response FROM request_payloads WHERE request_id = ?`,
		requestID).Scan(&promptBlob, &responseBlob)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p := &gateway.RequestPayload{RequestID: requestID}
	if p.Prompt, err = codec.Decompress(promptBlob); err != nil {
		return nil, fmt.Errorf("decompress prompt: %w", err)
	}
	if p.Response, err = codec.Decompress(responseBlob); err != nil {
		return nil, fmt.Errorf("decompress response: %w", err)
	}
	return p, nil
}

// DeleteLogsBefore removes logs and their payloads older than cutoff.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	if _, err := s.write.ExecContext(ctx,
		`DELETE FROM request_payloads WHERE request_id IN
		 (SELECT id FROM request_logs WHERE timestamp < ?)`, ts); err != nil {
		return 0, err
	}
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM request_logs WHERE timestamp < ?`, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearLogs drops all request logs and payloads.
func (s *Store) ClearLogs(ctx context.Context) error {
	if _, err := s.write.ExecContext(ctx, `DELETE FROM request_payloads`); err != nil {
		return err
	}
	_, err := s.write.ExecContext(ctx, `DELETE FROM request_logs`)
	return err
}

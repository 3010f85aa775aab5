package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// InsertAudit appends one audit row.
func (s *Store) InsertAudit(ctx context.Context, ev *gateway.AuditEvent) error {
	var details sql.NullString
	if len(ev.Details) > 0 {
		details = sql.NullString{String: string(ev.Details), Valid: true}
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO api_key_audit_logs (api_key_id, api_key_name, operation,
		 operator, details, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullStr(ev.APIKeyID), nullStr(ev.APIKeyName), ev.Operation,
		nullStr(ev.Operator), details, nullStr(ev.IPAddress),
		created.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ListAudit returns audit rows most recent first. apiKeyID "" lists all.
func (s *Store) ListAudit(ctx context.Context, apiKeyID string, offset, limit int) ([]*gateway.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, api_key_id, api_key_name, operation, operator, details,
	 ip_address, created_at FROM api_key_audit_logs`
	args := []any{}
	if apiKeyID != "" {
		query += ` WHERE api_key_id = ?`
		args = append(args, apiKeyID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*gateway.AuditEvent
	for rows.Next() {
		var ev gateway.AuditEvent
		var keyID, keyName, operator, details, ip, createdAt sql.NullString
		if err := rows.Scan(&ev.ID, &keyID, &keyName, &ev.Operation,
			&operator, &details, &ip, &createdAt); err != nil {
			return nil, err
		}
		ev.APIKeyID = keyID.String
		ev.APIKeyName = keyName.String
		ev.Operator = operator.String
		ev.IPAddress = ip.String
		if details.Valid {
			ev.Details = json.RawMessage(details.String)
		}
		if t := parseTime(createdAt); t != nil {
			ev.CreatedAt = *t
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

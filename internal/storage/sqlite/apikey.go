package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// CreateKey inserts a new API key. A second wildcard row violates the
// partial unique index and surfaces as ErrConflict.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	endpoints, err := marshalJSON(key.AllowedEndpoints)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, description, key_hash, key_ciphertext,
		 key_prefix, key_suffix, is_wildcard, enabled, allowed_endpoints, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, nullStr(key.Description),
		nullStr(key.KeyHash), nullStr(key.KeyCiphertext),
		nullStr(key.KeyPrefix), nullStr(key.KeySuffix),
		boolToInt(key.IsWildcard), boolToInt(key.Enabled),
		endpoints, key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("api key: %w", gateway.ErrConflict)
	}
	return err
}

const keyColumns = `id, name, description, key_hash, key_ciphertext,
 key_prefix, key_suffix, is_wildcard, enabled, allowed_endpoints,
 request_count, total_input_tokens, total_output_tokens, last_used_at, created_at`

// GetKeyByID retrieves an API key by its ID.
func (s *Store) GetKeyByID(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// GetWildcardKey retrieves the wildcard row, if any.
func (s *Store) GetWildcardKey(ctx context.Context) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE is_wildcard = 1`)
	return scanKey(row)
}

// ListKeys returns all API keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates the mutable settings of an API key. Secret material and
// counters are not touched here.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	endpoints, err := marshalJSON(key.AllowedEndpoints)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, description=?, enabled=?, allowed_endpoints=?
		 WHERE id=?`,
		key.Name, nullStr(key.Description), boolToInt(key.Enabled), endpoints, key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// RecordKeyUsage adds one request's tokens to the lifetime counters and
// advances last_used_at.
func (s *Store) RecordKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64, usedAt time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET
		 request_count = request_count + 1,
		 total_input_tokens = total_input_tokens + ?,
		 total_output_tokens = total_output_tokens + ?,
		 last_used_at = ?
		 WHERE id=?`,
		inputTokens, outputTokens, usedAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var description, keyHash, keyCiphertext, keyPrefix, keySuffix sql.NullString
	var endpointsJSON, lastUsedAt, createdAt sql.NullString
	var isWildcard, enabled int

	err := s.Scan(
		&k.ID, &k.Name, &description, &keyHash, &keyCiphertext,
		&keyPrefix, &keySuffix, &isWildcard, &enabled, &endpointsJSON,
		&k.RequestCount, &k.TotalInputTokens, &k.TotalOutputTokens,
		&lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Description = description.String
	k.KeyHash = keyHash.String
	k.KeyCiphertext = keyCiphertext.String
	k.KeyPrefix = keyPrefix.String
	k.KeySuffix = keySuffix.String
	k.IsWildcard = isWildcard != 0
	k.Enabled = enabled != 0

	endpoints, err := unmarshalStringSlice(endpointsJSON)
	if err != nil {
		return nil, err
	}
	k.AllowedEndpoints = endpoints
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && s == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}

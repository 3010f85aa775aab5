package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/auth"
	"github.com/ccgw-io/ccgw/internal/storage"
	"github.com/ccgw-io/ccgw/internal/vault"
)

// keyRandomBytes is the entropy behind each generated key.
const keyRandomBytes = 24

// Keys implements the API key lifecycle: create, update, reveal, delete,
// with an audit row per mutation.
type Keys struct {
	store    storage.Store
	vault    *vault.Vault
	resolver *auth.Resolver
	log      *slog.Logger
}

// NewKeys returns the key lifecycle service.
func NewKeys(store storage.Store, v *vault.Vault, resolver *auth.Resolver, log *slog.Logger) *Keys {
	return &Keys{store: store, vault: v, resolver: resolver, log: log}
}

// CreateParams describes a new key. Wildcard keys carry no secret material
// and accept any inbound key value.
type CreateParams struct {
	Name             string
	Description      string
	AllowedEndpoints []string
	Wildcard         bool
	Operator         string
	IPAddress        string
}

// Create mints a key and returns the row plus the plaintext, which is shown
// exactly once and never stored outside the vault envelope. For wildcard
// keys the plaintext is empty. A second wildcard returns ErrConflict.
func (k *Keys) Create(ctx context.Context, p CreateParams) (*gateway.APIKey, string, error) {
	if p.Name == "" {
		return nil, "", fmt.Errorf("%w: name required", gateway.ErrBadRequest)
	}
	if p.Wildcard && len(p.AllowedEndpoints) > 0 {
		return nil, "", fmt.Errorf("%w: wildcard keys cannot carry endpoint restrictions", gateway.ErrBadRequest)
	}

	key := &gateway.APIKey{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Name:             p.Name,
		Description:      p.Description,
		IsWildcard:       p.Wildcard,
		Enabled:          true,
		CreatedAt:        time.Now().UTC(),
		AllowedEndpoints: p.AllowedEndpoints,
	}

	var raw string
	if !p.Wildcard {
		raw = generateKey()
		key.KeyHash = gateway.HashKey(raw)
		key.KeyCiphertext = k.vault.Encrypt(raw)
		key.KeyPrefix = raw[:len(gateway.APIKeyPrefix)+4]
		key.KeySuffix = raw[len(raw)-4:]
	}

	if err := k.store.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}

	k.recordAudit(ctx, key, gateway.AuditCreate, p.Operator, p.IPAddress, map[string]any{
		"wildcard": p.Wildcard,
	})
	return key, raw, nil
}

// UpdateParams carries optional settings changes; nil fields are untouched.
type UpdateParams struct {
	Name             *string
	Description      *string
	Enabled          *bool
	AllowedEndpoints *[]string
	Operator         string
	IPAddress        string
}

// Update applies settings changes, writing one audit row per semantic
// change. Endpoint restrictions on the wildcard key are refused.
func (k *Keys) Update(ctx context.Context, id string, p UpdateParams) (*gateway.APIKey, error) {
	key, err := k.store.GetKeyByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.AllowedEndpoints != nil && key.IsWildcard && len(*p.AllowedEndpoints) > 0 {
		return nil, fmt.Errorf("%w: wildcard keys cannot carry endpoint restrictions", gateway.ErrBadRequest)
	}

	if p.Name != nil {
		key.Name = *p.Name
	}
	if p.Description != nil {
		key.Description = *p.Description
	}
	if p.Enabled != nil && *p.Enabled != key.Enabled {
		key.Enabled = *p.Enabled
		op := gateway.AuditDisable
		if key.Enabled {
			op = gateway.AuditEnable
		}
		defer k.recordAudit(ctx, key, op, p.Operator, p.IPAddress, nil)
	}
	if p.AllowedEndpoints != nil {
		key.AllowedEndpoints = *p.AllowedEndpoints
		defer k.recordAudit(ctx, key, gateway.AuditUpdateEndpoints, p.Operator, p.IPAddress, map[string]any{
			"allowedEndpoints": *p.AllowedEndpoints,
		})
	}

	if err := k.store.UpdateKey(ctx, key); err != nil {
		return nil, err
	}
	k.resolver.InvalidateByKeyID(id)
	return key, nil
}

// Delete removes a key. The wildcard row cannot be deleted; disable it
// instead.
func (k *Keys) Delete(ctx context.Context, id, operator, ip string) error {
	key, err := k.store.GetKeyByID(ctx, id)
	if err != nil {
		return err
	}
	if key.IsWildcard {
		return fmt.Errorf("%w: wildcard key cannot be deleted", gateway.ErrBadRequest)
	}
	if err := k.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	k.resolver.InvalidateByKeyID(id)
	k.recordAudit(ctx, key, gateway.AuditDelete, operator, ip, nil)
	return nil
}

// Reveal decrypts the stored plaintext. Wildcard keys have none.
func (k *Keys) Reveal(ctx context.Context, id string) (string, error) {
	key, err := k.store.GetKeyByID(ctx, id)
	if err != nil {
		return "", err
	}
	if key.IsWildcard || key.KeyCiphertext == "" {
		return "", fmt.Errorf("%w: key has no revealable secret", gateway.ErrBadRequest)
	}
	raw, ok := k.vault.Decrypt(key.KeyCiphertext)
	if !ok {
		return "", fmt.Errorf("unseal key %s: vault decrypt failed", id)
	}
	return raw, nil
}

// Get returns one key row.
func (k *Keys) Get(ctx context.Context, id string) (*gateway.APIKey, error) {
	return k.store.GetKeyByID(ctx, id)
}

// List returns all key rows, newest first.
func (k *Keys) List(ctx context.Context) ([]*gateway.APIKey, error) {
	return k.store.ListKeys(ctx)
}

// Audit lists lifecycle events, most recent first. apiKeyID "" means all.
func (k *Keys) Audit(ctx context.Context, apiKeyID string, offset, limit int) ([]*gateway.AuditEvent, error) {
	return k.store.ListAudit(ctx, apiKeyID, offset, limit)
}

// RecordUsage folds one finished request into the key's lifetime counters.
// Latest-value semantics: re-finalization must not double count, so callers
// invoke this exactly once per request.
func (k *Keys) RecordUsage(ctx context.Context, id string, usage gateway.Usage) {
	err := k.store.RecordKeyUsage(ctx, id, int64(usage.InputTokens), int64(usage.OutputTokens), time.Now().UTC())
	if err != nil {
		k.log.LogAttrs(ctx, slog.LevelWarn, "record key usage failed",
			slog.String("keyId", id), slog.String("error", err.Error()))
	}
	k.resolver.InvalidateByKeyID(id)
}

func (k *Keys) recordAudit(ctx context.Context, key *gateway.APIKey, op, operator, ip string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	ev := &gateway.AuditEvent{
		APIKeyID:   key.ID,
		APIKeyName: key.Name,
		Operation:  op,
		Operator:   operator,
		Details:    raw,
		IPAddress:  ip,
		CreatedAt:  time.Now().UTC(),
	}
	if err := k.store.InsertAudit(ctx, ev); err != nil {
		k.log.LogAttrs(ctx, slog.LevelWarn, "audit insert failed",
			slog.String("operation", op), slog.String("error", err.Error()))
	}
}

// generateKey mints a fresh "sk-ccgw-" key from 24 random bytes.
func generateKey() string {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
}

// Package auth resolves inbound API keys for the gateway. Keys are
// validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000

	// wildcardCacheKey is the cache slot for the (at most one) wildcard row.
	wildcardCacheKey = "*"
)

// FromRequest extracts the caller's key from x-api-key or a Bearer token.
// Returns "" when neither is present.
func FromRequest(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Resolver authenticates inbound keys. A wildcard row, when present and
// enabled, accepts any key value including none; explicit keys always win
// over the wildcard.
type Resolver struct {
	store       storage.APIKeyStore
	audit       storage.AuditStore
	log         *slog.Logger
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewResolver returns a Resolver backed by store, recording auth failures
// through audit.
func NewResolver(store storage.APIKeyStore, audit storage.AuditStore, log *slog.Logger) (*Resolver, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Resolver{store: store, audit: audit, log: log, cache: c}, nil
}

// Resolve validates raw against the key table for a call to endpointID.
// ip is recorded on audit rows for failures. The returned key is the matched
// row or the wildcard; errors are the sentinel taxonomy values.
func (r *Resolver) Resolve(ctx context.Context, raw, endpointID, ip string) (*gateway.APIKey, error) {
	if raw == "" {
		// An empty key is only acceptable to an enabled wildcard; a disabled
		// wildcard reads as missing, not disabled.
		key, err := r.wildcard(ctx)
		if err != nil || !key.Enabled {
			r.recordFailure(ctx, "", ip, "missing key")
			return nil, gateway.ErrKeyMissing
		}
		return r.checkKey(ctx, key, "", endpointID, ip)
	}

	hash := gateway.HashKey(raw)
	if key, ok := r.cache.GetIfPresent(hash); ok {
		return r.checkKey(ctx, key, raw, endpointID, ip)
	}

	key, err := r.store.GetKeyByHash(ctx, hash)
	switch {
	case err == nil:
		// Constant-time recheck of the stored hash; the lookup already
		// matched but this guards against collation surprises.
		if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
			r.recordFailure(ctx, raw, ip, "hash mismatch")
			return nil, gateway.ErrKeyInvalid
		}
		r.cache.Set(hash, key)
		r.keyIDToHash.Store(key.ID, hash)
		return r.checkKey(ctx, key, raw, endpointID, ip)

	case errors.Is(err, gateway.ErrNotFound):
		// Unknown keys fall through to an enabled wildcard when one exists.
		if wk, werr := r.wildcard(ctx); werr == nil && wk.Enabled {
			return r.checkKey(ctx, wk, raw, endpointID, ip)
		}
		r.recordFailure(ctx, raw, ip, "unknown key")
		return nil, gateway.ErrKeyInvalid

	default:
		return nil, fmt.Errorf("resolve key: %w", err)
	}
}

// checkKey applies the enabled flag and the endpoint ACL.
func (r *Resolver) checkKey(ctx context.Context, key *gateway.APIKey, raw, endpointID, ip string) (*gateway.APIKey, error) {
	if !key.Enabled {
		r.recordFailure(ctx, raw, ip, "key disabled")
		return nil, gateway.ErrKeyDisabled
	}
	if !key.EndpointAllowed(endpointID) {
		r.recordFailure(ctx, raw, ip, "endpoint not allowed: "+endpointID)
		return nil, gateway.ErrKeyForbidden
	}
	return key, nil
}

func (r *Resolver) wildcard(ctx context.Context) (*gateway.APIKey, error) {
	if key, ok := r.cache.GetIfPresent(wildcardCacheKey); ok {
		return key, nil
	}
	key, err := r.store.GetWildcardKey(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(wildcardCacheKey, key)
	r.keyIDToHash.Store(key.ID, wildcardCacheKey)
	return key, nil
}

// InvalidateByKeyID drops a cached key after an admin mutation.
func (r *Resolver) InvalidateByKeyID(keyID string) {
	if hash, ok := r.keyIDToHash.LoadAndDelete(keyID); ok {
		r.cache.Invalidate(hash.(string))
	}
}

// recordFailure writes an auth_failure audit row. Only the first 16 hex
// chars of the key's SHA-256 appear in the row, never the plaintext.
func (r *Resolver) recordFailure(ctx context.Context, raw, ip, reason string) {
	details := map[string]string{"reason": reason}
	if raw != "" {
		details["keyHashPrefix"] = gateway.ShortHash(raw)
	}
	data, _ := json.Marshal(details)
	ev := &gateway.AuditEvent{
		Operation: gateway.AuditAuthFailure,
		Details:   data,
		IPAddress: ip,
		CreatedAt: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.audit.InsertAudit(ctx, ev); err != nil {
			r.log.LogAttrs(ctx, slog.LevelWarn, "audit insert failed", slog.String("error", err.Error()))
		}
	}()
}

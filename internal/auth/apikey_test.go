package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// fakeStore is an in-memory APIKeyStore + AuditStore. Audit writes happen on
// background goroutines, so everything is mutex-guarded.
type fakeStore struct {
	mu     sync.Mutex
	keys   map[string]*gateway.APIKey // by id
	audits []*gateway.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: map[string]*gateway.APIKey{}}
}

func (f *fakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key.ID] = key
	return nil
}

func (f *fakeStore) GetKeyByID(_ context.Context, id string) (*gateway.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[id]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == hash && hash != "" {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeStore) GetWildcardKey(_ context.Context) (*gateway.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.IsWildcard {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeStore) ListKeys(_ context.Context) ([]*gateway.APIKey, error) { return nil, nil }

func (f *fakeStore) UpdateKey(_ context.Context, key *gateway.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key.ID]; !ok {
		return gateway.ErrNotFound
	}
	f.keys[key.ID] = key
	return nil
}

func (f *fakeStore) DeleteKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, id)
	return nil
}

func (f *fakeStore) RecordKeyUsage(context.Context, string, int64, int64, time.Time) error {
	return nil
}

func (f *fakeStore) InsertAudit(_ context.Context, ev *gateway.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, ev)
	return nil
}

func (f *fakeStore) ListAudit(context.Context, string, int, int) ([]*gateway.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.AuditEvent(nil), f.audits...), nil
}

func (f *fakeStore) auditCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audits)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResolver(t *testing.T) (*Resolver, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	r, err := NewResolver(store, store, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return r, store
}

func addKey(t *testing.T, store *fakeStore, id, raw string, mutate func(*gateway.APIKey)) {
	t.Helper()
	k := &gateway.APIKey{
		ID:        id,
		Name:      id,
		KeyHash:   gateway.HashKey(raw),
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	if mutate != nil {
		mutate(k)
	}
	if err := store.CreateKey(context.Background(), k); err != nil {
		t.Fatal(err)
	}
}

func TestResolveKnownKey(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	addKey(t, store, "k1", "sk-ccgw-abc", nil)

	key, err := r.Resolve(context.Background(), "sk-ccgw-abc", gateway.EndpointAnthropic, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if key.ID != "k1" {
		t.Errorf("resolved %q", key.ID)
	}
}

func TestResolveEmptyKey(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)

	if _, err := r.Resolve(context.Background(), "", "anthropic", ""); !errors.Is(err, gateway.ErrKeyMissing) {
		t.Errorf("no wildcard: %v, want ErrKeyMissing", err)
	}

	addKey(t, store, "w", "", func(k *gateway.APIKey) { k.IsWildcard = true; k.KeyHash = "" })
	key, err := r.Resolve(context.Background(), "", "anthropic", "")
	if err != nil {
		t.Fatalf("enabled wildcard should accept an empty key: %v", err)
	}
	if !key.IsWildcard {
		t.Error("resolved key should be the wildcard row")
	}
}

func TestResolveEmptyKeyDisabledWildcard(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	addKey(t, store, "w", "", func(k *gateway.APIKey) {
		k.IsWildcard = true
		k.KeyHash = ""
		k.Enabled = false
	})
	// A disabled wildcard reads as missing, not disabled.
	if _, err := r.Resolve(context.Background(), "", "anthropic", ""); !errors.Is(err, gateway.ErrKeyMissing) {
		t.Errorf("got %v, want ErrKeyMissing", err)
	}
}

func TestResolveUnknownKey(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	addKey(t, store, "k1", "sk-ccgw-real", nil)

	if _, err := r.Resolve(context.Background(), "sk-ccgw-bogus", "anthropic", ""); !errors.Is(err, gateway.ErrKeyInvalid) {
		t.Errorf("got %v, want ErrKeyInvalid", err)
	}

	// With an enabled wildcard, unknown values fall through to it.
	addKey(t, store, "w", "", func(k *gateway.APIKey) { k.IsWildcard = true; k.KeyHash = "" })
	key, err := r.Resolve(context.Background(), "sk-ccgw-bogus", "anthropic", "")
	if err != nil {
		t.Fatalf("wildcard fallthrough: %v", err)
	}
	if !key.IsWildcard {
		t.Error("expected the wildcard row")
	}
}

func TestResolveDisabledKey(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	addKey(t, store, "k1", "sk-ccgw-off", func(k *gateway.APIKey) { k.Enabled = false })

	if _, err := r.Resolve(context.Background(), "sk-ccgw-off", "anthropic", ""); !errors.Is(err, gateway.ErrKeyDisabled) {
		t.Errorf("got %v, want ErrKeyDisabled", err)
	}
}

func TestResolveEndpointACL(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	addKey(t, store, "k1", "sk-ccgw-scoped", func(k *gateway.APIKey) {
		k.AllowedEndpoints = []string{"openai"}
	})

	if _, err := r.Resolve(context.Background(), "sk-ccgw-scoped", "anthropic", ""); !errors.Is(err, gateway.ErrKeyForbidden) {
		t.Errorf("got %v, want ErrKeyForbidden", err)
	}
	if _, err := r.Resolve(context.Background(), "sk-ccgw-scoped", "openai", ""); err != nil {
		t.Errorf("allowed endpoint rejected: %v", err)
	}
}

func TestInvalidateByKeyID(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	addKey(t, store, "k1", "sk-ccgw-abc", nil)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "sk-ccgw-abc", "anthropic", ""); err != nil {
		t.Fatal(err)
	}

	// Disable the row under the cache's feet.
	k, _ := store.GetKeyByID(ctx, "k1")
	k.Enabled = false
	if err := store.UpdateKey(ctx, k); err != nil {
		t.Fatal(err)
	}

	// Cached entry still answers until invalidated.
	if _, err := r.Resolve(ctx, "sk-ccgw-abc", "anthropic", ""); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}

	r.InvalidateByKeyID("k1")
	if _, err := r.Resolve(ctx, "sk-ccgw-abc", "anthropic", ""); !errors.Is(err, gateway.ErrKeyDisabled) {
		t.Errorf("after invalidation: %v, want ErrKeyDisabled", err)
	}
}

func TestAuthFailureAuditRowOmitsPlaintext(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)

	raw := "sk-ccgw-supersecret"
	if _, err := r.Resolve(context.Background(), raw, "anthropic", "10.0.0.9"); !errors.Is(err, gateway.ErrKeyInvalid) {
		t.Fatalf("got %v", err)
	}

	// The audit row is written on a background goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for store.auditCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no audit row recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rows, _ := store.ListAudit(context.Background(), "", 0, 0)
	ev := rows[0]
	if ev.Operation != gateway.AuditAuthFailure {
		t.Errorf("operation = %q", ev.Operation)
	}
	if ev.IPAddress != "10.0.0.9" {
		t.Errorf("ip = %q", ev.IPAddress)
	}
	details := string(ev.Details)
	if !strings.Contains(details, gateway.ShortHash(raw)) {
		t.Errorf("details %s missing short hash", details)
	}
	if strings.Contains(details, raw) {
		t.Error("audit row carries the key plaintext")
	}
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if got := FromRequest(r); got != "" {
		t.Errorf("no headers = %q", got)
	}

	r.Header.Set("Authorization", "Bearer tok-1")
	if got := FromRequest(r); got != "tok-1" {
		t.Errorf("bearer = %q", got)
	}

	// x-api-key wins over the Authorization header.
	r.Header.Set("x-api-key", "xk-1")
	if got := FromRequest(r); got != "xk-1" {
		t.Errorf("precedence = %q", got)
	}

	r2 := httptest.NewRequest(http.MethodPost, "/", nil)
	r2.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := FromRequest(r2); got != "" {
		t.Errorf("non-bearer auth = %q", got)
	}
}

// Package config loads, validates, and persists the gateway configuration
// document (config.json) with crash-safe atomic writes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/vault"
)

// Config is the top-level gateway configuration document.
type Config struct {
	Server                ServerConfig                        `json:"server"`
	LogRetentionDays      int                                 `json:"logRetentionDays"`
	StorePayloads         *bool                               `json:"storePayloads,omitempty"` // legacy, maps onto both split flags
	StoreRequestPayloads  *bool                               `json:"storeRequestPayloads,omitempty"`
	StoreResponsePayloads *bool                               `json:"storeResponsePayloads,omitempty"`
	EnableRoutingFallback bool                                `json:"enableRoutingFallback"`
	Providers             []gateway.Provider                  `json:"providers"`
	EndpointRouting       map[string]*gateway.EndpointRouting `json:"endpointRouting"`
	ModelRoutes           map[string]string                   `json:"modelRoutes,omitempty"` // legacy flat map
	CustomEndpoints       []gateway.CustomEndpoint            `json:"customEndpoints,omitempty"`
	WebAuth               WebAuthConfig                       `json:"webAuth"`
	Telemetry             TelemetryConfig                     `json:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	BodyLimit        int64  `json:"bodyLimit"`        // bytes, 0 = default 10 MiB
	ShutdownGraceSec int    `json:"shutdownGraceSec"` // 0 = default 30s
}

// WebAuthConfig protects the management API with a password-derived session.
type WebAuthConfig struct {
	Enabled      bool   `json:"enabled"`
	PasswordHash string `json:"passwordHash,omitempty"` // SHA-256 hex
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `json:"tracing"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled    bool    `json:"enabled"`
	Endpoint   string  `json:"endpoint,omitempty"`
	SampleRate float64 `json:"sampleRate,omitempty"`
}

// DefaultBodyLimit is the inbound body cap when the config leaves it unset.
const DefaultBodyLimit = 10 << 20

// BodyLimit returns the effective inbound body cap.
func (c *Config) BodyLimit() int64 {
	if c.Server.BodyLimit > 0 {
		return c.Server.BodyLimit
	}
	return DefaultBodyLimit
}

// StoreRequest reports whether request payloads should be persisted.
// The legacy storePayloads flag applies only when both split flags are absent.
func (c *Config) StoreRequest() bool {
	if c.StoreRequestPayloads != nil {
		return *c.StoreRequestPayloads
	}
	if c.StoreResponsePayloads == nil && c.StorePayloads != nil {
		return *c.StorePayloads
	}
	return true
}

// StoreResponse reports whether response payloads should be persisted.
func (c *Config) StoreResponse() bool {
	if c.StoreResponsePayloads != nil {
		return *c.StoreResponsePayloads
	}
	if c.StoreRequestPayloads == nil && c.StorePayloads != nil {
		return *c.StorePayloads
	}
	return true
}

// ProviderByID returns the provider with the given id, or nil.
func (c *Config) ProviderByID(id string) *gateway.Provider {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

// RoutingFor resolves the routing policy for an endpoint id. Custom
// endpoints with an embedded routing block are authoritative for their id;
// otherwise the endpointRouting map entry applies. Never returns nil.
func (c *Config) RoutingFor(endpointID string) *gateway.EndpointRouting {
	for i := range c.CustomEndpoints {
		ce := &c.CustomEndpoints[i]
		if ce.ID == endpointID && ce.Routing != nil {
			return ce.Routing
		}
	}
	if r, ok := c.EndpointRouting[endpointID]; ok && r != nil {
		return r
	}
	return &gateway.EndpointRouting{}
}

// Clone returns a deep copy of the config via a JSON round-trip.
func (c *Config) Clone() *Config {
	raw, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	out := &Config{}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Config{}
	}
	return out
}

// normalize migrates legacy fields in place: the flat modelRoutes map folds
// into the anthropic endpoint block when that block has no routes of its
// own, and the built-in endpoint entries always exist.
func (c *Config) normalize() {
	if c.EndpointRouting == nil {
		c.EndpointRouting = map[string]*gateway.EndpointRouting{}
	}
	for _, id := range []string{gateway.EndpointAnthropic, gateway.EndpointOpenAI} {
		if c.EndpointRouting[id] == nil {
			c.EndpointRouting[id] = &gateway.EndpointRouting{}
		}
	}
	if len(c.ModelRoutes) > 0 {
		anth := c.EndpointRouting[gateway.EndpointAnthropic]
		if len(anth.ModelRoutes) == 0 {
			anth.ModelRoutes = c.ModelRoutes
		}
		c.ModelRoutes = nil
	}
	if c.LogRetentionDays <= 0 {
		c.LogRetentionDays = 30
	}
}

// Validate checks structural invariants of the document.
func Validate(c *Config) error {
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("provider %d: missing id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		switch p.Type {
		case gateway.ProviderOpenAI, gateway.ProviderAnthropic, gateway.ProviderDeepSeek,
			gateway.ProviderKimi, gateway.ProviderHuawei, gateway.ProviderCustom:
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: missing baseUrl", p.ID)
		}
		if p.DefaultModel != "" && len(p.Models) > 0 && !p.HasModel(p.DefaultModel) {
			return fmt.Errorf("provider %q: defaultModel %q not in model list", p.ID, p.DefaultModel)
		}
		switch p.AuthMode {
		case "", gateway.AuthModeAPIKey, gateway.AuthModeAuthToken:
		default:
			return fmt.Errorf("provider %q: unknown authMode %q", p.ID, p.AuthMode)
		}
	}

	for id, r := range c.EndpointRouting {
		if r == nil {
			continue
		}
		if r.Defaults.LongContextThreshold < 0 {
			return fmt.Errorf("endpoint %q: negative longContextThreshold", id)
		}
	}

	for i := range c.CustomEndpoints {
		ce := &c.CustomEndpoints[i]
		if ce.ID == "" {
			return fmt.Errorf("custom endpoint %d: missing id", i)
		}
		if len(ce.Paths) == 0 {
			return fmt.Errorf("custom endpoint %q: no paths", ce.ID)
		}
		for _, p := range ce.Paths {
			if p.Path == "" || !strings.HasPrefix(p.Path, "/") {
				return fmt.Errorf("custom endpoint %q: invalid path %q", ce.ID, p.Path)
			}
			switch p.Protocol {
			case gateway.ProtocolAnthropic, gateway.ProtocolOpenAIChat, gateway.ProtocolOpenAIResponses:
			default:
				return fmt.Errorf("custom endpoint %q: unknown protocol %q", ce.ID, p.Protocol)
			}
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Server.BodyLimit < 0 {
		return errors.New("server: negative bodyLimit")
	}
	return nil
}

// template is the first-boot document: empty provider list, per-endpoint
// defaults present but unset.
func template() *Config {
	cfg := &Config{
		Server:                ServerConfig{Host: "127.0.0.1", Port: 8318},
		LogRetentionDays:      30,
		EnableRoutingFallback: true,
		Providers:             []gateway.Provider{},
		EndpointRouting: map[string]*gateway.EndpointRouting{
			gateway.EndpointAnthropic: {},
			gateway.EndpointOpenAI:    {},
		},
	}
	return cfg
}

// Store owns the config document: lock-free snapshot reads, mutex-serialized
// validated writes, atomic temp-file+rename persistence.
type Store struct {
	path    string
	vault   *vault.Vault
	mu      sync.Mutex // serializes Update
	current atomic.Pointer[Config]
	version atomic.Uint64 // bumped on every successful Update
}

// Open loads the document at path, writing the first-boot template when the
// file is missing. Plaintext provider keys are encrypted through the vault
// before they ever land on disk.
func Open(path string, v *vault.Vault) (*Store, error) {
	s := &Store{path: path, vault: v}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg := &Config{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.normalize()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if s.sealSecrets(cfg) {
			if err := s.writeFile(cfg); err != nil {
				return nil, err
			}
		}
		s.current.Store(cfg)
	case errors.Is(err, os.ErrNotExist):
		cfg := template()
		if err := s.writeFile(cfg); err != nil {
			return nil, err
		}
		s.current.Store(cfg)
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return s, nil
}

// Path returns the on-disk location of the document.
func (s *Store) Path() string { return s.path }

// Get returns the current snapshot. Callers must not mutate it; an in-flight
// request keeps seeing a consistent view even if Update runs concurrently.
func (s *Store) Get() *Config { return s.current.Load() }

// Version returns a counter bumped on every successful Update, used to
// invalidate derived caches (compiled route tables).
func (s *Store) Version() uint64 { return s.version.Load() }

// Update validates next, seals plaintext secrets, persists atomically, and
// publishes the new snapshot.
func (s *Store) Update(next *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := next.Clone()
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	s.sealSecrets(cfg)
	if err := s.writeFile(cfg); err != nil {
		return err
	}
	s.current.Store(cfg)
	s.version.Add(1)
	return nil
}

// sealSecrets replaces plaintext provider apiKey values with vault
// ciphertexts. Returns true if anything changed.
func (s *Store) sealSecrets(cfg *Config) bool {
	if s.vault == nil {
		return false
	}
	changed := false
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" && !vault.IsCiphertext(p.APIKey) {
			p.APIKey = s.vault.Encrypt(p.APIKey)
			changed = true
		}
	}
	return changed
}

// DecryptProviderKey hands the plaintext upstream key to a connector.
// Returns "" for providers without a key or on decrypt failure (logged by
// the vault).
func (s *Store) DecryptProviderKey(p *gateway.Provider) string {
	if p.APIKey == "" {
		return ""
	}
	if s.vault == nil || !vault.IsCiphertext(p.APIKey) {
		return p.APIKey
	}
	plain, ok := s.vault.Decrypt(p.APIKey)
	if !ok {
		return ""
	}
	return plain
}

// writeFile persists cfg crash-safely: write a temp file in the same
// directory, then rename over the original.
func (s *Store) writeFile(cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Package gateway defines domain types and interfaces for the cc-gw LLM
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Endpoints and protocols ---

// Built-in endpoint ids. Custom endpoints add their own ids at runtime.
const (
	EndpointAnthropic = "anthropic"
	EndpointOpenAI    = "openai"
)

// Wire protocols a public path can speak.
const (
	ProtocolAnthropic       = "anthropic"
	ProtocolOpenAIChat      = "openai-chat"
	ProtocolOpenAIResponses = "openai-responses"
)

// --- Provider ---

// Provider types. Everything except "anthropic" speaks the OpenAI chat
// completions wire format upstream.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
	ProviderKimi      = "kimi"
	ProviderHuawei    = "huawei"
	ProviderCustom    = "custom"
)

// Provider auth modes.
const (
	AuthModeAPIKey    = "apiKey"    // x-api-key: <key>
	AuthModeAuthToken = "authToken" // Authorization: Bearer <key>
)

// Model is a single model exposed by a provider.
type Model struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// Provider is a configured upstream LLM service instance.
// APIKey holds the vault ciphertext at rest; connectors receive the
// decrypted value.
type Provider struct {
	ID           string            `json:"id"`
	Label        string            `json:"label,omitempty"`
	Type         string            `json:"type"`
	BaseURL      string            `json:"baseUrl"`
	APIKey       string            `json:"apiKey,omitempty"`
	AuthMode     string            `json:"authMode,omitempty"`
	DefaultModel string            `json:"defaultModel,omitempty"`
	Models       []Model           `json:"models,omitempty"`
	ExtraHeaders map[string]string `json:"extraHeaders,omitempty"`
}

// IsAnthropic reports whether the provider speaks the Anthropic Messages
// wire format upstream.
func (p *Provider) IsAnthropic() bool { return p.Type == ProviderAnthropic }

// HasModel reports whether id appears in the provider's model list.
func (p *Provider) HasModel(id string) bool {
	for _, m := range p.Models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// FirstModel returns the provider's default model, or the first listed
// model, or "" for pass-through providers with an empty list.
func (p *Provider) FirstModel() string {
	if p.DefaultModel != "" {
		return p.DefaultModel
	}
	if len(p.Models) > 0 {
		return p.Models[0].ID
	}
	return ""
}

// --- Endpoint routing ---

// RouteDefaults selects fallback targets ("providerId:modelId") when no
// route matches. Empty string means unset.
type RouteDefaults struct {
	Completion           string `json:"completion,omitempty"`
	Reasoning            string `json:"reasoning,omitempty"`
	Background           string `json:"background,omitempty"`
	LongContextThreshold int    `json:"longContextThreshold,omitempty"`
}

// EndpointRouting holds the routing policy for one endpoint.
// ModelRoutes maps a caller-facing model id (possibly with * wildcards) to
// "providerId:modelId" or "providerId:*" (forward caller's model verbatim).
type EndpointRouting struct {
	Defaults    RouteDefaults     `json:"defaults"`
	ModelRoutes map[string]string `json:"modelRoutes,omitempty"`
}

// CustomPath is one public path registered by a custom endpoint.
type CustomPath struct {
	Path     string `json:"path"`
	Protocol string `json:"protocol"`
}

// CustomEndpoint is a caller-defined endpoint with its own paths and an
// optional embedded routing policy.
type CustomEndpoint struct {
	ID      string           `json:"id"`
	Label   string           `json:"label,omitempty"`
	Enabled bool             `json:"enabled"`
	Paths   []CustomPath     `json:"paths"`
	Routing *EndpointRouting `json:"routing,omitempty"`
}

// --- API keys ---

// APIKeyPrefix is the prefix for all cc-gw API keys.
const APIKeyPrefix = "sk-ccgw-"

// APIKey is a caller credential. The plaintext is never stored; KeyHash is
// the SHA-256 hex and KeyCiphertext the vault envelope for reveal.
// AllowedEndpoints nil means unrestricted. At most one wildcard row exists;
// a wildcard accepts any inbound key value, including none.
type APIKey struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	KeyHash           string     `json:"-"`
	KeyCiphertext     string     `json:"-"`
	KeyPrefix         string     `json:"keyPrefix"`
	KeySuffix         string     `json:"keySuffix"`
	IsWildcard        bool       `json:"isWildcard"`
	Enabled           bool       `json:"enabled"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	RequestCount      int64      `json:"requestCount"`
	TotalInputTokens  int64      `json:"totalInputTokens"`
	TotalOutputTokens int64      `json:"totalOutputTokens"`
	AllowedEndpoints  []string   `json:"allowedEndpoints,omitempty"`
}

// EndpointAllowed reports whether the key may call the given endpoint.
// A nil AllowedEndpoints list means unrestricted.
func (k *APIKey) EndpointAllowed(endpointID string) bool {
	if k.AllowedEndpoints == nil {
		return true
	}
	for _, e := range k.AllowedEndpoints {
		if e == endpointID {
			return true
		}
	}
	return false
}

// Masked returns the display form of the key, e.g. "sk-ccgw-abcd...wxyz".
func (k *APIKey) Masked() string {
	if k.KeyPrefix == "" && k.KeySuffix == "" {
		return ""
	}
	return k.KeyPrefix + "..." + k.KeySuffix
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// ShortHash returns the first 16 hex chars of the SHA-256 hash of raw.
// Audit rows for unknown keys carry only this value, never the plaintext.
func ShortHash(raw string) string {
	return HashKey(raw)[:16]
}

// --- Request logs ---

// RequestLog is the persisted record for one inbound call. Compressed
// prompt/response blobs live in a sibling request_payloads row.
type RequestLog struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"sessionId,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	ClientModel  string    `json:"clientModel,omitempty"`
	Stream       bool      `json:"stream"`
	LatencyMs    int64     `json:"latencyMs"`
	TTFTMs       *int64    `json:"ttftMs,omitempty"`
	TPOTMs       *float64  `json:"tpotMs,omitempty"`
	StatusCode   int       `json:"statusCode"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	CachedTokens int       `json:"cachedTokens"`
	Error        string    `json:"error,omitempty"`
	APIKeyID     string    `json:"apiKeyId,omitempty"`
	APIKeyName   string    `json:"apiKeyName,omitempty"`
	APIKeyMasked string    `json:"apiKeyValueMasked,omitempty"`
}

// LogFilter narrows log queries. Zero values mean "no constraint".
type LogFilter struct {
	Provider   string
	Model      string
	Endpoint   string
	StatusCode int
	From       time.Time
	To         time.Time
	APIKeyIDs  []string
	Offset     int
	Limit      int
}

// RequestPayload holds the decompressed prompt/response for one log row.
type RequestPayload struct {
	RequestID string `json:"requestId"`
	Prompt    string `json:"prompt,omitempty"`
	Response  string `json:"response,omitempty"`
}

// --- Metrics ---

// DailyMetric is the per-(UTC date, endpoint) usage rollup, accumulated
// with upserts as requests finalize.
type DailyMetric struct {
	Date              string `json:"date"` // "2006-01-02" UTC
	Endpoint          string `json:"endpoint"`
	RequestCount      int64  `json:"requestCount"`
	TotalInputTokens  int64  `json:"totalInputTokens"`
	TotalOutputTokens int64  `json:"totalOutputTokens"`
	TotalLatencyMs    int64  `json:"totalLatencyMs"`
}

// Usage carries token counts observed for one exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// --- Audit events ---

// Audit operations recorded for API key lifecycle and auth failures.
const (
	AuditCreate          = "create"
	AuditDelete          = "delete"
	AuditEnable          = "enable"
	AuditDisable         = "disable"
	AuditUpdateEndpoints = "update_endpoints"
	AuditAuthFailure     = "auth_failure"
)

// AuditEvent is one row in the api_key_audit_logs table.
type AuditEvent struct {
	ID         int64           `json:"id"`
	APIKeyID   string          `json:"apiKeyId,omitempty"`
	APIKeyName string          `json:"apiKeyName,omitempty"`
	Operation  string          `json:"operation"`
	Operator   string          `json:"operator,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// --- Canonical payload ---

// Content block tags. Adapters switch on the tag rather than inspecting
// dynamic properties.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one tagged content block in the canonical message form.
// Only the fields for the given Type are populated.
type Block struct {
	Type string `json:"type"`
	// BlockText
	Text string `json:"text,omitempty"`
	// BlockImage
	Source json.RawMessage `json:"source,omitempty"`
	// BlockToolUse / BlockToolResult
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Message is one turn in the canonical conversation.
type Message struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"blocks"`
}

// Payload is the canonical internal request representation all wire
// adapters translate to and from.
type Payload struct {
	System      string          `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"toolChoice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    json.RawMessage `json:"thinking,omitempty"` // carried verbatim from the caller
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"maxTokens,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
}

// ThinkingEnabled reports whether the caller asked for extended reasoning.
// True for `"thinking": {"type": "enabled", ...}` and for a bare `true`.
func (p *Payload) ThinkingEnabled() bool {
	switch string(p.Thinking) {
	case "", "null", "false":
		return false
	case "true":
		return true
	}
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(p.Thinking, &t); err != nil {
		return false
	}
	return t.Type == "enabled"
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the auth step via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *APIKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated API key from context, or nil.
func KeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// Package provider sends translated request bodies to upstream LLM services.
// Providers are configuration records rather than per-vendor adapters: the
// wire package has already produced a body in the upstream's format, so the
// connector only needs the URL, auth header, and transport tuning.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// anthropicVersion is pinned for Anthropic-family upstreams.
const anthropicVersion = "2023-06-01"

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// APIError represents an error response from an upstream provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code for relay decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ReadError drains up to 4KB of an upstream error body into an APIError.
// The response body is consumed but not closed.
func ReadError(providerID string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: providerID, StatusCode: resp.StatusCode, Body: string(body)}
}

// Connector issues upstream requests. Safe for concurrent use; one instance
// serves all providers.
type Connector struct {
	client *http.Client
}

// New returns a Connector backed by a pooled transport. resolver may be nil
// to dial without DNS caching.
func New(resolver *dnscache.Resolver) *Connector {
	return &Connector{client: &http.Client{Transport: NewTransport(resolver)}}
}

// NewWithClient returns a Connector using the given client. Tests inject
// httptest-backed clients here.
func NewWithClient(client *http.Client) *Connector {
	return &Connector{client: client}
}

// URL returns the upstream endpoint for the provider's wire format:
// Anthropic-family providers expose /v1/messages, everything else the
// OpenAI-style /chat/completions.
func URL(p *gateway.Provider) string {
	base := strings.TrimRight(p.BaseURL, "/")
	if p.IsAnthropic() {
		return base + "/v1/messages"
	}
	return base + "/chat/completions"
}

// Send posts body to the provider and returns the raw response. Non-2xx
// responses are returned, not converted to errors; callers relay upstream
// failures to the client with the body intact. apiKey is the decrypted
// provider credential.
func (c *Connector) Send(ctx context.Context, p *gateway.Provider, apiKey string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, URL(p), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s: create request: %w", p.ID, err)
	}
	setHeaders(req.Header, p, apiKey, stream)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: do request: %w", p.ID, err)
	}
	return resp, nil
}

// setHeaders applies content negotiation, credentials and per-provider
// extras to an outbound request.
func setHeaders(h http.Header, p *gateway.Provider, apiKey string, stream bool) {
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}

	if apiKey != "" {
		switch authMode(p) {
		case gateway.AuthModeAPIKey:
			h.Set("x-api-key", apiKey)
		default:
			h.Set("Authorization", "Bearer "+apiKey)
		}
	}
	if p.IsAnthropic() {
		h.Set("anthropic-version", anthropicVersion)
	}

	for k, v := range p.ExtraHeaders {
		h.Set(k, v)
	}
}

// authMode resolves the effective credential header scheme: an explicit
// authMode wins, otherwise Anthropic-family providers use x-api-key and the
// rest use a bearer token.
func authMode(p *gateway.Provider) string {
	if p.AuthMode != "" {
		return p.AuthMode
	}
	if p.IsAnthropic() {
		return gateway.AuthModeAPIKey
	}
	return gateway.AuthModeAuthToken
}

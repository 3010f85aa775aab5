// Package server implements the HTTP transport layer for the cc-gw gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/app"
	"github.com/ccgw-io/ccgw/internal/config"
	"github.com/ccgw-io/ccgw/internal/storage"
	"github.com/ccgw-io/ccgw/internal/vault"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Config     *config.Store
	Pipeline   *app.Pipeline
	Keys       *app.Keys
	Store      storage.Store
	Vault      *vault.Vault
	ReadyCheck ReadyChecker // nil = always ready (for tests)
	UIRoot     string       // static console root, "" = disabled
	Version    string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, started: time.Now()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	// Client-facing proxy endpoints. Custom endpoint paths are looked up
	// per request in handleDynamic so config edits apply without restart.
	r.Group(func(r chi.Router) {
		r.Use(s.limitBody)
		r.Post("/anthropic/v1/messages", s.proxy(gateway.EndpointAnthropic, gateway.ProtocolAnthropic))
		r.Post("/openai/v1/chat/completions", s.proxy(gateway.EndpointOpenAI, gateway.ProtocolOpenAIChat))
		r.Post("/openai/v1/responses", s.proxy(gateway.EndpointOpenAI, gateway.ProtocolOpenAIResponses))
	})

	// Management API
	r.Route("/api", func(r chi.Router) {
		// Session bootstrap endpoints stay reachable without a cookie.
		r.Get("/auth/web", s.handleAuthInfo)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Post("/auth/web", s.handleSetPassword)

			r.Get("/status", s.handleStatus)
			r.Get("/config/info", s.handleConfigInfo)
			r.Put("/config", s.handleConfigUpdate)
			r.Get("/providers", s.handleListProviders)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Patch("/keys/{id}", s.handleUpdateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)
			r.Get("/keys/{id}/reveal", s.handleRevealKey)

			r.Get("/logs", s.handleListLogs)
			r.Get("/logs/{id}", s.handleGetLog)
			r.Post("/logs/export", s.handleExportLogs)
			r.Post("/logs/cleanup", s.handleCleanupLogs)
			r.Post("/logs/clear", s.handleClearLogs)

			r.Get("/stats/overview", s.handleStatsOverview)
			r.Get("/stats/daily", s.handleStatsDaily)
			r.Get("/stats/model", s.handleStatsModel)
			r.Get("/stats/api-keys/overview", s.handleStatsKeysOverview)
			r.Get("/stats/api-keys/usage", s.handleStatsKeysUsage)

			r.Get("/events", s.handleListEvents)
		})
	})

	// Everything else: custom endpoint paths first, then the static console.
	r.NotFound(s.handleDynamic)

	return r
}

type server struct {
	deps    Deps
	started time.Time
}

// proxy adapts a pipeline call to a fixed endpoint id and wire protocol.
func (s *server) proxy(endpointID, protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.deps.Pipeline.Handle(w, r, endpointID, protocol)
	}
}

// handleDynamic dispatches unrouted paths to enabled custom endpoints, and
// otherwise serves the static console when one is configured.
func (s *server) handleDynamic(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		cfg := s.deps.Config.Get()
		for i := range cfg.CustomEndpoints {
			ce := &cfg.CustomEndpoints[i]
			for _, p := range ce.Paths {
				if p.Path != r.URL.Path {
					continue
				}
				if !ce.Enabled {
					http.NotFound(w, r)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, cfg.BodyLimit())
				s.deps.Pipeline.Handle(w, r, ce.ID, p.Protocol)
				return
			}
		}
	}
	if s.deps.UIRoot != "" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		s.serveUI(w, r)
		return
	}
	http.NotFound(w, r)
}

// limitBody caps inbound request bodies at the configured limit.
func (s *server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.deps.Config.Get().BodyLimit())
		next.ServeHTTP(w, r)
	})
}

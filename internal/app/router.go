// Package app implements the gateway's request-facing services: model
// routing, API key lifecycle, and the proxy pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/maypok86/otter/v2"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/config"
)

// Decision is a resolved routing outcome.
type Decision struct {
	Provider    *gateway.Provider
	Model       string // model sent upstream
	ClientModel string // model the caller asked for
	Reason      string // "explicit", "route", "default:<kind>", "fallback"
}

// Router maps (endpoint, client model, request attributes) to a provider and
// target model. Compiled route tables are cached per endpoint and
// invalidated by the config version counter.
type Router struct {
	cfg   *config.Store
	log   *slog.Logger
	cache *otter.Cache[string, *routeTable]
}

// NewRouter returns a Router bound to the live configuration.
func NewRouter(cfg *config.Store, log *slog.Logger) (*Router, error) {
	c, err := otter.New(&otter.Options[string, *routeTable]{
		MaximumSize: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create route cache: %w", err)
	}
	return &Router{cfg: cfg, log: log, cache: c}, nil
}

// Resolve picks the upstream for one request. thinking reports whether the
// caller asked for extended reasoning; inputTokens is the estimated prompt
// size for the long-context default.
func (r *Router) Resolve(endpointID, clientModel string, thinking bool, inputTokens int) (*Decision, error) {
	cfg := r.cfg.Get()
	if len(cfg.Providers) == 0 {
		return nil, gateway.ErrNoProviders
	}

	// Explicit "providerId:modelId" bypasses the routing table. Exactly one
	// colon, left side a known provider id.
	if i := strings.IndexByte(clientModel, ':'); i > 0 && strings.Count(clientModel, ":") == 1 {
		pid, mid := clientModel[:i], clientModel[i+1:]
		if p := cfg.ProviderByID(pid); p != nil {
			if mid == "" || mid == "*" {
				mid = p.FirstModel()
			}
			return &Decision{Provider: p, Model: mid, ClientModel: clientModel, Reason: "explicit"}, nil
		}
	}

	table := r.table(endpointID, cfg)

	for _, route := range table.routes {
		if !route.match(clientModel) {
			continue
		}
		if d := resolveTarget(cfg, route.target, clientModel); d != nil {
			d.Reason = "route"
			return d, nil
		}
		// A matched route with a dangling target falls through to the
		// defaults rather than shadowing them.
		r.log.LogAttrs(context.Background(), slog.LevelWarn, "route target unresolvable",
			slog.String("pattern", route.pattern), slog.String("target", route.target))
		break
	}

	kind, target := pickDefault(table.defaults, thinking, inputTokens)
	if target != "" {
		if d := resolveTarget(cfg, target, clientModel); d != nil {
			d.Reason = "default:" + kind
			return d, nil
		}
	}

	if cfg.EnableRoutingFallback {
		p := &cfg.Providers[0]
		model := clientModel
		if len(p.Models) > 0 && !p.HasModel(model) {
			model = p.FirstModel()
		}
		return &Decision{Provider: p, Model: model, ClientModel: clientModel, Reason: "fallback"}, nil
	}

	return nil, gateway.ErrNoMatch
}

// pickDefault chooses among the endpoint defaults: reasoning for thinking
// requests, background past the long-context threshold, else completion.
func pickDefault(d gateway.RouteDefaults, thinking bool, inputTokens int) (string, string) {
	if thinking && d.Reasoning != "" {
		return "reasoning", d.Reasoning
	}
	if d.LongContextThreshold > 0 && inputTokens > d.LongContextThreshold && d.Background != "" {
		return "background", d.Background
	}
	return "completion", d.Completion
}

// resolveTarget validates a "providerId[:modelId|*]" target. "providerId:*"
// forwards the caller's model verbatim; a bare provider id selects its
// default model. Returns nil only when the provider is unknown.
func resolveTarget(cfg *config.Config, target, clientModel string) *Decision {
	pid, mid := target, ""
	if i := strings.IndexByte(target, ':'); i >= 0 {
		pid, mid = target[:i], target[i+1:]
	}
	p := cfg.ProviderByID(pid)
	if p == nil {
		return nil
	}
	switch mid {
	case "*":
		mid = clientModel
	case "":
		mid = p.FirstModel()
		if mid == "" {
			mid = clientModel
		}
	}
	return &Decision{Provider: p, Model: mid, ClientModel: clientModel}
}

// --- compiled route tables ---

type routeTable struct {
	version  uint64
	routes   []compiledRoute
	defaults gateway.RouteDefaults
}

// compiledRoute is one glob pattern split on '*' for anchored matching.
type compiledRoute struct {
	pattern  string
	segments []string // literal runs between wildcards
	exact    bool
	literals int // total literal length, for specificity ordering
	target   string
}

func (r *Router) table(endpointID string, cfg *config.Config) *routeTable {
	v := r.cfg.Version()
	if t, ok := r.cache.GetIfPresent(endpointID); ok && t.version == v {
		return t
	}
	t := compileRoutes(cfg.RoutingFor(endpointID), v)
	r.cache.Set(endpointID, t)
	return t
}

// compileRoutes builds the specificity-ordered route list for one endpoint:
// exact patterns first, then fewer wildcards, then more literal characters,
// then lexicographic pattern order for determinism.
func compileRoutes(routing *gateway.EndpointRouting, version uint64) *routeTable {
	t := &routeTable{version: version, defaults: routing.Defaults}
	for pattern, target := range routing.ModelRoutes {
		t.routes = append(t.routes, compileRoute(pattern, target))
	}
	sort.Slice(t.routes, func(i, j int) bool {
		a, b := t.routes[i], t.routes[j]
		if a.exact != b.exact {
			return a.exact
		}
		if wa, wb := len(a.segments)-1, len(b.segments)-1; wa != wb {
			return wa < wb
		}
		if a.literals != b.literals {
			return a.literals > b.literals
		}
		return a.pattern < b.pattern
	})
	return t
}

func compileRoute(pattern, target string) compiledRoute {
	segments := strings.Split(pattern, "*")
	literals := 0
	for _, s := range segments {
		literals += len(s)
	}
	return compiledRoute{
		pattern:  pattern,
		segments: segments,
		exact:    len(segments) == 1,
		literals: literals,
		target:   target,
	}
}

// match reports whether model satisfies the glob, anchored at both ends.
func (c *compiledRoute) match(model string) bool {
	if c.exact {
		return model == c.pattern
	}
	s := model
	for i, seg := range c.segments {
		switch i {
		case 0:
			if !strings.HasPrefix(s, seg) {
				return false
			}
			s = s[len(seg):]
		case len(c.segments) - 1:
			return strings.HasSuffix(s, seg)
		default:
			idx := strings.Index(s, seg)
			if idx < 0 {
				return false
			}
			s = s[idx+len(seg):]
		}
	}
	return true
}

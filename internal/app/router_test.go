package app

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRouter builds a Router over a config store seeded with cfg.
func newTestRouter(t *testing.T, cfg *config.Config) (*Router, *config.Store) {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != nil {
		if err := store.Update(cfg); err != nil {
			t.Fatal(err)
		}
	}
	r, err := NewRouter(store, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return r, store
}

func routingConfig() *config.Config {
	return &config.Config{
		Server:                config.ServerConfig{Host: "127.0.0.1", Port: 8318},
		EnableRoutingFallback: true,
		Providers: []gateway.Provider{
			{ID: "kimi", Type: gateway.ProviderKimi, BaseURL: "https://kimi.example",
				DefaultModel: "kimi-k2", Models: []gateway.Model{{ID: "kimi-k2"}, {ID: "kimi-think"}}},
			{ID: "deepseek", Type: gateway.ProviderDeepSeek, BaseURL: "https://ds.example",
				DefaultModel: "deepseek-chat", Models: []gateway.Model{{ID: "deepseek-chat"}, {ID: "deepseek-reasoner"}}},
		},
		EndpointRouting: map[string]*gateway.EndpointRouting{
			gateway.EndpointAnthropic: {
				Defaults: gateway.RouteDefaults{
					Completion:           "kimi:kimi-k2",
					Reasoning:            "deepseek:deepseek-reasoner",
					Background:           "deepseek:deepseek-chat",
					LongContextThreshold: 60000,
				},
				ModelRoutes: map[string]string{
					"claude-3-5-haiku-*": "kimi:kimi-k2",
					"claude-*":           "kimi:*",
					"gpt-4o":             "deepseek:deepseek-chat",
				},
			},
		},
	}
}

func TestResolveExplicitTarget(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, routingConfig())

	d, err := r.Resolve(gateway.EndpointAnthropic, "kimi:kimi-think", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider.ID != "kimi" || d.Model != "kimi-think" || d.Reason != "explicit" {
		t.Errorf("decision = %+v", d)
	}

	// "provider:*" and "provider:" select the provider's default model.
	for _, cm := range []string{"kimi:*", "kimi:"} {
		d, err := r.Resolve(gateway.EndpointAnthropic, cm, false, 100)
		if err != nil {
			t.Fatal(err)
		}
		if d.Model != "kimi-k2" {
			t.Errorf("Resolve(%q) model = %q, want provider default", cm, d.Model)
		}
	}

	// Unknown provider prefix is not an explicit target; falls to routes.
	d, err = r.Resolve(gateway.EndpointAnthropic, "nope:model", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason == "explicit" {
		t.Errorf("unknown provider treated as explicit: %+v", d)
	}
}

func TestResolveGlobRoutes(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, routingConfig())

	// "claude-*" -> "kimi:*" forwards the caller's model verbatim.
	d, err := r.Resolve(gateway.EndpointAnthropic, "claude-sonnet-4", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider.ID != "kimi" || d.Model != "claude-sonnet-4" || d.Reason != "route" {
		t.Errorf("decision = %+v", d)
	}
	if d.ClientModel != "claude-sonnet-4" {
		t.Errorf("clientModel = %q", d.ClientModel)
	}

	// With equal wildcard counts, the pattern with more literal characters
	// wins over the broad claude glob.
	d, err = r.Resolve(gateway.EndpointAnthropic, "claude-3-5-haiku-latest", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Model != "kimi-k2" {
		t.Errorf("haiku route: model = %q, want kimi-k2", d.Model)
	}

	// Exact patterns win over everything.
	d, err = r.Resolve(gateway.EndpointAnthropic, "gpt-4o", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider.ID != "deepseek" || d.Reason != "route" {
		t.Errorf("exact route: %+v", d)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, routingConfig())

	// No route matches "unrouted-model": completion default.
	d, err := r.Resolve(gateway.EndpointAnthropic, "unrouted-model", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "default:completion" || d.Model != "kimi-k2" {
		t.Errorf("completion default: %+v", d)
	}

	// Thinking requests take the reasoning default.
	d, err = r.Resolve(gateway.EndpointAnthropic, "unrouted-model", true, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "default:reasoning" || d.Model != "deepseek-reasoner" {
		t.Errorf("reasoning default: %+v", d)
	}

	// Past the long-context threshold, the background default applies.
	d, err = r.Resolve(gateway.EndpointAnthropic, "unrouted-model", false, 60001)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "default:background" || d.Model != "deepseek-chat" {
		t.Errorf("background default: %+v", d)
	}

	// Reasoning beats background when both apply.
	d, err = r.Resolve(gateway.EndpointAnthropic, "unrouted-model", true, 60001)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "default:reasoning" {
		t.Errorf("reasoning should win: %+v", d)
	}
}

func TestResolveThinkingWithoutReasoningDefault(t *testing.T) {
	t.Parallel()
	cfg := routingConfig()
	cfg.EndpointRouting[gateway.EndpointAnthropic].Defaults.Reasoning = ""
	r, _ := newTestRouter(t, cfg)

	// With no reasoning default configured, a thinking request cascades to
	// the remaining defaults instead of failing.
	d, err := r.Resolve(gateway.EndpointAnthropic, "unrouted-model", true, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "default:completion" {
		t.Errorf("thinking without reasoning default: %+v", d)
	}

	d, err = r.Resolve(gateway.EndpointAnthropic, "unrouted-model", true, 60001)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "default:background" {
		t.Errorf("thinking + long context without reasoning default: %+v", d)
	}
}

func TestResolveDanglingRouteTarget(t *testing.T) {
	t.Parallel()
	cfg := routingConfig()
	cfg.EndpointRouting[gateway.EndpointAnthropic].ModelRoutes = map[string]string{
		"claude-*": "gone:model",
	}
	r, _ := newTestRouter(t, cfg)

	// A matched route pointing at a removed provider falls through to the
	// defaults instead of failing the request.
	d, err := r.Resolve(gateway.EndpointAnthropic, "claude-sonnet-4", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "default:completion" {
		t.Errorf("dangling target: %+v", d)
	}
}

func TestResolveFallback(t *testing.T) {
	t.Parallel()
	cfg := routingConfig()
	cfg.EndpointRouting = map[string]*gateway.EndpointRouting{}
	r, _ := newTestRouter(t, cfg)

	// No routes, no defaults: first provider, coerced to a model it serves.
	d, err := r.Resolve(gateway.EndpointAnthropic, "claude-sonnet-4", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider.ID != "kimi" || d.Model != "kimi-k2" || d.Reason != "fallback" {
		t.Errorf("fallback: %+v", d)
	}
}

func TestResolveNoMatch(t *testing.T) {
	t.Parallel()
	cfg := routingConfig()
	cfg.EnableRoutingFallback = false
	cfg.EndpointRouting = map[string]*gateway.EndpointRouting{}
	r, _ := newTestRouter(t, cfg)

	if _, err := r.Resolve(gateway.EndpointAnthropic, "claude-sonnet-4", false, 100); !errors.Is(err, gateway.ErrNoMatch) {
		t.Errorf("got %v, want ErrNoMatch", err)
	}
}

func TestResolveNoProviders(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, nil)
	if _, err := r.Resolve(gateway.EndpointAnthropic, "any", false, 0); !errors.Is(err, gateway.ErrNoProviders) {
		t.Errorf("got %v, want ErrNoProviders", err)
	}
}

func TestRouteCacheInvalidatedByConfigVersion(t *testing.T) {
	t.Parallel()
	r, store := newTestRouter(t, routingConfig())

	d, err := r.Resolve(gateway.EndpointAnthropic, "claude-sonnet-4", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider.ID != "kimi" {
		t.Fatalf("before update: %+v", d)
	}

	next := store.Get().Clone()
	next.EndpointRouting[gateway.EndpointAnthropic].ModelRoutes = map[string]string{
		"claude-*": "deepseek:deepseek-chat",
	}
	if err := store.Update(next); err != nil {
		t.Fatal(err)
	}

	d, err = r.Resolve(gateway.EndpointAnthropic, "claude-sonnet-4", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider.ID != "deepseek" {
		t.Errorf("stale route table after config update: %+v", d)
	}
}

func TestCompiledRouteMatch(t *testing.T) {
	t.Parallel()
	cases := []struct {
		pattern, model string
		want           bool
	}{
		{"claude-*", "claude-sonnet-4", true},
		{"claude-*", "claude-", true},
		{"claude-*", "gpt-4o", false},
		{"*-haiku*", "claude-3-haiku-latest", true},
		{"*-haiku*", "claude-3-haiku", true},
		{"*-haiku*", "haiku", false}, // anchored: needs a "-haiku" infix
		{"exact", "exact", true},
		{"exact", "exact-2", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "abc", true},
		{"a*b*c", "acb", false},
	}
	for _, tc := range cases {
		cr := compileRoute(tc.pattern, "p:m")
		if got := cr.match(tc.model); got != tc.want {
			t.Errorf("match(%q, %q) = %v, want %v", tc.pattern, tc.model, got, tc.want)
		}
	}
}

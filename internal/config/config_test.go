package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/vault"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.Open(filepath.Join(dir, "secret.key"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(filepath.Join(dir, "config.json"), v)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestOpenWritesFirstBootTemplate(t *testing.T) {
	t.Parallel()
	s, dir := newTestStore(t)

	cfg := s.Get()
	if cfg.Server.Port != 8318 {
		t.Errorf("default port = %d, want 8318", cfg.Server.Port)
	}
	if cfg.LogRetentionDays != 30 {
		t.Errorf("retention = %d, want 30", cfg.LogRetentionDays)
	}
	if !cfg.EnableRoutingFallback {
		t.Error("fallback should default on")
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Errorf("template not persisted: %v", err)
	}
	if cfg.EndpointRouting[gateway.EndpointAnthropic] == nil ||
		cfg.EndpointRouting[gateway.EndpointOpenAI] == nil {
		t.Error("built-in endpoint routing blocks should exist")
	}
}

func TestLegacyModelRoutesMigration(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	doc := `{
		"server": {"host": "127.0.0.1", "port": 9000},
		"providers": [{"id": "p1", "type": "openai", "baseUrl": "https://x"}],
		"modelRoutes": {"claude-*": "p1:gpt"}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := s.Get()
	if cfg.ModelRoutes != nil {
		t.Error("legacy flat map should be cleared")
	}
	anth := cfg.EndpointRouting[gateway.EndpointAnthropic]
	if anth == nil || anth.ModelRoutes["claude-*"] != "p1:gpt" {
		t.Errorf("routes not folded into anthropic endpoint: %+v", anth)
	}
}

func TestStorePayloadFlags(t *testing.T) {
	t.Parallel()
	boolPtr := func(b bool) *bool { return &b }

	var c Config
	if !c.StoreRequest() || !c.StoreResponse() {
		t.Error("unset flags default to storing")
	}

	c = Config{StorePayloads: boolPtr(false)}
	if c.StoreRequest() || c.StoreResponse() {
		t.Error("legacy flag should cover both sides")
	}

	c = Config{StorePayloads: boolPtr(false), StoreRequestPayloads: boolPtr(true)}
	if !c.StoreRequest() {
		t.Error("split flag should win for requests")
	}

	c = Config{StoreResponsePayloads: boolPtr(false)}
	if !c.StoreRequest() {
		t.Error("one split flag set should not drag the legacy value onto the other")
	}
	if c.StoreResponse() {
		t.Error("response flag should be honored")
	}
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing provider id", Config{Providers: []gateway.Provider{{Type: "openai", BaseURL: "https://x"}}}, "missing id"},
		{"duplicate provider", Config{Providers: []gateway.Provider{
			{ID: "a", Type: "openai", BaseURL: "https://x"},
			{ID: "a", Type: "openai", BaseURL: "https://y"},
		}}, "duplicate"},
		{"unknown type", Config{Providers: []gateway.Provider{{ID: "a", Type: "mystery", BaseURL: "https://x"}}}, "unknown type"},
		{"missing base url", Config{Providers: []gateway.Provider{{ID: "a", Type: "openai"}}}, "missing baseUrl"},
		{"default model not listed", Config{Providers: []gateway.Provider{{
			ID: "a", Type: "openai", BaseURL: "https://x", DefaultModel: "m2",
			Models: []gateway.Model{{ID: "m1"}},
		}}}, "defaultModel"},
		{"bad auth mode", Config{Providers: []gateway.Provider{{ID: "a", Type: "openai", BaseURL: "https://x", AuthMode: "magic"}}}, "authMode"},
		{"bad port", Config{Server: ServerConfig{Port: 99999}}, "invalid port"},
		{"custom endpoint without paths", Config{CustomEndpoints: []gateway.CustomEndpoint{{ID: "ce"}}}, "no paths"},
		{"custom endpoint bad path", Config{CustomEndpoints: []gateway.CustomEndpoint{{
			ID: "ce", Paths: []gateway.CustomPath{{Path: "nope", Protocol: gateway.ProtocolAnthropic}},
		}}}, "invalid path"},
		{"custom endpoint bad protocol", Config{CustomEndpoints: []gateway.CustomEndpoint{{
			ID: "ce", Paths: []gateway.CustomPath{{Path: "/x", Protocol: "soap"}},
		}}}, "unknown protocol"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if err == nil {
				t.Fatal("want validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestUpdatePersistsAtomically(t *testing.T) {
	t.Parallel()
	s, dir := newTestStore(t)

	next := s.Get().Clone()
	next.Providers = []gateway.Provider{{ID: "p1", Type: "kimi", BaseURL: "https://api.example", APIKey: "plain-secret"}}
	if err := s.Update(next); err != nil {
		t.Fatal(err)
	}

	if s.Version() != 1 {
		t.Errorf("version = %d, want 1 after one update", s.Version())
	}

	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "plain-secret") {
		t.Error("plaintext provider key reached disk")
	}

	var onDisk Config
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("config file is torn: %v", err)
	}
	if !vault.IsCiphertext(onDisk.Providers[0].APIKey) {
		t.Errorf("stored key = %q, want vault ciphertext", onDisk.Providers[0].APIKey)
	}

	// And the round trip back to plaintext works.
	if got := s.DecryptProviderKey(&s.Get().Providers[0]); got != "plain-secret" {
		t.Errorf("decrypted key = %q", got)
	}
}

func TestUpdateRejectsInvalidAndKeepsCurrent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	before := s.Get()

	bad := before.Clone()
	bad.Providers = []gateway.Provider{{ID: "", Type: "openai", BaseURL: "https://x"}}
	if err := s.Update(bad); err == nil {
		t.Fatal("invalid update should fail")
	}
	if s.Get() != before {
		t.Error("snapshot should be unchanged after a failed update")
	}
	if s.Version() != 0 {
		t.Errorf("version = %d, want 0", s.Version())
	}
}

func TestRoutingFor(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		EndpointRouting: map[string]*gateway.EndpointRouting{
			"anthropic": {Defaults: gateway.RouteDefaults{Completion: "p:m"}},
		},
		CustomEndpoints: []gateway.CustomEndpoint{{
			ID:      "mine",
			Enabled: true,
			Paths:   []gateway.CustomPath{{Path: "/mine", Protocol: gateway.ProtocolAnthropic}},
			Routing: &gateway.EndpointRouting{Defaults: gateway.RouteDefaults{Completion: "p:custom"}},
		}},
	}

	if got := cfg.RoutingFor("anthropic").Defaults.Completion; got != "p:m" {
		t.Errorf("anthropic completion = %q", got)
	}
	if got := cfg.RoutingFor("mine").Defaults.Completion; got != "p:custom" {
		t.Errorf("custom endpoint routing not authoritative: %q", got)
	}
	if r := cfg.RoutingFor("unknown"); r == nil {
		t.Error("unknown endpoint should yield an empty policy, not nil")
	}
}

package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/app"
	"github.com/ccgw-io/ccgw/internal/config"
)

// --- Status ---

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Config.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.deps.Version,
		"host":           cfg.Server.Host,
		"port":           cfg.Server.Port,
		"providers":      len(cfg.Providers),
		"activeRequests": s.deps.Pipeline.Active(),
		"uptimeSec":      int64(time.Since(s.started).Seconds()),
	})
}

// --- Config ---

func (s *server) handleConfigInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   s.deps.Config.Path(),
		"config": sanitizeConfig(s.deps.Config.Get()),
	})
}

// handleConfigUpdate replaces the whole document. Providers submitted without
// an apiKey keep their stored ciphertext, so console edits that omit the
// secret never wipe it.
func (s *server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var next config.Config
	if !decodeJSON(w, r, &next) {
		return
	}

	current := s.deps.Config.Get()
	for i := range next.Providers {
		p := &next.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if prev := current.ProviderByID(p.ID); prev != nil {
			p.APIKey = prev.APIKey
		}
	}

	if err := s.deps.Config.Update(&next); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, sanitizeConfig(s.deps.Config.Get()))
}

// sanitizeConfig deep-copies the document and strips secret material.
func sanitizeConfig(cfg *config.Config) *config.Config {
	out := cfg.Clone()
	for i := range out.Providers {
		out.Providers[i].APIKey = ""
	}
	out.WebAuth.PasswordHash = ""
	return out
}

// --- Providers ---

// providerView is the secret-free provider summary.
type providerView struct {
	ID           string          `json:"id"`
	Label        string          `json:"label,omitempty"`
	Type         string          `json:"type"`
	BaseURL      string          `json:"baseUrl"`
	DefaultModel string          `json:"defaultModel,omitempty"`
	Models       []gateway.Model `json:"models,omitempty"`
	HasAPIKey    bool            `json:"hasApiKey"`
}

func (s *server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Config.Get()
	views := make([]providerView, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		views = append(views, providerView{
			ID:           p.ID,
			Label:        p.Label,
			Type:         p.Type,
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
			Models:       p.Models,
			HasAPIKey:    p.APIKey != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views})
}

// --- Keys ---

// keyCreateRequest is the payload for minting a new API key.
type keyCreateRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	AllowedEndpoints []string `json:"allowedEndpoints,omitempty"`
	Wildcard         bool     `json:"wildcard,omitempty"`
}

// keyCreateResponse includes the plaintext key, shown only once.
type keyCreateResponse struct {
	*gateway.APIKey
	PlaintextKey string `json:"key,omitempty"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, plaintext, err := s.deps.Keys.Create(r.Context(), app.CreateParams{
		Name:             req.Name,
		Description:      req.Description,
		AllowedEndpoints: req.AllowedEndpoints,
		Wildcard:         req.Wildcard,
		Operator:         operatorFrom(r),
		IPAddress:        requestIP(r),
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{APIKey: key, PlaintextKey: plaintext})
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Name             *string   `json:"name,omitempty"`
		Description      *string   `json:"description,omitempty"`
		Enabled          *bool     `json:"enabled,omitempty"`
		AllowedEndpoints *[]string `json:"allowedEndpoints,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := s.deps.Keys.Update(r.Context(), id, app.UpdateParams{
		Name:             req.Name,
		Description:      req.Description,
		Enabled:          req.Enabled,
		AllowedEndpoints: req.AllowedEndpoints,
		Operator:         operatorFrom(r),
		IPAddress:        requestIP(r),
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.Delete(r.Context(), id, operatorFrom(r), requestIP(r)); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRevealKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plaintext, err := s.deps.Keys.Reveal(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": plaintext})
}

// --- Events ---

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	events, err := s.deps.Keys.Audit(r.Context(), r.URL.Query().Get("apiKeyId"), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if events == nil {
		events = []*gateway.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       events,
		Pagination: pagination{Offset: offset, Limit: limit, Total: int64(len(events))},
	})
}

// operatorFrom names the acting console user for audit rows.
func operatorFrom(r *http.Request) string {
	if op := r.Header.Get("X-Operator"); op != "" {
		return op
	}
	return "admin"
}

// requestIP extracts the caller address, honoring X-Forwarded-For.
func requestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

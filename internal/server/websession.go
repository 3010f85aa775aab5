package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "ccgw_session"
	sessionTTL    = 24 * time.Hour
)

// authEnabled reports whether the management API requires a session cookie.
func (s *server) authEnabled() bool {
	cfg := s.deps.Config.Get()
	return cfg.WebAuth.Enabled && cfg.WebAuth.PasswordHash != ""
}

// requireSession rejects management calls without a valid session cookie
// while web auth is enabled. With auth disabled every call passes; the
// gateway binds to loopback by default.
func (s *server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authEnabled() && !s.sessionValid(r) {
			writeJSON(w, http.StatusUnauthorized, errorResponse("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) sessionValid(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return false
	}
	tok, err := jwt.ParseWithClaims(c.Value, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.deps.Vault.SessionKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && tok.Valid
}

func (s *server) issueSession(w http.ResponseWriter) error {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	})
	signed, err := tok.SignedString(s.deps.Vault.SessionKey())
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// handleAuthInfo reports whether web auth is on and the caller's session
// state, so the console knows whether to show a login form.
func (s *server) handleAuthInfo(w http.ResponseWriter, r *http.Request) {
	enabled := s.authEnabled()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       enabled,
		"authenticated": !enabled || s.sessionValid(r),
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg := s.deps.Config.Get()
	if cfg.WebAuth.PasswordHash == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("web auth is not configured"))
		return
	}
	if !passwordMatches(req.Password, cfg.WebAuth.PasswordHash) {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid password"))
		return
	}
	if err := s.issueSession(w); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSetPassword sets or replaces the console password and enables web
// auth. The caller gets a fresh session so the change does not log them out.
func (s *server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Password) < 8 {
		writeJSON(w, http.StatusBadRequest, errorResponse("password must be at least 8 characters"))
		return
	}

	next := s.deps.Config.Get().Clone()
	next.WebAuth.Enabled = true
	next.WebAuth.PasswordHash = hashPassword(req.Password)
	if err := s.deps.Config.Update(next); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.issueSession(w); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func hashPassword(password string) string {
	h := sha256.Sum256([]byte(password))
	return hex.EncodeToString(h[:])
}

func passwordMatches(password, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashPassword(password)), []byte(storedHash)) == 1
}

package server

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// logFilterFromQuery builds a LogFilter from list-endpoint query params.
// Zero values mean unfiltered.
func logFilterFromQuery(w http.ResponseWriter, r *http.Request) (gateway.LogFilter, bool) {
	q := r.URL.Query()
	var f gateway.LogFilter
	f.Provider = q.Get("provider")
	f.Model = q.Get("model")
	f.Endpoint = q.Get("endpoint")
	f.StatusCode, _ = strconv.Atoi(q.Get("status"))
	if raw := q.Get("apiKeys"); raw != "" {
		f.APIKeyIDs = strings.Split(raw, ",")
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid from format, use RFC3339"))
			return f, false
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid to format, use RFC3339"))
			return f, false
		}
		f.To = t
	}
	f.Offset, f.Limit = parsePagination(r)
	return f, true
}

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, ok := logFilterFromQuery(w, r)
	if !ok {
		return
	}
	logs, total, err := s.deps.Store.ListLogs(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*gateway.RequestLog{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       logs,
		Pagination: pagination{Offset: filter.Offset, Limit: filter.Limit, Total: total},
	})
}

// logDetail is the single-log response with decompressed payloads attached
// when they were stored.
type logDetail struct {
	*gateway.RequestLog
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`
}

func (s *server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := s.deps.Store.GetLog(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	detail := logDetail{RequestLog: log}
	payload, err := s.deps.Store.GetPayload(r.Context(), id)
	switch {
	case err == nil:
		detail.Prompt = payload.Prompt
		detail.Response = payload.Response
	case errors.Is(err, gateway.ErrNotFound):
		// Payload persistence disabled or already swept; the row stands alone.
	default:
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// exportRequest is the POST /api/logs/export body: the list filter plus an
// opt-in for payload blobs.
type exportRequest struct {
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
	Endpoint        string   `json:"endpoint,omitempty"`
	Status          int      `json:"status,omitempty"`
	From            string   `json:"from,omitempty"` // RFC3339
	To              string   `json:"to,omitempty"`
	APIKeys         []string `json:"apiKeys,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	IncludePayloads bool     `json:"includePayloads,omitempty"`
}

// maxExportLogs caps one export archive.
const maxExportLogs = 10000

// handleExportLogs streams a ZIP archive with logs.json and, on request,
// one payloads/<id>.json per exported row.
func (s *server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	filter := gateway.LogFilter{
		Provider:   req.Provider,
		Model:      req.Model,
		Endpoint:   req.Endpoint,
		StatusCode: req.Status,
		APIKeyIDs:  req.APIKeys,
		Limit:      req.Limit,
	}
	if filter.Limit <= 0 || filter.Limit > maxExportLogs {
		filter.Limit = maxExportLogs
	}
	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid from format, use RFC3339"))
			return
		}
		filter.From = t
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid to format, use RFC3339"))
			return
		}
		filter.To = t
	}

	logs, _, err := s.deps.Store.ListLogs(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="ccgw-logs-%s.zip"`, time.Now().UTC().Format("20060102-150405")))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	defer zw.Close()

	entry, err := zw.Create("logs.json")
	if err != nil {
		return
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(logs); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "log export write failed",
			slog.String("error", err.Error()))
		return
	}

	if !req.IncludePayloads {
		return
	}
	for _, l := range logs {
		payload, err := s.deps.Store.GetPayload(r.Context(), l.ID)
		if err != nil {
			continue
		}
		entry, err := zw.Create("payloads/" + l.ID + ".json")
		if err != nil {
			return
		}
		if err := json.NewEncoder(entry).Encode(payload); err != nil {
			return
		}
	}
}

func (s *server) handleCleanupLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Days <= 0 {
		req.Days = s.deps.Config.Get().LogRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -req.Days)
	deleted, err := s.deps.Store.DeleteLogsBefore(r.Context(), cutoff)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearLogs(r.Context()); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

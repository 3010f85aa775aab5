package server

import (
	"net/http"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
)

func (s *server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseTimeRange(w, r)
	if !ok {
		return
	}
	overview, err := s.deps.Store.Overview(r.Context(), from, to)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// handleStatsDaily returns the per-day rollup series. from/to are UTC dates
// ("2006-01-02"), defaulting to the trailing 30 days.
func (s *server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC().Format("2006-01-02")
	from := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	if raw := q.Get("from"); raw != "" {
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid from format, use 2006-01-02"))
			return
		}
		from = raw
	}
	if raw := q.Get("to"); raw != "" {
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid to format, use 2006-01-02"))
			return
		}
		to = raw
	}
	metrics, err := s.deps.Store.ListDailyMetrics(r.Context(), from, to)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if metrics == nil {
		metrics = []*gateway.DailyMetric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": metrics})
}

func (s *server) handleStatsModel(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseTimeRange(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Store.ModelStats(r.Context(), from, to)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if stats == nil {
		stats = []*gateway.ModelStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (s *server) handleStatsKeysOverview(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseTimeRange(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Store.KeyStats(r.Context(), from, to)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if stats == nil {
		stats = []*gateway.KeyStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

// keyUsage is one key's lifetime counters from the api_keys row itself,
// which survive log retention sweeps.
type keyUsage struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Masked            string     `json:"keyMasked,omitempty"`
	RequestCount      int64      `json:"requestCount"`
	TotalInputTokens  int64      `json:"totalInputTokens"`
	TotalOutputTokens int64      `json:"totalOutputTokens"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
}

func (s *server) handleStatsKeysUsage(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	usage := make([]keyUsage, 0, len(keys))
	for _, k := range keys {
		usage = append(usage, keyUsage{
			ID:                k.ID,
			Name:              k.Name,
			Masked:            k.Masked(),
			RequestCount:      k.RequestCount,
			TotalInputTokens:  k.TotalInputTokens,
			TotalOutputTokens: k.TotalOutputTokens,
			LastUsedAt:        k.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": usage})
}

package gateway

import "time"

// StatsOverview aggregates request logs over a window.
type StatsOverview struct {
	TotalRequests     int64   `json:"totalRequests"`
	SuccessRequests   int64   `json:"successRequests"`
	ErrorRequests     int64   `json:"errorRequests"`
	TotalInputTokens  int64   `json:"totalInputTokens"`
	TotalOutputTokens int64   `json:"totalOutputTokens"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
}

// ModelStat is the per-(provider, model) usage rollup.
type ModelStat struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	RequestCount      int64   `json:"requestCount"`
	TotalInputTokens  int64   `json:"totalInputTokens"`
	TotalOutputTokens int64   `json:"totalOutputTokens"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
}

// KeyStat is the per-API-key usage rollup drawn from request logs.
type KeyStat struct {
	APIKeyID          string     `json:"apiKeyId"`
	APIKeyName        string     `json:"apiKeyName"`
	RequestCount      int64      `json:"requestCount"`
	TotalInputTokens  int64      `json:"totalInputTokens"`
	TotalOutputTokens int64      `json:"totalOutputTokens"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/auth"
	"github.com/ccgw-io/ccgw/internal/config"
	"github.com/ccgw-io/ccgw/internal/provider"
	"github.com/ccgw-io/ccgw/internal/storage"
	"github.com/ccgw-io/ccgw/internal/telemetry"
	"github.com/ccgw-io/ccgw/internal/tokencount"
	"github.com/ccgw-io/ccgw/internal/wire"
)

// maxUpstreamBody caps buffered (non-streaming) upstream responses.
const maxUpstreamBody = 32 << 20

// Pipeline orchestrates one proxied call: auth, parse, route, translate,
// relay, finalize.
type Pipeline struct {
	cfg      *config.Store
	router   *Router
	resolver *auth.Resolver
	keys     *Keys
	store    storage.Store
	conn     *provider.Connector
	metrics  *telemetry.Metrics
	log      *slog.Logger

	active atomic.Int64
}

// NewPipeline wires the request pipeline.
func NewPipeline(cfg *config.Store, router *Router, resolver *auth.Resolver, keys *Keys,
	store storage.Store, conn *provider.Connector, metrics *telemetry.Metrics, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg: cfg, router: router, resolver: resolver, keys: keys,
		store: store, conn: conn, metrics: metrics, log: log,
	}
}

// Active returns the number of in-flight proxied requests.
func (p *Pipeline) Active() int64 { return p.active.Load() }

// Handle serves one public-endpoint request speaking the given protocol.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, endpointID, protocol string) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, protocol, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("request body exceeds %d bytes", mbe.Limit))
			return
		}
		writeError(w, protocol, http.StatusBadRequest, "invalid_request", "unreadable request body")
		return
	}

	key, err := p.resolver.Resolve(ctx, auth.FromRequest(r), endpointID, clientIP(r))
	if err != nil {
		p.metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		writeError(w, protocol, http.StatusUnauthorized, authErrorCode(err), err.Error())
		return
	}
	ctx = gateway.ContextWithKey(ctx, key)

	payload, clientModel, err := parseRequest(protocol, body)
	if err != nil {
		writeError(w, protocol, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	inputEstimate := tokencount.EstimatePayload(payload)
	dec, err := p.router.Resolve(endpointID, clientModel, payload.ThinkingEnabled(), inputEstimate)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrNoProviders):
			writeError(w, protocol, http.StatusServiceUnavailable, "no_providers", "no providers configured")
		case errors.Is(err, gateway.ErrNoMatch):
			writeError(w, protocol, http.StatusBadRequest, "invalid_request",
				fmt.Sprintf("no route for model %q", clientModel))
		default:
			writeError(w, protocol, http.StatusInternalServerError, "internal_error", "routing failed")
		}
		return
	}

	var upBody []byte
	if dec.Provider.IsAnthropic() {
		upBody, err = wire.BuildAnthropic(payload, dec.Model)
	} else {
		upBody, err = wire.BuildOpenAIChat(payload, dec.Model, dec.Provider.Type)
	}
	if err != nil {
		writeError(w, protocol, http.StatusInternalServerError, "internal_error", "request translation failed")
		return
	}

	st := &requestState{
		p:             p,
		id:            uuid.Must(uuid.NewV7()).String(),
		start:         time.Now(),
		endpoint:      endpointID,
		protocol:      protocol,
		stream:        payload.Stream,
		clientModel:   dec.ClientModel,
		provider:      dec.Provider.ID,
		model:         dec.Model,
		sessionID:     payload.SessionID,
		key:           key,
		inputEstimate: inputEstimate,
		prompt:        string(body),
	}
	p.active.Add(1)
	p.metrics.ActiveRequests.Inc()

	upstreamStart := time.Now()
	resp, err := p.conn.Send(ctx, dec.Provider, p.cfg.DecryptProviderKey(dec.Provider), upBody, payload.Stream)
	if err != nil {
		st.finalize(ctx, http.StatusBadGateway, gateway.Usage{InputTokens: inputEstimate}, nil, err.Error(), "")
		writeError(w, protocol, http.StatusBadGateway, "upstream_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()
	p.metrics.UpstreamDuration.WithLabelValues(dec.Provider.ID, dec.Model).
		Observe(time.Since(upstreamStart).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.metrics.UpstreamErrors.WithLabelValues(dec.Provider.ID, strconv.Itoa(resp.StatusCode)).Inc()
		apiErr := provider.ReadError(dec.Provider.ID, resp)
		st.finalize(ctx, resp.StatusCode, gateway.Usage{InputTokens: inputEstimate}, nil, apiErr.Error(), "")
		relayUpstreamError(w, resp, apiErr)
		return
	}

	if payload.Stream {
		p.relayStream(ctx, w, st, dec, resp)
	} else {
		p.relayJSON(ctx, w, st, dec, resp)
	}
}

// relayJSON buffers a non-streaming upstream response, translates it to the
// client protocol, and finalizes.
func (p *Pipeline) relayJSON(ctx context.Context, w http.ResponseWriter, st *requestState, dec *Decision, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		st.finalize(ctx, http.StatusBadGateway, gateway.Usage{InputTokens: st.inputEstimate}, nil, err.Error(), "")
		writeError(w, st.protocol, http.StatusBadGateway, "upstream_error", "upstream read failed")
		return
	}
	if len(body) == 0 {
		st.finalize(ctx, http.StatusInternalServerError, gateway.Usage{InputTokens: st.inputEstimate}, nil,
			gateway.ErrUpstreamEmpty.Error(), "")
		writeError(w, st.protocol, http.StatusInternalServerError, "upstream_error", "empty upstream response")
		return
	}

	out, usage, outputText, err := translateResponse(st.protocol, dec.Provider.IsAnthropic(), body, dec.ClientModel)
	if err != nil {
		st.finalize(ctx, http.StatusInternalServerError, usage, nil, err.Error(), "")
		writeError(w, st.protocol, http.StatusInternalServerError, "internal_error", "response translation failed")
		return
	}

	if usage.InputTokens == 0 {
		usage.InputTokens = st.inputEstimate
	}
	if usage.OutputTokens == 0 && outputText != "" {
		usage.OutputTokens = tokencount.EstimateText(outputText)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(out) //nolint:errcheck

	st.finalize(ctx, resp.StatusCode, usage, nil, "", string(out))
}

// translateResponse converts a buffered upstream JSON body to the client
// protocol and extracts usage plus the assistant text.
func translateResponse(protocol string, upstreamAnthropic bool, body []byte, model string) ([]byte, gateway.Usage, string, error) {
	switch protocol {
	case gateway.ProtocolAnthropic:
		if upstreamAnthropic {
			return body, wire.SniffAnthropicUsage(body), wire.OutputTextFromAnthropic(body), nil
		}
		out, usage, err := wire.AnthropicFromOpenAI(body, model)
		return out, usage, wire.OutputTextFromOpenAI(body), err

	case gateway.ProtocolOpenAIChat:
		if upstreamAnthropic {
			out, usage, err := wire.OpenAIFromAnthropic(body, model)
			return out, usage, wire.OutputTextFromAnthropic(body), err
		}
		return body, wire.SniffOpenAIUsage(body), wire.OutputTextFromOpenAI(body), nil

	case gateway.ProtocolOpenAIResponses:
		chat := body
		if upstreamAnthropic {
			var err error
			chat, _, err = wire.OpenAIFromAnthropic(body, model)
			if err != nil {
				return nil, gateway.Usage{}, "", err
			}
		}
		out, usage, err := wire.ResponsesFromOpenAI(chat, model)
		return out, usage, wire.OutputTextFromOpenAI(chat), err

	default:
		return nil, gateway.Usage{}, "", fmt.Errorf("unknown protocol %q", protocol)
	}
}

// requestState carries per-request accounting into the finalize step.
type requestState struct {
	p             *Pipeline
	id            string
	start         time.Time
	endpoint      string
	protocol      string
	stream        bool
	clientModel   string
	provider      string
	model         string
	sessionID     string
	key           *gateway.APIKey
	inputEstimate int
	prompt        string

	done atomic.Bool
}

// finalize persists the log row, rolls the request into the daily metric,
// and bumps the key counters. Idempotent: client disconnect and normal
// completion may race to call it, only the first wins.
func (st *requestState) finalize(ctx context.Context, status int, usage gateway.Usage, firstTokenAt *time.Time, errMsg, responseText string) {
	if !st.done.CompareAndSwap(false, true) {
		return
	}
	p := st.p
	p.active.Add(-1)
	p.metrics.ActiveRequests.Dec()

	latency := time.Since(st.start).Milliseconds()
	log := &gateway.RequestLog{
		ID:           st.id,
		Timestamp:    st.start.UTC(),
		SessionID:    st.sessionID,
		Endpoint:     st.endpoint,
		Provider:     st.provider,
		Model:        st.model,
		ClientModel:  st.clientModel,
		Stream:       st.stream,
		LatencyMs:    latency,
		StatusCode:   status,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CachedTokens: usage.CachedTokens,
		Error:        errMsg,
	}
	if st.key != nil {
		log.APIKeyID = st.key.ID
		log.APIKeyName = st.key.Name
		log.APIKeyMasked = st.key.Masked()
	}

	if firstTokenAt != nil && !firstTokenAt.IsZero() {
		ttft := firstTokenAt.Sub(st.start).Milliseconds()
		log.TTFTMs = &ttft
		p.metrics.TTFT.WithLabelValues(st.provider, st.model).Observe(float64(ttft) / 1000)
		if usage.OutputTokens > 0 {
			tpot := round2(float64(latency-ttft) / float64(usage.OutputTokens))
			log.TPOTMs = &tpot
		}
	} else if !st.stream && usage.OutputTokens > 0 {
		tpot := round2(float64(latency) / float64(usage.OutputTokens))
		log.TPOTMs = &tpot
	}

	p.metrics.RequestsTotal.WithLabelValues(st.endpoint, st.provider, strconv.Itoa(status)).Inc()
	p.metrics.RequestDuration.WithLabelValues(st.endpoint, st.provider).Observe(float64(latency) / 1000)
	p.metrics.TokensProcessed.WithLabelValues(st.model, "input").Add(float64(usage.InputTokens))
	p.metrics.TokensProcessed.WithLabelValues(st.model, "output").Add(float64(usage.OutputTokens))

	// Persistence outlives a canceled client connection.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.store.InsertLog(ctx, log); err != nil {
		p.log.LogAttrs(ctx, slog.LevelError, "insert request log failed",
			slog.String("requestId", st.id), slog.String("error", err.Error()))
	}

	if err := p.store.AddDailyMetric(ctx, &gateway.DailyMetric{
		Date:              st.start.UTC().Format("2006-01-02"),
		Endpoint:          st.endpoint,
		RequestCount:      1,
		TotalInputTokens:  int64(usage.InputTokens),
		TotalOutputTokens: int64(usage.OutputTokens),
		TotalLatencyMs:    latency,
	}); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "daily metric upsert failed",
			slog.String("error", err.Error()))
	}

	if st.key != nil {
		p.keys.RecordUsage(ctx, st.key.ID, usage)
	}

	cfg := p.cfg.Get()
	prompt, response := "", ""
	if cfg.StoreRequest() {
		prompt = st.prompt
	}
	if cfg.StoreResponse() {
		response = responseText
	}
	if prompt != "" || response != "" {
		if err := p.store.UpsertPayload(ctx, st.id, prompt, response); err != nil {
			p.log.LogAttrs(ctx, slog.LevelWarn, "payload upsert failed",
				slog.String("requestId", st.id), slog.String("error", err.Error()))
		}
	}

	p.log.LogAttrs(ctx, slog.LevelInfo, "request finalized",
		slog.String("requestId", st.id),
		slog.String("endpoint", st.endpoint),
		slog.String("provider", st.provider),
		slog.String("model", st.model),
		slog.Int("status", status),
		slog.Int64("latencyMs", latency),
		slog.Int("inputTokens", usage.InputTokens),
		slog.Int("outputTokens", usage.OutputTokens),
		slog.Bool("stream", st.stream),
	)
}

// parseRequest dispatches the body to the protocol's request adapter.
func parseRequest(protocol string, body []byte) (*gateway.Payload, string, error) {
	switch protocol {
	case gateway.ProtocolAnthropic:
		return wire.ParseAnthropic(body)
	case gateway.ProtocolOpenAIChat:
		return wire.ParseOpenAIChat(body)
	case gateway.ProtocolOpenAIResponses:
		return wire.ParseResponses(body)
	default:
		return nil, "", fmt.Errorf("%w: unknown protocol %q", gateway.ErrBadRequest, protocol)
	}
}

// relayUpstreamError forwards an upstream non-2xx verbatim.
func relayUpstreamError(w http.ResponseWriter, resp *http.Response, apiErr *provider.APIError) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, apiErr.Body) //nolint:errcheck
}

// writeError emits the protocol's error envelope.
func writeError(w http.ResponseWriter, protocol string, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var body []byte
	if protocol == gateway.ProtocolAnthropic {
		body, _ = json.Marshal(map[string]any{
			"type":  "error",
			"error": map[string]string{"type": kind, "message": msg},
		})
	} else {
		body, _ = json.Marshal(map[string]any{
			"error": map[string]string{"type": kind, "message": msg},
		})
	}
	w.Write(body) //nolint:errcheck
}

// round2 keeps per-token latencies at two decimal places in the log row.
func round2(v float64) float64 { return math.Round(v*100) / 100 }

// authErrorCode maps an auth failure onto its wire error code.
func authErrorCode(err error) string {
	switch {
	case errors.Is(err, gateway.ErrKeyMissing):
		return "missing"
	case errors.Is(err, gateway.ErrKeyDisabled):
		return "disabled"
	case errors.Is(err, gateway.ErrKeyForbidden):
		return "forbidden"
	default:
		return "invalid_api_key"
	}
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, gateway.ErrKeyMissing):
		return "missing"
	case errors.Is(err, gateway.ErrKeyInvalid):
		return "invalid"
	case errors.Is(err, gateway.ErrKeyDisabled):
		return "disabled"
	case errors.Is(err, gateway.ErrKeyForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

// clientIP extracts the caller address, honoring X-Forwarded-For.
func clientIP(r *http.Request) string {
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

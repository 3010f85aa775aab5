package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gateway "github.com/ccgw-io/ccgw/internal"
	"github.com/ccgw-io/ccgw/internal/tokencount"
	"github.com/ccgw-io/ccgw/internal/wire"
)

// statusClientClosed marks a disconnect in the log row; the client never
// sees it.
const statusClientClosed = 499

// streamStats is what every translator and sniffer exposes for accounting.
type streamStats interface {
	Usage() gateway.Usage
	HasUsage() bool
	OutputText() string
	FirstTokenAt() time.Time
}

// relayStream forwards an upstream SSE body to the client, translating
// between wire formats as needed, then finalizes the request.
func (p *Pipeline) relayStream(ctx context.Context, w http.ResponseWriter, st *requestState, dec *Decision, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		st.finalize(ctx, http.StatusInternalServerError, gateway.Usage{InputTokens: st.inputEstimate}, nil,
			"response writer does not support streaming", "")
		writeError(w, st.protocol, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &sseWriter{w: w, flusher: flusher}
	scanner := wire.NewScanner(resp.Body)
	upstreamAnthropic := dec.Provider.IsAnthropic()

	var stats streamStats
	var sawData bool

	switch {
	case st.protocol == gateway.ProtocolAnthropic && upstreamAnthropic:
		sn := wire.NewAnthropicSniffer()
		stats = sn
		sawData = relayNamedPassthrough(scanner, sw, sn.Observe)

	case st.protocol == gateway.ProtocolAnthropic:
		tr := wire.NewAnthropicStream(dec.ClientModel, st.inputEstimate)
		stats = tr
		sawData = relayOpenAIUpstream(scanner, func(data []byte, done bool) {
			if done {
				sw.writeEvents(tr.Finish())
				return
			}
			sw.writeEvents(tr.Feed(data))
		})

	case st.protocol == gateway.ProtocolOpenAIChat && upstreamAnthropic:
		cs := wire.NewOpenAIChunkStream(dec.ClientModel)
		stats = cs
		sawData = relayAnthropicUpstream(scanner, func(ev wire.Event) {
			sw.writeChunks(cs.Feed(ev))
		})
		// Terminator chunks are only owed after a clean upstream EOF; a
		// truncated stream stays partial on the client side.
		if scanner.Err() == nil && !sw.failed {
			sw.writeChunks(cs.Finish())
			sw.writeDone()
		}

	case st.protocol == gateway.ProtocolOpenAIChat:
		sn := wire.NewOpenAISniffer()
		stats = sn
		sawData = relayChunkPassthrough(scanner, sw, sn.Observe)

	case st.protocol == gateway.ProtocolOpenAIResponses && upstreamAnthropic:
		cs := wire.NewOpenAIChunkStream(dec.ClientModel)
		rs := wire.NewResponsesStream(dec.ClientModel)
		stats = rs
		sawData = relayAnthropicUpstream(scanner, func(ev wire.Event) {
			for _, chunk := range cs.Feed(ev) {
				sw.writeEvents(rs.Feed(chunk))
			}
		})
		// The trailing usage chunk from cs carries the token counts into rs.
		// Like the chat path, nothing terminal is written after a truncated
		// upstream.
		if scanner.Err() == nil && !sw.failed {
			for _, chunk := range cs.Finish() {
				sw.writeEvents(rs.Feed(chunk))
			}
			sw.writeEvents(rs.Finish())
		}

	case st.protocol == gateway.ProtocolOpenAIResponses:
		rs := wire.NewResponsesStream(dec.ClientModel)
		stats = rs
		sawData = relayOpenAIUpstream(scanner, func(data []byte, done bool) {
			if done {
				sw.writeEvents(rs.Finish())
				return
			}
			sw.writeEvents(rs.Feed(data))
		})
	}

	// Empty 2xx stream with no events at all.
	if !sawData && scanner.Err() == nil && !sw.failed {
		st.finalize(ctx, http.StatusInternalServerError, gateway.Usage{InputTokens: st.inputEstimate}, nil,
			gateway.ErrUpstreamEmpty.Error(), "")
		return
	}

	usage := stats.Usage()
	if usage.InputTokens == 0 {
		usage.InputTokens = st.inputEstimate
	}
	if !stats.HasUsage() && stats.OutputText() != "" {
		usage.OutputTokens = tokencount.EstimateText(stats.OutputText())
	}

	var firstToken *time.Time
	if t := stats.FirstTokenAt(); !t.IsZero() {
		firstToken = &t
	}

	status := http.StatusOK
	errMsg := ""
	switch {
	case sw.failed:
		status = statusClientClosed
		errMsg = "client disconnected"
	case scanner.Err() != nil:
		errMsg = fmt.Sprintf("upstream read: %v", scanner.Err())
	case ctx.Err() != nil:
		status = statusClientClosed
		errMsg = "client disconnected"
	}

	st.finalize(ctx, status, usage, firstToken, errMsg, stats.OutputText())
}

// relayOpenAIUpstream scans an OpenAI chunk stream and hands each data
// payload (or the [DONE] sentinel) to fn. Reports whether any data arrived.
func relayOpenAIUpstream(scanner *bufio.Scanner, fn func(data []byte, done bool)) bool {
	sawData := false
	for scanner.Scan() {
		_, data, ok := wire.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		sawData = true
		if data == "[DONE]" {
			fn(nil, true)
			return true
		}
		fn([]byte(data), false)
	}
	return sawData
}

// relayAnthropicUpstream assembles named Anthropic SSE events and hands each
// to fn. Reports whether any event arrived.
func relayAnthropicUpstream(scanner *bufio.Scanner, fn func(ev wire.Event)) bool {
	sawData := false
	pending := ""
	for scanner.Scan() {
		name, data, ok := wire.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if name != "" {
			pending = name
			continue
		}
		sawData = true
		fn(wire.Event{Name: pending, Data: []byte(data)})
		pending = ""
	}
	return sawData
}

// relayNamedPassthrough forwards an Anthropic stream verbatim while
// observing data payloads.
func relayNamedPassthrough(scanner *bufio.Scanner, sw *sseWriter, observe func([]byte)) bool {
	sawData := false
	pending := ""
	for scanner.Scan() {
		name, data, ok := wire.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if name != "" {
			pending = name
			continue
		}
		sawData = true
		observe([]byte(data))
		sw.writeEvents([]wire.Event{{Name: pending, Data: []byte(data)}})
		pending = ""
		if sw.failed {
			break
		}
	}
	return sawData
}

// relayChunkPassthrough forwards an OpenAI chunk stream verbatim, including
// the [DONE] sentinel, while observing payloads.
func relayChunkPassthrough(scanner *bufio.Scanner, sw *sseWriter, observe func([]byte)) bool {
	sawData := false
	for scanner.Scan() {
		_, data, ok := wire.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		sawData = true
		if data == "[DONE]" {
			sw.writeDone()
			return true
		}
		observe([]byte(data))
		sw.writeChunks([][]byte{[]byte(data)})
		if sw.failed {
			break
		}
	}
	return sawData
}

// sseWriter frames events for the client and remembers write failures so
// the relay loops can stop early on disconnect.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	failed  bool
}

func (s *sseWriter) writeEvents(events []wire.Event) {
	if s.failed {
		return
	}
	for _, ev := range events {
		if ev.Name != "" {
			if _, err := fmt.Fprintf(s.w, "event: %s\n", ev.Name); err != nil {
				s.failed = true
				return
			}
		}
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Data); err != nil {
			s.failed = true
			return
		}
	}
	if len(events) > 0 {
		s.flusher.Flush()
	}
}

func (s *sseWriter) writeChunks(chunks [][]byte) {
	if s.failed {
		return
	}
	for _, chunk := range chunks {
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", chunk); err != nil {
			s.failed = true
			return
		}
	}
	if len(chunks) > 0 {
		s.flusher.Flush()
	}
}

func (s *sseWriter) writeDone() {
	if s.failed {
		return
	}
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}

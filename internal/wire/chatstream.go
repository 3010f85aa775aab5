package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// OpenAIChunkStream converts Anthropic Messages SSE events into OpenAI Chat
// Completions chunks. Each returned slice element is one chunk body; the
// caller frames it as an SSE data line and appends [DONE] after Finish.
type OpenAIChunkStream struct {
	id      string
	model   string
	created int64

	started    bool
	finished   bool
	toolIndex  map[int]int // Anthropic block index -> OpenAI tool_calls index
	toolCount  int
	blockTypes map[int]string

	stopReason string

	usage    gateway.Usage
	hasUsage bool

	outputText   strings.Builder
	firstTokenAt time.Time
}

// NewOpenAIChunkStream returns a translator for one streaming request.
func NewOpenAIChunkStream(model string) *OpenAIChunkStream {
	return &OpenAIChunkStream{
		id:         "chatcmpl-" + strings.TrimPrefix(newMessageID(), "msg_"),
		model:      model,
		created:    time.Now().Unix(),
		toolIndex:  make(map[int]int),
		blockTypes: make(map[int]string),
	}
}

// Feed consumes one Anthropic SSE event and returns zero or more OpenAI
// chunk bodies.
func (s *OpenAIChunkStream) Feed(ev Event) [][]byte {
	data := gjson.ParseBytes(ev.Data)
	name := ev.Name
	if name == "" {
		name = data.Get("type").String()
	}

	switch name {
	case "message_start":
		msg := data.Get("message")
		if id := msg.Get("id").String(); id != "" {
			s.id = "chatcmpl-" + strings.TrimPrefix(id, "msg_")
		}
		if m := msg.Get("model").String(); m != "" {
			s.model = m
		}
		s.usage.InputTokens = int(msg.Get("usage.input_tokens").Int())
		s.usage.CachedTokens = int(msg.Get("usage.cache_read_input_tokens").Int())
		s.started = true
		return [][]byte{s.chunk(map[string]any{"role": "assistant", "content": ""}, nil)}

	case "content_block_start":
		idx := int(data.Get("index").Int())
		block := data.Get("content_block")
		s.blockTypes[idx] = block.Get("type").String()
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		oi := s.toolCount
		s.toolCount++
		s.toolIndex[idx] = oi
		s.markFirstToken()
		return [][]byte{s.chunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index": oi,
				"id":    block.Get("id").String(),
				"type":  "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": "",
				},
			}},
		}, nil)}

	case "content_block_delta":
		idx := int(data.Get("index").Int())
		delta := data.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			text := delta.Get("text").String()
			s.outputText.WriteString(text)
			s.markFirstToken()
			return [][]byte{s.chunk(map[string]any{"content": text}, nil)}
		case "thinking_delta":
			s.markFirstToken()
			return [][]byte{s.chunk(map[string]any{"reasoning_content": delta.Get("thinking").String()}, nil)}
		case "input_json_delta":
			partial := delta.Get("partial_json").String()
			s.outputText.WriteString(partial)
			s.markFirstToken()
			return [][]byte{s.chunk(map[string]any{
				"tool_calls": []map[string]any{{
					"index":    s.toolIndex[idx],
					"function": map[string]any{"arguments": partial},
				}},
			}, nil)}
		}
		return nil

	case "message_delta":
		if sr := data.Get("delta.stop_reason").String(); sr != "" {
			s.stopReason = sr
		}
		if u := data.Get("usage"); u.Exists() {
			if in := u.Get("input_tokens"); in.Exists() && in.Int() > 0 {
				s.usage.InputTokens = int(in.Int())
			}
			s.usage.OutputTokens = int(u.Get("output_tokens").Int())
			s.hasUsage = true
		}
		return nil

	case "message_stop":
		return s.Finish()
	}
	return nil
}

// Finish emits the finish_reason chunk and the trailing usage chunk.
// Idempotent; a message_stop already triggers it.
func (s *OpenAIChunkStream) Finish() [][]byte {
	if s.finished {
		return nil
	}
	s.finished = true

	finish := mapStopReason(s.stopReason)
	out := [][]byte{s.chunk(map[string]any{}, &finish)}

	usage, _ := json.Marshal(map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []any{},
		"usage": map[string]any{
			"prompt_tokens":     s.usage.InputTokens,
			"completion_tokens": s.usage.OutputTokens,
			"total_tokens":      s.usage.InputTokens + s.usage.OutputTokens,
		},
	})
	return append(out, usage)
}

// Usage returns the latest observed token counts.
func (s *OpenAIChunkStream) Usage() gateway.Usage { return s.usage }

// HasUsage reports whether upstream supplied usage numbers.
func (s *OpenAIChunkStream) HasUsage() bool { return s.hasUsage }

// SetOutputEstimate overrides the output count when upstream omitted usage.
func (s *OpenAIChunkStream) SetOutputEstimate(tokens int) { s.usage.OutputTokens = tokens }

// OutputText returns the accumulated assistant text and tool arguments.
func (s *OpenAIChunkStream) OutputText() string { return s.outputText.String() }

// FirstTokenAt returns when the first content delta was seen, or the zero
// time if none was.
func (s *OpenAIChunkStream) FirstTokenAt() time.Time { return s.firstTokenAt }

func (s *OpenAIChunkStream) markFirstToken() {
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = time.Now()
	}
}

func (s *OpenAIChunkStream) chunk(delta map[string]any, finish *string) []byte {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != nil {
		choice["finish_reason"] = *finish
	} else {
		choice["finish_reason"] = nil
	}
	data, _ := json.Marshal(map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{choice},
	})
	return data
}

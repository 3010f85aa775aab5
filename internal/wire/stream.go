package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// streamPhase is the state of the OpenAI -> Anthropic SSE translation.
type streamPhase int

const (
	phaseNotStarted streamPhase = iota
	phaseInTextBlock
	phaseInToolBlock
	phaseClosing
)

// AnthropicStream converts OpenAI Chat Completions SSE chunks into the
// Anthropic Messages event sequence:
//
//	message_start
//	(content_block_start, content_block_delta*, content_block_stop)+
//	message_delta
//	message_stop
//
// State is per-request and never shared. Feed one upstream data payload at
// a time; call Finish on upstream [DONE] or EOF.
type AnthropicStream struct {
	model string
	id    string

	phase      streamPhase
	nextIndex  int                // next Anthropic block index to assign
	openIndex  int                // index of the currently open block
	toolBlocks map[int]*toolBlock // keyed by OpenAI tool_calls index

	started      bool
	toolEmitted  bool
	finishReason string

	usage    gateway.Usage
	hasUsage bool

	outputText   strings.Builder
	firstTokenAt time.Time
}

// NewAnthropicStream returns a translator for one streaming request.
// model is the target model, echoed in message_start; inputEstimate seeds
// input_tokens until upstream usage arrives.
func NewAnthropicStream(model string, inputEstimate int) *AnthropicStream {
	return &AnthropicStream{
		model:      model,
		id:         newMessageID(),
		toolBlocks: make(map[int]*toolBlock),
		usage:      gateway.Usage{InputTokens: inputEstimate},
	}
}

// toolBlock remembers one OpenAI tool call across chunks. The id and name
// arrive only on the first sighting; later argument deltas for the same
// index reuse them if the block has to be reopened.
type toolBlock struct {
	index int // Anthropic block index of the last opening
	id    string
	name  string
}

// Feed consumes one upstream SSE data payload (the JSON after "data: ")
// and returns the Anthropic events to emit, in order.
func (s *AnthropicStream) Feed(data []byte) []Event {
	r := gjson.ParseBytes(data)

	var events []Event
	if !s.started {
		s.started = true
		if id := r.Get("id").String(); id != "" {
			s.id = "msg_" + strings.TrimPrefix(id, "chatcmpl-")
		}
		if m := r.Get("model").String(); m != "" {
			s.model = m
		}
		events = append(events, s.messageStart())
	}

	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		s.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		s.usage.OutputTokens = int(u.Get("completion_tokens").Int())
		s.usage.CachedTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
		s.hasUsage = true
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return events
	}
	if fr := choice.Get("finish_reason").String(); fr != "" {
		s.finishReason = fr
	}
	delta := choice.Get("delta")

	// Reasoning deltas surface as thinking_delta inside the current text
	// block. Both the `reasoning` field and DeepSeek's `reasoning_content`
	// spelling are accepted.
	reasoning := delta.Get("reasoning").String()
	if reasoning == "" {
		reasoning = delta.Get("reasoning_content").String()
	}
	if reasoning != "" {
		events = append(events, s.ensureTextBlock()...)
		events = append(events, s.blockDelta(map[string]any{
			"type": "thinking_delta", "thinking": reasoning,
		}))
		s.markFirstToken()
	}

	if text := delta.Get("content").String(); text != "" {
		events = append(events, s.ensureTextBlock()...)
		events = append(events, s.blockDelta(map[string]any{
			"type": "text_delta", "text": text,
		}))
		s.outputText.WriteString(text)
		s.markFirstToken()
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		events = append(events, s.ensureToolBlock(idx, tc)...)
		if args := tc.Get("function.arguments").String(); args != "" {
			events = append(events, s.blockDelta(map[string]any{
				"type": "input_json_delta", "partial_json": args,
			}))
			s.outputText.WriteString(args)
			s.markFirstToken()
		}
		return true
	})

	return events
}

// Finish closes any open block and emits the terminator events. Safe to
// call once per stream; events after Finish would violate ordering and are
// not produced.
func (s *AnthropicStream) Finish() []Event {
	if s.phase == phaseClosing {
		return nil
	}

	var events []Event
	if !s.started {
		s.started = true
		events = append(events, s.messageStart())
	}
	// A stream that produced no content still emits one empty text block so
	// the event sequence keeps its grammar.
	if s.phase == phaseNotStarted {
		events = append(events, s.openBlock(map[string]any{"type": "text", "text": ""})...)
	}
	events = append(events, s.closeBlock())
	s.phase = phaseClosing

	stopReason := mapFinishReason(s.finishReason)
	if s.toolEmitted {
		stopReason = "tool_use"
	}

	delta, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{
			"input_tokens":  s.usage.InputTokens,
			"output_tokens": s.usage.OutputTokens,
		},
	})
	events = append(events, Event{Name: "message_delta", Data: delta})

	stop, _ := json.Marshal(map[string]any{"type": "message_stop"})
	events = append(events, Event{Name: "message_stop", Data: stop})
	return events
}

// Usage returns the latest observed token counts.
func (s *AnthropicStream) Usage() gateway.Usage { return s.usage }

// HasUsage reports whether upstream supplied usage numbers.
func (s *AnthropicStream) HasUsage() bool { return s.hasUsage }

// SetOutputEstimate overrides the output count when upstream omitted usage.
func (s *AnthropicStream) SetOutputEstimate(tokens int) { s.usage.OutputTokens = tokens }

// OutputText returns the accumulated assistant text and tool arguments.
func (s *AnthropicStream) OutputText() string { return s.outputText.String() }

// FirstTokenAt returns when the first content delta was emitted, or the
// zero time if none was.
func (s *AnthropicStream) FirstTokenAt() time.Time { return s.firstTokenAt }

func (s *AnthropicStream) markFirstToken() {
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = time.Now()
	}
}

func (s *AnthropicStream) messageStart() Event {
	data, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.id,
			"type":          "message",
			"role":          "assistant",
			"model":         s.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  s.usage.InputTokens,
				"output_tokens": 0,
			},
		},
	})
	return Event{Name: "message_start", Data: data}
}

// ensureTextBlock opens a text block if none is open, closing any open tool
// block first.
func (s *AnthropicStream) ensureTextBlock() []Event {
	switch s.phase {
	case phaseInTextBlock:
		return nil
	case phaseInToolBlock:
		events := []Event{s.closeBlock()}
		return append(events, s.openBlock(map[string]any{"type": "text", "text": ""})...)
	default:
		return s.openBlock(map[string]any{"type": "text", "text": ""})
	}
}

// ensureToolBlock opens a tool_use block for the given OpenAI tool index if
// it is not the currently open block.
func (s *AnthropicStream) ensureToolBlock(idx int, tc gjson.Result) []Event {
	tb := s.toolBlocks[idx]
	if tb != nil && s.phase == phaseInToolBlock && s.openIndex == tb.index {
		return nil
	}
	if tb == nil {
		tb = &toolBlock{}
		s.toolBlocks[idx] = tb
	}
	if id := tc.Get("id").String(); id != "" {
		tb.id = id
	}
	if name := tc.Get("function.name").String(); name != "" {
		tb.name = name
	}

	var events []Event
	if s.phase == phaseInTextBlock || s.phase == phaseInToolBlock {
		events = append(events, s.closeBlock())
	}

	s.toolEmitted = true
	tb.index = s.nextIndex
	block := map[string]any{
		"type":  "tool_use",
		"id":    tb.id,
		"name":  tb.name,
		"input": map[string]any{},
	}
	events = append(events, s.openBlock(block)...)
	return events
}

func (s *AnthropicStream) openBlock(block map[string]any) []Event {
	s.openIndex = s.nextIndex
	s.nextIndex++
	if block["type"] == "text" {
		s.phase = phaseInTextBlock
	} else {
		s.phase = phaseInToolBlock
	}
	data, _ := json.Marshal(map[string]any{
		"type":          "content_block_start",
		"index":         s.openIndex,
		"content_block": block,
	})
	return []Event{{Name: "content_block_start", Data: data}}
}

func (s *AnthropicStream) closeBlock() Event {
	data, _ := json.Marshal(map[string]any{
		"type":  "content_block_stop",
		"index": s.openIndex,
	})
	return Event{Name: "content_block_stop", Data: data}
}

func (s *AnthropicStream) blockDelta(delta map[string]any) Event {
	data, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": s.openIndex,
		"delta": delta,
	})
	return Event{Name: "content_block_delta", Data: data}
}

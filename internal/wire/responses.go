package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// responsesRequest is the OpenAI Responses API request body.
type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	Tools           json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	User            string          `json:"user,omitempty"`
}

// ParseResponses converts a Responses API request body into the canonical
// payload. Input items cover messages, function_call and
// function_call_output entries.
func ParseResponses(body []byte) (*gateway.Payload, string, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}

	p := &gateway.Payload{
		System:      req.Instructions,
		Tools:       toolsFromResponses(req.Tools),
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		SessionID:   req.User,
	}

	if len(req.Input) == 0 || string(req.Input) == "null" {
		return p, req.Model, nil
	}

	var text string
	if err := json.Unmarshal(req.Input, &text); err == nil {
		p.Messages = append(p.Messages, gateway.Message{
			Role:   "user",
			Blocks: []gateway.Block{{Type: gateway.BlockText, Text: text}},
		})
		return p, req.Model, nil
	}

	items := gjson.ParseBytes(req.Input)
	if !items.IsArray() {
		return nil, "", fmt.Errorf("%w: malformed input", gateway.ErrBadRequest)
	}
	items.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "function_call":
			input := json.RawMessage(item.Get("arguments").String())
			if !gjson.ValidBytes(input) || len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			p.Messages = append(p.Messages, gateway.Message{
				Role: "assistant",
				Blocks: []gateway.Block{{
					Type:  gateway.BlockToolUse,
					ID:    item.Get("call_id").String(),
					Name:  item.Get("name").String(),
					Input: input,
				}},
			})
		case "function_call_output":
			content, _ := json.Marshal(item.Get("output").String())
			p.Messages = append(p.Messages, gateway.Message{
				Role: "user",
				Blocks: []gateway.Block{{
					Type:    gateway.BlockToolResult,
					ID:      item.Get("call_id").String(),
					Content: content,
				}},
			})
		default:
			role := item.Get("role").String()
			if role == "" {
				return true
			}
			blocks := parseResponsesContent(item.Get("content"))
			if role == "system" || role == "developer" {
				for _, b := range blocks {
					if b.Type == gateway.BlockText {
						if p.System != "" {
							p.System += "\n"
						}
						p.System += b.Text
					}
				}
				return true
			}
			if len(blocks) > 0 {
				p.Messages = append(p.Messages, gateway.Message{Role: role, Blocks: blocks})
			}
		}
		return true
	})

	return p, req.Model, nil
}

// parseResponsesContent flattens a Responses message content value (string
// or typed parts array) into canonical blocks.
func parseResponsesContent(content gjson.Result) []gateway.Block {
	if content.Type == gjson.String {
		return []gateway.Block{{Type: gateway.BlockText, Text: content.String()}}
	}
	var out []gateway.Block
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "input_text", "output_text", "text":
			out = append(out, gateway.Block{Type: gateway.BlockText, Text: part.Get("text").String()})
		case "input_image":
			src, _ := json.Marshal(map[string]any{"url": part.Get("image_url").String()})
			out = append(out, gateway.Block{Type: gateway.BlockImage, Source: src})
		}
		return true
	})
	return out
}

// toolsFromResponses converts the flat Responses tool schema into the Chat
// Completions function shape the rest of the translation layer understands.
// Chat-shaped and Anthropic-shaped definitions pass through.
func toolsFromResponses(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(tools)
	if !parsed.IsArray() {
		return tools
	}
	arr := parsed.Array()
	if len(arr) == 0 {
		return nil
	}
	first := arr[0]
	if first.Get("function").Exists() || first.Get("input_schema").Exists() {
		return tools
	}

	out := []byte(`[]`)
	for i, t := range arr {
		fn := map[string]any{
			"name":        t.Get("name").String(),
			"description": t.Get("description").String(),
		}
		if params := t.Get("parameters"); params.Exists() {
			fn["parameters"] = json.RawMessage(params.Raw)
		}
		entry, _ := json.Marshal(map[string]any{"type": "function", "function": fn})
		out, _ = sjson.SetRawBytes(out, strconv.Itoa(i), entry)
	}
	return out
}

func newResponseID() string {
	return "resp_" + strings.TrimPrefix(newMessageID(), "msg_")
}

// ResponsesFromOpenAI converts a non-streaming Chat Completions response
// into a Responses API response object.
func ResponsesFromOpenAI(data []byte, model string) ([]byte, gateway.Usage, error) {
	result := gjson.ParseBytes(data)
	if m := result.Get("model").String(); m != "" {
		model = m
	}
	choice := result.Get("choices.0")

	var output []map[string]any
	if text := choice.Get("message.content").String(); text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     newMessageID(),
			"status": "completed",
			"role":   "assistant",
			"content": []map[string]any{{
				"type": "output_text", "text": text, "annotations": []any{},
			}},
		})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        "fc_" + strings.TrimPrefix(newMessageID(), "msg_"),
			"status":    "completed",
			"call_id":   tc.Get("id").String(),
			"name":      tc.Get("function.name").String(),
			"arguments": tc.Get("function.arguments").String(),
		})
		return true
	})
	if output == nil {
		output = []map[string]any{}
	}

	usage := gateway.Usage{
		InputTokens:  int(result.Get("usage.prompt_tokens").Int()),
		OutputTokens: int(result.Get("usage.completion_tokens").Int()),
		CachedTokens: int(result.Get("usage.prompt_tokens_details.cached_tokens").Int()),
	}

	out, err := json.Marshal(map[string]any{
		"id":         newResponseID(),
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     "completed",
		"model":      model,
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"total_tokens":  usage.InputTokens + usage.OutputTokens,
		},
	})
	return out, usage, err
}

// responsesItem tracks one in-flight output item of a Responses stream.
type responsesItem struct {
	kind   string // "message" or "function_call"
	id     string
	callID string
	name   string
	text   strings.Builder
	args   strings.Builder
}

// ResponsesStream converts Chat Completions chunks into the Responses API
// event stream. It layers on top of the chunk form, so Anthropic upstreams
// route through OpenAIChunkStream first.
type ResponsesStream struct {
	id      string
	model   string
	created int64

	seq      int
	started  bool
	finished bool

	itemIndex int
	current   *responsesItem
	done      []map[string]any // completed output items for response.completed

	usage    gateway.Usage
	hasUsage bool

	outputText   strings.Builder
	firstTokenAt time.Time
}

// NewResponsesStream returns a translator for one streaming request.
func NewResponsesStream(model string) *ResponsesStream {
	return &ResponsesStream{
		id:      newResponseID(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Feed consumes one Chat Completions chunk body and returns the Responses
// events to emit, in order.
func (s *ResponsesStream) Feed(chunk []byte) []Event {
	r := gjson.ParseBytes(chunk)

	var events []Event
	if !s.started {
		s.started = true
		if m := r.Get("model").String(); m != "" {
			s.model = m
		}
		events = append(events, s.event("response.created", map[string]any{
			"response": s.responseObject("in_progress", nil),
		}))
	}

	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		s.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		s.usage.OutputTokens = int(u.Get("completion_tokens").Int())
		s.usage.CachedTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
		s.hasUsage = true
	}

	delta := r.Get("choices.0.delta")
	if !delta.Exists() {
		return events
	}

	if text := delta.Get("content").String(); text != "" {
		events = append(events, s.ensureMessageItem()...)
		events = append(events, s.event("response.output_text.delta", map[string]any{
			"item_id":       s.current.id,
			"output_index":  s.itemIndex,
			"content_index": 0,
			"delta":         text,
		}))
		s.current.text.WriteString(text)
		s.outputText.WriteString(text)
		s.markFirstToken()
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name").String(); name != "" || tc.Get("id").String() != "" {
			events = append(events, s.openFunctionItem(tc)...)
		}
		if args := tc.Get("function.arguments").String(); args != "" && s.current != nil && s.current.kind == "function_call" {
			events = append(events, s.event("response.function_call_arguments.delta", map[string]any{
				"item_id":      s.current.id,
				"output_index": s.itemIndex,
				"delta":        args,
			}))
			s.current.args.WriteString(args)
			s.outputText.WriteString(args)
			s.markFirstToken()
		}
		return true
	})

	return events
}

// Finish closes the open item and emits response.completed.
func (s *ResponsesStream) Finish() []Event {
	if s.finished {
		return nil
	}
	s.finished = true

	var events []Event
	if !s.started {
		s.started = true
		events = append(events, s.event("response.created", map[string]any{
			"response": s.responseObject("in_progress", nil),
		}))
	}
	events = append(events, s.closeItem()...)
	events = append(events, s.event("response.completed", map[string]any{
		"response": s.responseObject("completed", s.done),
	}))
	return events
}

// Usage returns the latest observed token counts.
func (s *ResponsesStream) Usage() gateway.Usage { return s.usage }

// HasUsage reports whether upstream supplied usage numbers.
func (s *ResponsesStream) HasUsage() bool { return s.hasUsage }

// SetOutputEstimate overrides the output count when upstream omitted usage.
func (s *ResponsesStream) SetOutputEstimate(tokens int) { s.usage.OutputTokens = tokens }

// OutputText returns the accumulated assistant text and tool arguments.
func (s *ResponsesStream) OutputText() string { return s.outputText.String() }

// FirstTokenAt returns when the first content delta was seen, or the zero
// time if none was.
func (s *ResponsesStream) FirstTokenAt() time.Time { return s.firstTokenAt }

func (s *ResponsesStream) markFirstToken() {
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = time.Now()
	}
}

func (s *ResponsesStream) ensureMessageItem() []Event {
	if s.current != nil && s.current.kind == "message" {
		return nil
	}
	events := s.closeItem()
	s.current = &responsesItem{kind: "message", id: newMessageID()}
	events = append(events, s.event("response.output_item.added", map[string]any{
		"output_index": s.itemIndex,
		"item": map[string]any{
			"type": "message", "id": s.current.id, "status": "in_progress",
			"role": "assistant", "content": []any{},
		},
	}))
	events = append(events, s.event("response.content_part.added", map[string]any{
		"item_id":       s.current.id,
		"output_index":  s.itemIndex,
		"content_index": 0,
		"part":          map[string]any{"type": "output_text", "text": "", "annotations": []any{}},
	}))
	return events
}

func (s *ResponsesStream) openFunctionItem(tc gjson.Result) []Event {
	events := s.closeItem()
	s.current = &responsesItem{
		kind:   "function_call",
		id:     "fc_" + strings.TrimPrefix(newMessageID(), "msg_"),
		callID: tc.Get("id").String(),
		name:   tc.Get("function.name").String(),
	}
	events = append(events, s.event("response.output_item.added", map[string]any{
		"output_index": s.itemIndex,
		"item": map[string]any{
			"type": "function_call", "id": s.current.id, "status": "in_progress",
			"call_id": s.current.callID, "name": s.current.name, "arguments": "",
		},
	}))
	return events
}

// closeItem finalizes the current output item, recording it for the final
// response object, and advances the output index.
func (s *ResponsesStream) closeItem() []Event {
	if s.current == nil {
		return nil
	}
	item := s.current
	var events []Event

	switch item.kind {
	case "message":
		text := item.text.String()
		events = append(events, s.event("response.output_text.done", map[string]any{
			"item_id":       item.id,
			"output_index":  s.itemIndex,
			"content_index": 0,
			"text":          text,
		}))
		events = append(events, s.event("response.content_part.done", map[string]any{
			"item_id":       item.id,
			"output_index":  s.itemIndex,
			"content_index": 0,
			"part":          map[string]any{"type": "output_text", "text": text, "annotations": []any{}},
		}))
		full := map[string]any{
			"type": "message", "id": item.id, "status": "completed", "role": "assistant",
			"content": []map[string]any{{"type": "output_text", "text": text, "annotations": []any{}}},
		}
		events = append(events, s.event("response.output_item.done", map[string]any{
			"output_index": s.itemIndex, "item": full,
		}))
		s.done = append(s.done, full)
	case "function_call":
		args := item.args.String()
		if args == "" {
			args = "{}"
		}
		events = append(events, s.event("response.function_call_arguments.done", map[string]any{
			"item_id":      item.id,
			"output_index": s.itemIndex,
			"arguments":    args,
		}))
		full := map[string]any{
			"type": "function_call", "id": item.id, "status": "completed",
			"call_id": item.callID, "name": item.name, "arguments": args,
		}
		events = append(events, s.event("response.output_item.done", map[string]any{
			"output_index": s.itemIndex, "item": full,
		}))
		s.done = append(s.done, full)
	}

	s.current = nil
	s.itemIndex++
	return events
}

func (s *ResponsesStream) responseObject(status string, output []map[string]any) map[string]any {
	if output == nil {
		output = []map[string]any{}
	}
	obj := map[string]any{
		"id":         s.id,
		"object":     "response",
		"created_at": s.created,
		"status":     status,
		"model":      s.model,
		"output":     output,
	}
	if status == "completed" {
		obj["usage"] = map[string]any{
			"input_tokens":  s.usage.InputTokens,
			"output_tokens": s.usage.OutputTokens,
			"total_tokens":  s.usage.InputTokens + s.usage.OutputTokens,
		}
	}
	return obj
}

func (s *ResponsesStream) event(name string, fields map[string]any) Event {
	fields["type"] = name
	fields["sequence_number"] = s.seq
	s.seq++
	data, _ := json.Marshal(fields)
	return Event{Name: name, Data: data}
}

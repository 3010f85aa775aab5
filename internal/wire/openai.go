package wire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// openaiRequest is the OpenAI Chat Completions request body.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMsg     `json:"messages"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	MaxOutput   *int            `json:"max_completion_tokens,omitempty"`
	User        string          `json:"user,omitempty"`
	StreamOpts  json.RawMessage `json:"stream_options,omitempty"`
}

type openaiMsg struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ParseOpenAIChat converts an OpenAI Chat Completions request body into the
// canonical payload.
func ParseOpenAIChat(body []byte) (*gateway.Payload, string, error) {
	var req openaiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}

	p := &gateway.Payload{
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		SessionID:   req.User,
	}
	if p.MaxTokens == nil {
		p.MaxTokens = req.MaxOutput
	}

	for i, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text, err := flattenOpenAIContent(m.Content)
			if err != nil {
				return nil, "", fmt.Errorf("message %d: %w", i, err)
			}
			if p.System != "" {
				p.System += "\n"
			}
			p.System += text
		case "tool":
			// Tool results become tool_result blocks on a user turn.
			p.Messages = append(p.Messages, gateway.Message{
				Role:   "user",
				Blocks: []gateway.Block{{Type: gateway.BlockToolResult, ID: m.ToolCallID, Content: m.Content}},
			})
		default:
			blocks, err := parseOpenAIContent(m.Content)
			if err != nil {
				return nil, "", fmt.Errorf("message %d: %w", i, err)
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !gjson.ValidBytes(input) || len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, gateway.Block{
					Type: gateway.BlockToolUse, ID: tc.ID, Name: tc.Function.Name, Input: input,
				})
			}
			p.Messages = append(p.Messages, gateway.Message{Role: m.Role, Blocks: blocks})
		}
	}

	return p, req.Model, nil
}

// parseOpenAIContent handles content as a plain string or a parts array
// (text / image_url parts).
func parseOpenAIContent(raw json.RawMessage) ([]gateway.Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []gateway.Block{{Type: gateway.BlockText, Text: s}}, nil
	}
	var parts []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		ImageURL json.RawMessage `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: malformed content", gateway.ErrBadRequest)
	}
	var out []gateway.Block
	for _, part := range parts {
		switch part.Type {
		case "text":
			out = append(out, gateway.Block{Type: gateway.BlockText, Text: part.Text})
		case "image_url":
			out = append(out, gateway.Block{Type: gateway.BlockImage, Source: part.ImageURL})
		}
	}
	return out, nil
}

// flattenOpenAIContent reduces a content field to plain text.
func flattenOpenAIContent(raw json.RawMessage) (string, error) {
	blocks, err := parseOpenAIContent(raw)
	if err != nil {
		return "", err
	}
	text := ""
	for _, b := range blocks {
		if b.Type == gateway.BlockText {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}
	return text, nil
}

// BuildOpenAIChat reassembles a canonical payload into an OpenAI Chat
// Completions request body. providerType selects reasoning hints for
// providers with known extensions (deepseek, kimi); others omit them.
func BuildOpenAIChat(p *gateway.Payload, model, providerType string) ([]byte, error) {
	req := openaiRequest{
		Model:       model,
		Tools:       toolsToOpenAI(p.Tools),
		ToolChoice:  toolChoiceToOpenAI(p.ToolChoice),
		Stream:      p.Stream,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		User:        p.SessionID,
	}
	if p.Stream {
		req.StreamOpts = json.RawMessage(`{"include_usage":true}`)
	}

	if p.System != "" {
		sys, _ := json.Marshal(p.System)
		req.Messages = append(req.Messages, openaiMsg{Role: "system", Content: sys})
	}

	for _, m := range p.Messages {
		var text string
		var toolCalls []openaiToolCall
		var toolResults []gateway.Block
		for _, b := range m.Blocks {
			switch b.Type {
			case gateway.BlockText:
				if text != "" {
					text += "\n"
				}
				text += b.Text
			case gateway.BlockToolUse:
				tc := openaiToolCall{ID: b.ID, Type: "function"}
				tc.Function.Name = b.Name
				tc.Function.Arguments = stringifyArguments(b.Input)
				toolCalls = append(toolCalls, tc)
			case gateway.BlockToolResult:
				toolResults = append(toolResults, b)
			case gateway.BlockImage:
				// OpenAI-family upstreams here receive text-only bodies;
				// image sources have no portable representation.
			}
		}

		// Tool results become role:"tool" messages, one per block.
		for _, tr := range toolResults {
			content := flattenToolResult(tr.Content)
			c, _ := json.Marshal(content)
			req.Messages = append(req.Messages, openaiMsg{Role: "tool", ToolCallID: tr.ID, Content: c})
		}

		if text == "" && len(toolCalls) == 0 {
			continue
		}
		msg := openaiMsg{Role: m.Role, ToolCalls: toolCalls}
		if text != "" || len(toolCalls) == 0 {
			c, _ := json.Marshal(text)
			msg.Content = c
		}
		req.Messages = append(req.Messages, msg)
	}

	body, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}

	if p.ThinkingEnabled() {
		switch providerType {
		case gateway.ProviderDeepSeek:
			body, _ = sjson.SetBytes(body, "reasoning", true)
		case gateway.ProviderKimi:
			body, _ = sjson.SetRawBytes(body, "thinking", []byte(`{"type":"enabled"}`))
		}
	}
	return body, nil
}

// stringifyArguments renders a tool input object as the stringified JSON
// OpenAI expects in function.arguments.
func stringifyArguments(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	return string(input)
}

// flattenToolResult reduces an Anthropic tool_result content value (string
// or block array) to plain text for the role:"tool" message.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := ""
	gjson.ParseBytes(raw).ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if text != "" {
				text += "\n"
			}
			text += block.Get("text").String()
		}
		return true
	})
	if text == "" {
		// Non-text result; forward the raw JSON so nothing is lost.
		return string(raw)
	}
	return text
}

// toolsToOpenAI converts tool definitions to the OpenAI function schema.
// Anthropic definitions carry input_schema; OpenAI ones pass through.
func toolsToOpenAI(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(tools)
	if !parsed.IsArray() {
		return tools
	}
	first := parsed.Array()
	if len(first) == 0 {
		return nil
	}
	if first[0].Get("function").Exists() {
		return tools // already OpenAI-shaped
	}

	out := []byte(`[]`)
	for i, t := range first {
		fn := map[string]any{
			"name":        t.Get("name").String(),
			"description": t.Get("description").String(),
		}
		if schema := t.Get("input_schema"); schema.Exists() {
			fn["parameters"] = json.RawMessage(schema.Raw)
		}
		entry, _ := json.Marshal(map[string]any{"type": "function", "function": fn})
		out, _ = sjson.SetRawBytes(out, strconv.Itoa(i), entry)
	}
	return out
}

// toolChoiceToOpenAI maps an Anthropic tool_choice onto the OpenAI form.
// OpenAI-shaped values (strings, {"type":"function",...}) pass through.
func toolChoiceToOpenAI(choice json.RawMessage) json.RawMessage {
	if len(choice) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(choice)
	switch parsed.Get("type").String() {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		out, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": parsed.Get("name").String()},
		})
		return out
	default:
		return choice
	}
}

// toolsToAnthropic is the inverse of toolsToOpenAI: OpenAI function
// definitions become Anthropic tools with input_schema.
func toolsToAnthropic(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(tools)
	if !parsed.IsArray() {
		return tools
	}
	arr := parsed.Array()
	if len(arr) == 0 || !arr[0].Get("function").Exists() {
		return tools // already Anthropic-shaped
	}

	out := []byte(`[]`)
	for i, t := range arr {
		fn := t.Get("function")
		entry := map[string]any{
			"name":        fn.Get("name").String(),
			"description": fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.Exists() {
			entry["input_schema"] = json.RawMessage(params.Raw)
		}
		raw, _ := json.Marshal(entry)
		out, _ = sjson.SetRawBytes(out, strconv.Itoa(i), raw)
	}
	return out
}

// toolChoiceToAnthropic maps an OpenAI tool_choice onto the Anthropic form.
func toolChoiceToAnthropic(choice json.RawMessage) json.RawMessage {
	if len(choice) == 0 {
		return nil
	}
	switch string(choice) {
	case `"auto"`:
		return json.RawMessage(`{"type":"auto"}`)
	case `"required"`:
		return json.RawMessage(`{"type":"any"}`)
	case `"none"`:
		return nil
	}
	parsed := gjson.ParseBytes(choice)
	if name := parsed.Get("function.name"); name.Exists() {
		out, _ := json.Marshal(map[string]any{"type": "tool", "name": name.String()})
		return out
	}
	return choice
}

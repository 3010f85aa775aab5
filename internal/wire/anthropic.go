package wire

import (
	"encoding/json"
	"fmt"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []anthropicMsg  `json:"messages"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    json.RawMessage `json:"thinking,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Metadata    *struct {
		UserID string `json:"user_id,omitempty"`
	} `json:"metadata,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// anthropicBlock covers every content block shape the Messages API accepts.
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    json.RawMessage `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ParseAnthropic converts an Anthropic Messages request body into the
// canonical payload. The requested model is returned separately.
func ParseAnthropic(body []byte) (*gateway.Payload, string, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}

	p := &gateway.Payload{
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
		Thinking:    req.Thinking,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Metadata != nil {
		p.SessionID = req.Metadata.UserID
	}

	system, err := flattenSystem(req.System)
	if err != nil {
		return nil, "", err
	}
	p.System = system

	for i, m := range req.Messages {
		blocks, err := parseAnthropicContent(m.Content)
		if err != nil {
			return nil, "", fmt.Errorf("message %d: %w", i, err)
		}
		p.Messages = append(p.Messages, gateway.Message{Role: m.Role, Blocks: blocks})
	}

	return p, req.Model, nil
}

// flattenSystem accepts the system field as a plain string or an array of
// text blocks and joins it into one string.
func flattenSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("%w: malformed system field", gateway.ErrBadRequest)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out, nil
}

// parseAnthropicContent flattens a content field (string or mixed block
// array) into tagged canonical blocks, preserving tool block identity.
func parseAnthropicContent(raw json.RawMessage) ([]gateway.Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []gateway.Block{{Type: gateway.BlockText, Text: s}}, nil
	}
	var in []anthropicBlock
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: malformed content", gateway.ErrBadRequest)
	}
	out := make([]gateway.Block, 0, len(in))
	for _, b := range in {
		switch b.Type {
		case "text":
			out = append(out, gateway.Block{Type: gateway.BlockText, Text: b.Text})
		case "image":
			out = append(out, gateway.Block{Type: gateway.BlockImage, Source: b.Source})
		case "tool_use":
			out = append(out, gateway.Block{Type: gateway.BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input})
		case "tool_result":
			out = append(out, gateway.Block{Type: gateway.BlockToolResult, ID: b.ToolUseID, Content: b.Content})
		default:
			// Unknown block types (thinking, server_tool_use, ...) are dropped
			// rather than rejected so new API surface degrades gracefully.
		}
	}
	return out, nil
}

// BuildAnthropic reassembles a canonical payload into an Anthropic Messages
// request body for the given target model.
func BuildAnthropic(p *gateway.Payload, model string) ([]byte, error) {
	req := anthropicRequest{
		Model:       model,
		MaxTokens:   p.MaxTokens,
		Tools:       toolsToAnthropic(p.Tools),
		ToolChoice:  toolChoiceToAnthropic(p.ToolChoice),
		Stream:      p.Stream,
		Thinking:    p.Thinking,
		Temperature: p.Temperature,
	}
	if req.MaxTokens == nil {
		// Anthropic requires max_tokens.
		mt := 4096
		req.MaxTokens = &mt
	}
	if p.System != "" {
		sys, _ := json.Marshal(p.System)
		req.System = sys
	}
	if p.SessionID != "" {
		req.Metadata = &struct {
			UserID string `json:"user_id,omitempty"`
		}{UserID: p.SessionID}
	}

	for _, m := range p.Messages {
		content, err := buildAnthropicContent(m.Blocks)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, anthropicMsg{Role: m.Role, Content: content})
	}

	return json.Marshal(&req)
}

func buildAnthropicContent(blocks []gateway.Block) (json.RawMessage, error) {
	out := make([]anthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case gateway.BlockText:
			out = append(out, anthropicBlock{Type: "text", Text: b.Text})
		case gateway.BlockImage:
			out = append(out, anthropicBlock{Type: "image", Source: b.Source})
		case gateway.BlockToolUse:
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out = append(out, anthropicBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: input})
		case gateway.BlockToolResult:
			out = append(out, anthropicBlock{Type: "tool_result", ToolUseID: b.ID, Content: b.Content})
		}
	}
	return json.Marshal(out)
}

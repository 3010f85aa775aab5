package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// mapFinishReason converts OpenAI finish reasons to Anthropic stop reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "":
		return "end_turn"
	default:
		return reason
	}
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// newMessageID mints an Anthropic-style message id.
func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// AnthropicFromOpenAI converts a non-streaming OpenAI Chat Completions JSON
// response into an Anthropic Messages response.
func AnthropicFromOpenAI(data []byte, model string) ([]byte, gateway.Usage, error) {
	result := gjson.ParseBytes(data)

	if m := result.Get("model").String(); m != "" {
		model = m
	}
	choice := result.Get("choices.0")

	var content []map[string]any
	if text := choice.Get("message.content").String(); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		args := tc.Get("function.arguments").String()
		var input json.RawMessage
		if json.Valid([]byte(args)) && args != "" {
			input = json.RawMessage(args)
		} else {
			input = json.RawMessage(`{}`)
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": input,
		})
		return true
	})
	if content == nil {
		content = []map[string]any{}
	}

	usage := gateway.Usage{
		InputTokens:  int(result.Get("usage.prompt_tokens").Int()),
		OutputTokens: int(result.Get("usage.completion_tokens").Int()),
		CachedTokens: int(result.Get("usage.prompt_tokens_details.cached_tokens").Int()),
	}

	id := result.Get("id").String()
	if id == "" {
		id = newMessageID()
	}

	out, err := json.Marshal(map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   mapFinishReason(choice.Get("finish_reason").String()),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})
	return out, usage, err
}

// OpenAIFromAnthropic converts a non-streaming Anthropic Messages JSON
// response into an OpenAI Chat Completions response.
func OpenAIFromAnthropic(data []byte, model string) ([]byte, gateway.Usage, error) {
	result := gjson.ParseBytes(data)

	if m := result.Get("model").String(); m != "" {
		model = m
	}

	var contentText strings.Builder
	var toolCalls []map[string]any
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
		return true
	})

	msg := map[string]any{"role": "assistant", "content": contentText.String()}
	finish := mapStopReason(result.Get("stop_reason").String())
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		if finish == "" {
			finish = "tool_calls"
		}
	}

	usage := gateway.Usage{
		InputTokens:  int(result.Get("usage.input_tokens").Int()),
		OutputTokens: int(result.Get("usage.output_tokens").Int()),
		CachedTokens: int(result.Get("usage.cache_read_input_tokens").Int()),
	}

	out, err := json.Marshal(map[string]any{
		"id":      result.Get("id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	})
	return out, usage, err
}

// SniffOpenAIUsage extracts token counts from an OpenAI JSON response
// relayed verbatim.
func SniffOpenAIUsage(data []byte) gateway.Usage {
	u := gjson.GetBytes(data, "usage")
	return gateway.Usage{
		InputTokens:  int(u.Get("prompt_tokens").Int()),
		OutputTokens: int(u.Get("completion_tokens").Int()),
		CachedTokens: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
	}
}

// SniffAnthropicUsage extracts token counts from an Anthropic JSON response
// relayed verbatim.
func SniffAnthropicUsage(data []byte) gateway.Usage {
	u := gjson.GetBytes(data, "usage")
	return gateway.Usage{
		InputTokens:  int(u.Get("input_tokens").Int()),
		OutputTokens: int(u.Get("output_tokens").Int()),
		CachedTokens: int(u.Get("cache_read_input_tokens").Int()),
	}
}

// OutputTextFromOpenAI returns the assistant text of a non-streaming OpenAI
// response, used to estimate output tokens when usage is absent.
func OutputTextFromOpenAI(data []byte) string {
	return gjson.GetBytes(data, "choices.0.message.content").String()
}

// OutputTextFromAnthropic returns the concatenated text blocks of a
// non-streaming Anthropic response.
func OutputTextFromAnthropic(data []byte) string {
	var b strings.Builder
	gjson.GetBytes(data, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

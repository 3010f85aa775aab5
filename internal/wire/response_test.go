package wire

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestMapFinishReason(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"stop", "end_turn"},
		{"tool_calls", "tool_use"},
		{"length", "max_tokens"},
		{"", "end_turn"},
		{"content_filter", "content_filter"},
	}
	for _, tc := range cases {
		if got := mapFinishReason(tc.in); got != tc.want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
	}
	for _, tc := range cases {
		if got := mapStopReason(tc.in); got != tc.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAnthropicFromOpenAI(t *testing.T) {
	t.Parallel()
	in := []byte(`{
		"id": "chatcmpl-42",
		"model": "gpt-x",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "hello",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "lookup", "arguments": "{\"q\":1}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 3,
			"prompt_tokens_details": {"cached_tokens": 2}}
	}`)

	out, usage, err := AnthropicFromOpenAI(in, "fallback-model")
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("model").String(); got != "gpt-x" {
		t.Errorf("model = %q, want gpt-x (upstream wins)", got)
	}
	if got := r.Get("content.0.type").String(); got != "text" {
		t.Errorf("content.0.type = %q, want text", got)
	}
	if got := r.Get("content.1.type").String(); got != "tool_use" {
		t.Errorf("content.1.type = %q, want tool_use", got)
	}
	if got := r.Get("content.1.input.q").Int(); got != 1 {
		t.Errorf("tool input q = %d, want 1", got)
	}
	if got := r.Get("stop_reason").String(); got != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", got)
	}
	if usage.InputTokens != 7 || usage.OutputTokens != 3 || usage.CachedTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestOpenAIFromAnthropic(t *testing.T) {
	t.Parallel()
	in := []byte(`{
		"id": "msg_01",
		"model": "claude-x",
		"content": [
			{"type": "text", "text": "done"},
			{"type": "tool_use", "id": "toolu_1", "name": "run", "input": {"cmd": "ls"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 11, "output_tokens": 5, "cache_read_input_tokens": 4}
	}`)

	out, usage, err := OpenAIFromAnthropic(in, "fallback")
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
	if got := r.Get("choices.0.message.content").String(); got != "done" {
		t.Errorf("content = %q, want done", got)
	}
	if got := r.Get("choices.0.message.tool_calls.0.function.name").String(); got != "run" {
		t.Errorf("tool name = %q, want run", got)
	}
	if got := r.Get("choices.0.finish_reason").String(); got != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", got)
	}
	if got := r.Get("usage.total_tokens").Int(); got != 16 {
		t.Errorf("total_tokens = %d, want 16", got)
	}
	if usage.InputTokens != 11 || usage.OutputTokens != 5 || usage.CachedTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestSniffUsage(t *testing.T) {
	t.Parallel()
	oai := SniffOpenAIUsage([]byte(`{"usage":{"prompt_tokens":9,"completion_tokens":2}}`))
	if oai.InputTokens != 9 || oai.OutputTokens != 2 {
		t.Errorf("openai usage = %+v", oai)
	}
	ant := SniffAnthropicUsage([]byte(`{"usage":{"input_tokens":5,"output_tokens":8,"cache_read_input_tokens":1}}`))
	if ant.InputTokens != 5 || ant.OutputTokens != 8 || ant.CachedTokens != 1 {
		t.Errorf("anthropic usage = %+v", ant)
	}
}

func TestOutputText(t *testing.T) {
	t.Parallel()
	if got := OutputTextFromOpenAI([]byte(`{"choices":[{"message":{"content":"abc"}}]}`)); got != "abc" {
		t.Errorf("openai text = %q", got)
	}
	in := []byte(`{"content":[{"type":"text","text":"a"},{"type":"tool_use","name":"x"},{"type":"text","text":"b"}]}`)
	if got := OutputTextFromAnthropic(in); got != "ab" {
		t.Errorf("anthropic text = %q, want ab", got)
	}
}

package wire

import (
	"strings"
	"testing"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		line  string
		event string
		data  string
		ok    bool
	}{
		{"data: {\"x\":1}", "", "{\"x\":1}", true},
		{"data:{\"x\":1}", "", "{\"x\":1}", true},
		{"event: message_start", "message_start", "", true},
		{"data: [DONE]", "", "[DONE]", true},
		{": keepalive", "", "", false},
		{"", "", "", false},
		{"retry: 100", "", "", false},
		{"garbage", "", "", false},
	}
	for _, tc := range cases {
		event, data, ok := ParseSSELine(tc.line)
		if event != tc.event || data != tc.data || ok != tc.ok {
			t.Errorf("ParseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, event, data, ok, tc.event, tc.data, tc.ok)
		}
	}
}

func TestNewScannerLongLines(t *testing.T) {
	t.Parallel()
	// Tool argument deltas can exceed the default bufio token size.
	long := "data: " + strings.Repeat("x", 128*1024)
	s := NewScanner(strings.NewReader(long + "\n"))
	if !s.Scan() {
		t.Fatalf("scan failed: %v", s.Err())
	}
	if got := s.Text(); got != long {
		t.Errorf("line truncated: got %d bytes, want %d", len(got), len(long))
	}
}

func TestPassthroughSniffers(t *testing.T) {
	t.Parallel()

	a := NewAnthropicSniffer()
	a.Observe([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":9,"cache_read_input_tokens":2}}}`))
	a.Observe([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hey"}}`))
	a.Observe([]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`))
	if u := a.Usage(); u.InputTokens != 9 || u.OutputTokens != 3 || u.CachedTokens != 2 {
		t.Errorf("anthropic sniffed usage = %+v", u)
	}
	if !a.HasUsage() {
		t.Error("anthropic sniffer should report usage")
	}
	if a.OutputText() != "hey" {
		t.Errorf("anthropic sniffed text = %q", a.OutputText())
	}
	if a.FirstTokenAt().IsZero() {
		t.Error("first token time should be set")
	}

	o := NewOpenAISniffer()
	o.Observe([]byte(`{"choices":[{"index":0,"delta":{"content":"yo"}}]}`))
	o.Observe([]byte(`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":1}}`))
	if u := o.Usage(); u.InputTokens != 5 || u.OutputTokens != 1 {
		t.Errorf("openai sniffed usage = %+v", u)
	}
	if o.OutputText() != "yo" {
		t.Errorf("openai sniffed text = %q", o.OutputText())
	}
}

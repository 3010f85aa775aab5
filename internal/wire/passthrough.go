package wire

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/ccgw-io/ccgw/internal"
)

// Sniffer observes a stream relayed verbatim and reconstructs the usage and
// timing data the log pipeline needs.
type Sniffer interface {
	// Observe consumes one upstream SSE data payload without altering it.
	Observe(data []byte)
	Usage() gateway.Usage
	HasUsage() bool
	OutputText() string
	FirstTokenAt() time.Time
}

// AnthropicSniffer watches an Anthropic Messages event stream.
type AnthropicSniffer struct {
	usage        gateway.Usage
	hasUsage     bool
	outputText   strings.Builder
	firstTokenAt time.Time
}

// NewAnthropicSniffer returns a sniffer for an Anthropic passthrough stream.
func NewAnthropicSniffer() *AnthropicSniffer { return &AnthropicSniffer{} }

func (s *AnthropicSniffer) Observe(data []byte) {
	r := gjson.ParseBytes(data)
	switch r.Get("type").String() {
	case "message_start":
		s.usage.InputTokens = int(r.Get("message.usage.input_tokens").Int())
		s.usage.CachedTokens = int(r.Get("message.usage.cache_read_input_tokens").Int())
	case "content_block_delta":
		delta := r.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			s.outputText.WriteString(delta.Get("text").String())
			s.markFirstToken()
		case "input_json_delta":
			s.outputText.WriteString(delta.Get("partial_json").String())
			s.markFirstToken()
		case "thinking_delta":
			s.markFirstToken()
		}
	case "message_delta":
		if u := r.Get("usage"); u.Exists() {
			if in := u.Get("input_tokens"); in.Exists() && in.Int() > 0 {
				s.usage.InputTokens = int(in.Int())
			}
			s.usage.OutputTokens = int(u.Get("output_tokens").Int())
			s.hasUsage = true
		}
	}
}

func (s *AnthropicSniffer) Usage() gateway.Usage    { return s.usage }
func (s *AnthropicSniffer) HasUsage() bool          { return s.hasUsage }
func (s *AnthropicSniffer) OutputText() string      { return s.outputText.String() }
func (s *AnthropicSniffer) FirstTokenAt() time.Time { return s.firstTokenAt }

func (s *AnthropicSniffer) markFirstToken() {
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = time.Now()
	}
}

// OpenAISniffer watches an OpenAI Chat Completions chunk stream.
type OpenAISniffer struct {
	usage        gateway.Usage
	hasUsage     bool
	outputText   strings.Builder
	firstTokenAt time.Time
}

// NewOpenAISniffer returns a sniffer for an OpenAI passthrough stream.
func NewOpenAISniffer() *OpenAISniffer { return &OpenAISniffer{} }

func (s *OpenAISniffer) Observe(data []byte) {
	r := gjson.ParseBytes(data)
	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		s.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		s.usage.OutputTokens = int(u.Get("completion_tokens").Int())
		s.usage.CachedTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
		s.hasUsage = true
	}
	delta := r.Get("choices.0.delta")
	if !delta.Exists() {
		return
	}
	if text := delta.Get("content").String(); text != "" {
		s.outputText.WriteString(text)
		s.markFirstToken()
	}
	if delta.Get("reasoning").Exists() || delta.Get("reasoning_content").Exists() {
		s.markFirstToken()
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if args := tc.Get("function.arguments").String(); args != "" {
			s.outputText.WriteString(args)
		}
		s.markFirstToken()
		return true
	})
}

func (s *OpenAISniffer) Usage() gateway.Usage    { return s.usage }
func (s *OpenAISniffer) HasUsage() bool          { return s.hasUsage }
func (s *OpenAISniffer) OutputText() string      { return s.outputText.String() }
func (s *OpenAISniffer) FirstTokenAt() time.Time { return s.firstTokenAt }

func (s *OpenAISniffer) markFirstToken() {
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = time.Now()
	}
}

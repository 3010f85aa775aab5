// Package wire translates between the Anthropic and OpenAI message formats
// and the gateway's canonical payload, for both JSON bodies and SSE streams.
package wire

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1 << 20 // 1MB per SSE line; tool argument deltas can run long

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false (comment)
//	""                -> ok=false (empty)
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// Event is one SSE frame emitted to the client. Name is empty for the
// OpenAI data-only framing and set for the Anthropic/Responses named-event
// framing.
type Event struct {
	Name string
	Data []byte
}

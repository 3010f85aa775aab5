// Package tokencount estimates token counts for routing decisions and for
// usage accounting when upstream omits usage fields. Uses a character-based
// heuristic (~4 bytes per token for English), which is sufficient for
// long-context thresholds and log records.
package tokencount

import (
	gateway "github.com/ccgw-io/ccgw/internal"
)

// messageOverhead is the per-message framing cost (role, separators).
const messageOverhead = 4

// EstimatePayload estimates the input token count for a canonical payload.
// Computed once per request and reused by the router and the log record.
func EstimatePayload(p *gateway.Payload) int {
	total := estimateTokens(p.System)
	for _, m := range p.Messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		for _, b := range m.Blocks {
			switch b.Type {
			case gateway.BlockText:
				total += estimateTokens(b.Text)
			case gateway.BlockToolUse:
				total += estimateTokens(b.Name) + estimateBytes(b.Input)
			case gateway.BlockToolResult:
				total += estimateBytes(b.Content)
			case gateway.BlockImage:
				// Flat charge; images are opaque to the heuristic.
				total += 768
			}
		}
	}
	total += estimateBytes(p.Tools)
	total += 3 // reply priming
	return max(total, 1)
}

// EstimateText estimates tokens for accumulated output text.
func EstimateText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 characters per token heuristic with ceil
// division.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

func estimateBytes(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return (len(b) + 3) / 4
}

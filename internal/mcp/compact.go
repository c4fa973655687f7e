package mcp

import (
	"encoding/json"
	"strings"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// maxCompactPayload bounds how much of an agent's payload is inlined in a
// tool response. Larger payloads are truncated and returned as text.
const maxCompactPayload = 8 * 1024

const maxCompactError = 300

// compactResult returns a minimal representation of an agent result for MCP
// responses. Row bookkeeping (result id, query id, start time) is dropped and
// a JSON payload is embedded as structured data instead of an escaped string.
func compactResult(r model.AgentResult) map[string]any {
	m := map[string]any{
		"agent":             r.AgentName,
		"status":            r.Status,
		"execution_time_ms": r.ExecutionTimeMs,
	}
	if r.ErrorMessage != nil && *r.ErrorMessage != "" {
		m["error"] = truncate(*r.ErrorMessage, maxCompactError)
	}
	if r.ResultData != nil && *r.ResultData != "" {
		m["data"] = compactPayload(*r.ResultData)
	}
	return m
}

func compactResults(rs []model.AgentResult) []map[string]any {
	out := make([]map[string]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, compactResult(r))
	}
	return out
}

// compactPayload embeds valid JSON as-is when it is small enough, and falls
// back to a truncated string otherwise.
func compactPayload(payload string) any {
	if len(payload) <= maxCompactPayload && json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	return truncate(payload, maxCompactPayload)
}

// resultSummary counts agent outcomes for a query.
type resultSummary struct {
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Cancelled int      `json:"cancelled"`
	Running   int      `json:"running"`
	Failures  []string `json:"failed_agents,omitempty"`
}

func summarize(rs []model.AgentResult) resultSummary {
	var s resultSummary
	for _, r := range rs {
		switch r.Status {
		case model.AgentCompleted:
			s.Completed++
		case model.AgentFailed:
			s.Failed++
			s.Failures = append(s.Failures, r.AgentName)
		case model.AgentCancelled:
			s.Cancelled++
		default:
			s.Running++
		}
	}
	return s
}

// truncate shortens s to at most n bytes, cutting at a rune boundary and
// marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " ") + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

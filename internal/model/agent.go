package model

import "time"

// AgentStatus is the state of one agent's execution within a query.
type AgentStatus string

const (
	AgentPending    AgentStatus = "PENDING"
	AgentProcessing AgentStatus = "PROCESSING"
	AgentCompleted  AgentStatus = "COMPLETED"
	AgentFailed     AgentStatus = "FAILED"
	AgentCancelled  AgentStatus = "CANCELLED"
)

// DisplayName returns the human-readable label shown in progress views.
func (s AgentStatus) DisplayName() string {
	switch s {
	case AgentPending:
		return "Pending"
	case AgentProcessing:
		return "Processing"
	case AgentCompleted:
		return "Completed"
	case AgentFailed:
		return "Failed"
	case AgentCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}

// IsTerminal reports whether s is a final state for an agent result row.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentCancelled
}

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentPending, AgentProcessing, AgentCompleted, AgentFailed, AgentCancelled:
		return true
	}
	return false
}

// AgentResult is the persisted record of one agent's execution within one query.
// The row is created as PROCESSING before the agent runs and mutated in place.
type AgentResult struct {
	ID              int64       `json:"id"`
	QueryID         int64       `json:"query_id"`
	AgentName       string      `json:"agent_name"`
	Status          AgentStatus `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
	ResultData      *string     `json:"result_data,omitempty"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
}

// Terminal returns the update that moves the stored row to r's final state.
func (r AgentResult) Terminal() TerminalUpdate {
	var completedAt time.Time
	if r.CompletedAt != nil {
		completedAt = *r.CompletedAt
	}
	return TerminalUpdate{
		Status:          r.Status,
		CompletedAt:     completedAt,
		ExecutionTimeMs: r.ExecutionTimeMs,
		ResultData:      r.ResultData,
		ErrorMessage:    r.ErrorMessage,
	}
}

// TerminalUpdate carries the fields written when an agent result reaches a
// final state. Exactly one of ResultData and ErrorMessage is normally set.
type TerminalUpdate struct {
	Status          AgentStatus
	CompletedAt     time.Time
	ExecutionTimeMs int64
	ResultData      *string
	ErrorMessage    *string
}

// AgentInfo describes a registered agent for listings.
type AgentInfo struct {
	Name                string   `json:"name"`
	Priority            int      `json:"priority"`
	EstimatedDurationMs int64    `json:"estimated_duration_ms"`
	AvgExecutionTimeMs  *float64 `json:"avg_execution_time_ms,omitempty"`
}

// PipelineInfo summarises the registered agent pipeline.
type PipelineInfo struct {
	Agents                   []AgentInfo `json:"agents"`
	AgentCount               int         `json:"agent_count"`
	TotalEstimatedDurationMs int64       `json:"total_estimated_duration_ms"`
}

package bodhiq

import "time"

// QueryStatus is the lifecycle state of a query.
type QueryStatus string

const (
	QueryPending    QueryStatus = "PENDING"
	QueryProcessing QueryStatus = "PROCESSING"
	QueryCompleted  QueryStatus = "COMPLETED"
	QueryFailed     QueryStatus = "FAILED"
)

// AgentStatus is the state of one agent's execution.
type AgentStatus string

const (
	AgentPending    AgentStatus = "PENDING"
	AgentProcessing AgentStatus = "PROCESSING"
	AgentCompleted  AgentStatus = "COMPLETED"
	AgentFailed     AgentStatus = "FAILED"
	AgentCancelled  AgentStatus = "CANCELLED"
)

// Query is one analysis request for a molecule.
type Query struct {
	ID          int64       `json:"id"`
	UserID      string      `json:"user_id"`
	QueryText   string      `json:"query_text"`
	Molecule    string      `json:"molecule"`
	Status      QueryStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// AgentResult is the stored outcome of one agent for one query.
// ResultData holds the agent's JSON document.
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

// AgentUpdate is one progress event from a running pipeline.
type AgentUpdate struct {
	AgentName    string       `json:"agent_name"`
	Status       AgentStatus  `json:"status"`
	Progress     int          `json:"progress"`
	Result       *AgentResult `json:"result,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// CreateQueryRequest creates a query. Molecule is optional; when empty the
// server detects it from QueryText.
type CreateQueryRequest struct {
	QueryText string `json:"query_text"`
	Molecule  string `json:"molecule,omitempty"`
}

// ListOptions filters and pages ListQueries.
type ListOptions struct {
	Status   QueryStatus
	Molecule string
	Search   string
	Limit    int
	Offset   int
}

// QueryList is one page of queries.
type QueryList struct {
	Queries []Query
	Limit   int
	Offset  int
	HasMore bool
}

// ExecuteResponse acknowledges a pipeline start or cancel.
type ExecuteResponse struct {
	QueryID     int64       `json:"query_id"`
	Status      QueryStatus `json:"status"`
	ProgressURL string      `json:"progress_url,omitempty"`
}

// QueryStatistics summarises the caller's queries.
type QueryStatistics struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Processing  int     `json:"processing"`
	SuccessRate float64 `json:"success_rate"`
}

// AgentInfo describes one registered agent.
type AgentInfo struct {
	Name                string   `json:"name"`
	Priority            int      `json:"priority"`
	EstimatedDurationMs int64    `json:"estimated_duration_ms"`
	AvgExecutionTimeMs  *float64 `json:"avg_execution_time_ms,omitempty"`
}

// PipelineInfo describes the registered pipeline.
type PipelineInfo struct {
	Agents                   []AgentInfo `json:"agents"`
	AgentCount               int         `json:"agent_count"`
	TotalEstimatedDurationMs int64       `json:"total_estimated_duration_ms"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Store           string `json:"store"`
	StoreStatus     string `json:"store_status"`
	ActiveQueries   int    `json:"active_queries"`
	ProgressStreams int    `json:"progress_streams"`
	Relay           string `json:"relay,omitempty"`
	Uptime          int64  `json:"uptime_seconds"`
}

// Done is the final event of a progress stream.
type Done struct {
	QueryID int64       `json:"query_id"`
	Status  QueryStatus `json:"status"`
}

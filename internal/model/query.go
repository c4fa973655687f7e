// Package model defines the core domain types for bodhiq.
//
// Types correspond to the queries and agent_results tables and to the
// progress events streamed to clients. Statuses are string enums so they
// round-trip through JSON and SQL unchanged.
package model

import "time"

// QueryStatus is the lifecycle state of a Query.
type QueryStatus string

const (
	QueryPending    QueryStatus = "PENDING"
	QueryProcessing QueryStatus = "PROCESSING"
	QueryCompleted  QueryStatus = "COMPLETED"
	QueryFailed     QueryStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s QueryStatus) IsTerminal() bool {
	return s == QueryCompleted || s == QueryFailed
}

// Valid reports whether s is one of the known query statuses.
func (s QueryStatus) Valid() bool {
	switch s {
	case QueryPending, QueryProcessing, QueryCompleted, QueryFailed:
		return true
	}
	return false
}

// Predecessors returns the statuses a query may be in immediately before
// moving to s. Transitions are monotonic: PENDING -> PROCESSING ->
// COMPLETED|FAILED. A PENDING query may also fail directly when the
// pipeline cannot be started.
func (s QueryStatus) Predecessors() []QueryStatus {
	switch s {
	case QueryProcessing:
		return []QueryStatus{QueryPending}
	case QueryCompleted:
		return []QueryStatus{QueryProcessing}
	case QueryFailed:
		return []QueryStatus{QueryPending, QueryProcessing}
	default:
		return nil
	}
}

// CanTransitionTo reports whether a query in state s may move to next.
func (s QueryStatus) CanTransitionTo(next QueryStatus) bool {
	for _, p := range next.Predecessors() {
		if p == s {
			return true
		}
	}
	return false
}

// Query is one user-initiated analysis request for a molecule.
type Query struct {
	ID          int64       `json:"id"`
	UserID      string      `json:"user_id"`
	QueryText   string      `json:"query_text"`
	Molecule    string      `json:"molecule"`
	Status      QueryStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// QueryFilter narrows a query listing. Zero-value fields are ignored.
type QueryFilter struct {
	UserID   string
	Status   QueryStatus
	Molecule string
	Search   string // case-insensitive match on query text or molecule
	Limit    int
	Offset   int
}

// DefaultQueryLimit is applied when a QueryFilter has no positive Limit.
const DefaultQueryLimit = 50

// EffectiveLimit returns f.Limit, or DefaultQueryLimit when unset.
func (f QueryFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}

// QueryStatistics aggregates query outcomes for a user or the whole system.
type QueryStatistics struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Processing  int     `json:"processing"`
	SuccessRate float64 `json:"success_rate"`
}

// NewQueryStatistics builds statistics and derives the success rate as a
// percentage of completed over total. An empty set has a rate of zero.
func NewQueryStatistics(total, completed, failed, processing int) QueryStatistics {
	s := QueryStatistics{
		Total:      total,
		Completed:  completed,
		Failed:     failed,
		Processing: processing,
	}
	if total > 0 {
		s.SuccessRate = float64(completed) / float64(total) * 100
	}
	return s
}

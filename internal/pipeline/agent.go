// Package pipeline runs registered analysis agents for a molecule in
// priority order, persisting one result row per agent and streaming
// progress updates as each agent starts and finishes.
package pipeline

import (
	"context"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// Agent fetches or derives one slice of data for a molecule.
//
// Execute returns an opaque payload (JSON by convention). A returned error,
// an empty payload, or a panic are all treated as a failed attempt.
// Implementations should return promptly once ctx is done.
type Agent interface {
	Name() string
	Priority() int
	EstimatedDurationMs() int64
	Execute(ctx context.Context, molecule string, queryID int64) (string, error)
}

// ResultStore persists agent result rows. InsertProcessing must be durable
// before it returns since the agent starts running right after.
type ResultStore interface {
	InsertProcessing(ctx context.Context, queryID int64, agentName string, startedAt time.Time) (int64, error)
	UpdateTerminal(ctx context.Context, resultID int64, u model.TerminalUpdate) error
}

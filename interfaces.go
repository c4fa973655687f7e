package bodhiq

import "context"

// Agent fetches or derives one slice of data for a molecule. Agents run one
// at a time in ascending Priority order; ties keep registration order.
//
// Execute returns an opaque payload, JSON by convention. A returned error, an
// empty payload or a panic fails the attempt, which the execution policy may
// retry. Implementations should return promptly once ctx is done.
type Agent interface {
	Name() string
	Priority() int
	EstimatedDurationMs() int64
	Execute(ctx context.Context, molecule string, queryID int64) (string, error)
}

package storage

import (
	"context"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// Store is the persistence surface shared by the Postgres and SQLite
// backends.
type Store interface {
	CreateQuery(ctx context.Context, q model.Query) (model.Query, error)
	GetQuery(ctx context.Context, id int64) (model.Query, error)
	UpdateQueryStatus(ctx context.Context, id int64, status model.QueryStatus) error
	ListQueries(ctx context.Context, f model.QueryFilter) ([]model.Query, error)
	DeleteQuery(ctx context.Context, id int64) error
	QueryStatistics(ctx context.Context, userID string) (model.QueryStatistics, error)

	InsertProcessing(ctx context.Context, queryID int64, agentName string, startedAt time.Time) (int64, error)
	UpdateTerminal(ctx context.Context, resultID int64, u model.TerminalUpdate) error
	ResultsByQuery(ctx context.Context, queryID int64) ([]model.AgentResult, error)
	ResultByQueryAndAgent(ctx context.Context, queryID int64, agentName string) (model.AgentResult, error)
	ResultsByStatus(ctx context.Context, status model.AgentStatus, limit int) ([]model.AgentResult, error)
	ResultsByAgent(ctx context.Context, agentName string, limit int) ([]model.AgentResult, error)
	CountResults(ctx context.Context, queryID int64) (int, error)
	CountResultsByStatus(ctx context.Context, queryID int64, status model.AgentStatus) (int, error)
	AverageExecutionTimes(ctx context.Context) (map[string]float64, error)
	DeleteResults(ctx context.Context, queryID int64) (int64, error)

	Ping(ctx context.Context) error
	Name() string
	Close(ctx context.Context)
}

var _ Store = (*DB)(nil)

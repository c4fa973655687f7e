package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

const resultColumns = `id, query_id, agent_name, status, started_at, completed_at,
	execution_time_ms, result_data, error_message`

// InsertProcessing creates the PROCESSING row for an agent about to run and
// returns its ID. The row is committed when this returns.
func (db *DB) InsertProcessing(ctx context.Context, queryID int64, agentName string, startedAt time.Time) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO agent_results (query_id, agent_name, status, started_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		queryID, agentName, string(model.AgentProcessing), startedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: insert processing result: %w", err)
	}
	return id, nil
}

// UpdateTerminal writes an agent result's final state. Repeating the same
// update leaves the row unchanged; a later update overwrites an earlier one.
func (db *DB) UpdateTerminal(ctx context.Context, resultID int64, u model.TerminalUpdate) error {
	var affected int64
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE agent_results
			 SET status = $1, completed_at = $2, execution_time_ms = $3,
			     result_data = $4, error_message = $5
			 WHERE id = $6`,
			string(u.Status), u.CompletedAt.UTC(), u.ExecutionTimeMs,
			u.ResultData, u.ErrorMessage, resultID,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update terminal result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("storage: agent result %d: %w", resultID, ErrNotFound)
	}
	return nil
}

// ResultsByQuery returns a query's agent results in start order.
func (db *DB) ResultsByQuery(ctx context.Context, queryID int64) ([]model.AgentResult, error) {
	return db.listResults(ctx, "results by query",
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE query_id = $1 ORDER BY started_at, id`, queryID)
}

// ResultByQueryAndAgent returns the most recent result for one agent of a query.
func (db *DB) ResultByQueryAndAgent(ctx context.Context, queryID int64, agentName string) (model.AgentResult, error) {
	r, err := scanResult(db.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE query_id = $1 AND agent_name = $2
		 ORDER BY started_at DESC, id DESC LIMIT 1`, queryID, agentName,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentResult{}, fmt.Errorf("storage: result for %s in query %d: %w", agentName, queryID, ErrNotFound)
		}
		return model.AgentResult{}, fmt.Errorf("storage: result by query and agent: %w", err)
	}
	return r, nil
}

// ResultsByStatus returns the most recent results in status.
func (db *DB) ResultsByStatus(ctx context.Context, status model.AgentStatus, limit int) ([]model.AgentResult, error) {
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	return db.listResults(ctx, "results by status",
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE status = $1 ORDER BY started_at DESC, id DESC LIMIT $2`, string(status), limit)
}

// ResultsByAgent returns the most recent results produced by agentName.
func (db *DB) ResultsByAgent(ctx context.Context, agentName string, limit int) ([]model.AgentResult, error) {
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	return db.listResults(ctx, "results by agent",
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE agent_name = $1 ORDER BY started_at DESC, id DESC LIMIT $2`, agentName, limit)
}

// CountResults returns the number of result rows for a query.
func (db *DB) CountResults(ctx context.Context, queryID int64) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_results WHERE query_id = $1`, queryID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count results: %w", err)
	}
	return n, nil
}

// CountResultsByStatus returns the number of a query's results in status.
func (db *DB) CountResultsByStatus(ctx context.Context, queryID int64, status model.AgentStatus) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_results WHERE query_id = $1 AND status = $2`, queryID, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count results by status: %w", err)
	}
	return n, nil
}

// AverageExecutionTimes returns the mean execution time in milliseconds of
// completed results, keyed by agent name.
func (db *DB) AverageExecutionTimes(ctx context.Context) (map[string]float64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_name, AVG(execution_time_ms)::float8
		 FROM agent_results WHERE status = 'COMPLETED'
		 GROUP BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: average execution times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var avg float64
		if err := rows.Scan(&name, &avg); err != nil {
			return nil, fmt.Errorf("storage: scan average: %w", err)
		}
		out[name] = avg
	}
	return out, rows.Err()
}

// DeleteResults removes all results of a query and returns how many were deleted.
func (db *DB) DeleteResults(ctx context.Context, queryID int64) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_results WHERE query_id = $1`, queryID)
	if err != nil {
		return 0, fmt.Errorf("storage: delete results: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) listResults(ctx context.Context, op, sql string, args ...any) ([]model.AgentResult, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", op, err)
	}
	defer rows.Close()

	var out []model.AgentResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanResult(row pgx.Row) (model.AgentResult, error) {
	var r model.AgentResult
	err := row.Scan(&r.ID, &r.QueryID, &r.AgentName, &r.Status, &r.StartedAt, &r.CompletedAt,
		&r.ExecutionTimeMs, &r.ResultData, &r.ErrorMessage)
	return r, err
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
)

const resultColumns = `id, query_id, agent_name, status, started_at, completed_at,
	execution_time_ms, result_data, error_message`

// InsertProcessing creates the PROCESSING row for an agent about to run and
// returns its ID.
func (s *Store) InsertProcessing(ctx context.Context, queryID int64, agentName string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_results (query_id, agent_name, status, started_at)
		 VALUES (?, ?, ?, ?)`,
		queryID, agentName, string(model.AgentProcessing), toMillis(startedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert processing result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert processing result: %w", err)
	}
	return id, nil
}

// UpdateTerminal writes an agent result's final state, overwriting any
// earlier terminal write.
func (s *Store) UpdateTerminal(ctx context.Context, resultID int64, u model.TerminalUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_results
		 SET status = ?, completed_at = ?, execution_time_ms = ?,
		     result_data = ?, error_message = ?
		 WHERE id = ?`,
		string(u.Status), toMillis(u.CompletedAt), u.ExecutionTimeMs,
		u.ResultData, u.ErrorMessage, resultID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update terminal result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: agent result %d: %w", resultID, storage.ErrNotFound)
	}
	return nil
}

// ResultsByQuery returns a query's agent results in start order.
func (s *Store) ResultsByQuery(ctx context.Context, queryID int64) ([]model.AgentResult, error) {
	return s.listResults(ctx, "results by query",
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE query_id = ? ORDER BY started_at, id`, queryID)
}

// ResultByQueryAndAgent returns the most recent result for one agent of a query.
func (s *Store) ResultByQueryAndAgent(ctx context.Context, queryID int64, agentName string) (model.AgentResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE query_id = ? AND agent_name = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`, queryID, agentName,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentResult{}, fmt.Errorf("sqlite: result for %s in query %d: %w", agentName, queryID, storage.ErrNotFound)
		}
		return model.AgentResult{}, fmt.Errorf("sqlite: result by query and agent: %w", err)
	}
	return r, nil
}

// ResultsByStatus returns the most recent results in status.
func (s *Store) ResultsByStatus(ctx context.Context, status model.AgentStatus, limit int) ([]model.AgentResult, error) {
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	return s.listResults(ctx, "results by status",
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT ?`, string(status), limit)
}

// ResultsByAgent returns the most recent results produced by agentName.
func (s *Store) ResultsByAgent(ctx context.Context, agentName string, limit int) ([]model.AgentResult, error) {
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	return s.listResults(ctx, "results by agent",
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE agent_name = ? ORDER BY started_at DESC, id DESC LIMIT ?`, agentName, limit)
}

// CountResults returns the number of result rows for a query.
func (s *Store) CountResults(ctx context.Context, queryID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_results WHERE query_id = ?`, queryID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count results: %w", err)
	}
	return n, nil
}

// CountResultsByStatus returns the number of a query's results in status.
func (s *Store) CountResultsByStatus(ctx context.Context, queryID int64, status model.AgentStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_results WHERE query_id = ? AND status = ?`, queryID, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count results by status: %w", err)
	}
	return n, nil
}

// AverageExecutionTimes returns the mean execution time in milliseconds of
// completed results, keyed by agent name.
func (s *Store) AverageExecutionTimes(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, AVG(execution_time_ms)
		 FROM agent_results WHERE status = 'COMPLETED'
		 GROUP BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: average execution times: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var avg float64
		if err := rows.Scan(&name, &avg); err != nil {
			return nil, fmt.Errorf("sqlite: scan average: %w", err)
		}
		out[name] = avg
	}
	return out, rows.Err()
}

// DeleteResults removes all results of a query and returns how many were deleted.
func (s *Store) DeleteResults(ctx context.Context, queryID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_results WHERE query_id = ?`, queryID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete results: %w", err)
	}
	return n, nil
}

func (s *Store) listResults(ctx context.Context, op, q string, args ...any) ([]model.AgentResult, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AgentResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanResult(row rowScanner) (model.AgentResult, error) {
	var (
		r           model.AgentResult
		startedAt   int64
		completedAt sql.NullInt64
		data, msg   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.QueryID, &r.AgentName, &r.Status, &startedAt, &completedAt,
		&r.ExecutionTimeMs, &data, &msg); err != nil {
		return model.AgentResult{}, err
	}
	r.StartedAt = fromMillis(startedAt)
	r.CompletedAt = nullableTime(completedAt)
	r.ResultData = nullableString(data)
	r.ErrorMessage = nullableString(msg)
	return r, nil
}

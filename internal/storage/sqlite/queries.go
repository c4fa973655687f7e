package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
)

const queryColumns = `id, user_id, query_text, molecule, status, created_at, completed_at`

// CreateQuery inserts a PENDING query and returns it with its ID and
// creation time filled in.
func (s *Store) CreateQuery(ctx context.Context, q model.Query) (model.Query, error) {
	q.Status = model.QueryPending
	q.CreatedAt = fromMillis(toMillis(time.Now()))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queries (user_id, query_text, molecule, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		q.UserID, q.QueryText, q.Molecule, string(q.Status), toMillis(q.CreatedAt),
	)
	if err != nil {
		return model.Query{}, fmt.Errorf("sqlite: create query: %w", err)
	}
	if q.ID, err = res.LastInsertId(); err != nil {
		return model.Query{}, fmt.Errorf("sqlite: create query: %w", err)
	}
	return q, nil
}

// GetQuery retrieves a query by ID.
func (s *Store) GetQuery(ctx context.Context, id int64) (model.Query, error) {
	q, err := scanQuery(s.db.QueryRowContext(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Query{}, fmt.Errorf("sqlite: query %d: %w", id, storage.ErrNotFound)
		}
		return model.Query{}, fmt.Errorf("sqlite: get query: %w", err)
	}
	return q, nil
}

// UpdateQueryStatus moves a query to status from one of its allowed
// predecessors. Terminal statuses stamp completed_at.
func (s *Store) UpdateQueryStatus(ctx context.Context, id int64, status model.QueryStatus) error {
	preds := status.Predecessors()
	if len(preds) == 0 {
		return fmt.Errorf("sqlite: update query %d to %s: %w", id, status, storage.ErrInvalidTransition)
	}
	args := []any{string(status)}
	var completedAt sql.NullInt64
	if status.IsTerminal() {
		completedAt = sql.NullInt64{Int64: toMillis(time.Now()), Valid: true}
	}
	args = append(args, completedAt, id)
	marks := make([]string, len(preds))
	for i, p := range preds {
		marks[i] = "?"
		args = append(args, string(p))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE queries
		 SET status = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND status IN (`+strings.Join(marks, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update query status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update query status: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetQuery(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("sqlite: update query %d to %s: %w", id, status, storage.ErrInvalidTransition)
	}
	return nil
}

// ListQueries returns queries matching f, newest first.
func (s *Store) ListQueries(ctx context.Context, f model.QueryFilter) ([]model.Query, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Molecule != "" {
		where = append(where, "molecule = ? COLLATE NOCASE")
		args = append(args, f.Molecule)
	}
	if f.Search != "" {
		p := "%" + escapeLike(f.Search) + "%"
		where = append(where, `(query_text LIKE ? ESCAPE '\' OR molecule LIKE ? ESCAPE '\')`)
		args = append(args, p, p)
	}

	q := `SELECT ` + queryColumns + ` FROM queries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.EffectiveLimit(), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list queries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteQuery deletes a query and, through the foreign key cascade, its
// agent results.
func (s *Store) DeleteQuery(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete query: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: query %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// QueryStatistics aggregates query outcomes for userID, or for every user
// when userID is empty.
func (s *Store) QueryStatistics(ctx context.Context, userID string) (model.QueryStatistics, error) {
	var total, completed, failed, processing int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(status = 'COMPLETED'), 0),
		        COALESCE(SUM(status = 'FAILED'), 0),
		        COALESCE(SUM(status = 'PROCESSING'), 0)
		 FROM queries
		 WHERE ? = '' OR user_id = ?`, userID, userID,
	).Scan(&total, &completed, &failed, &processing)
	if err != nil {
		return model.QueryStatistics{}, fmt.Errorf("sqlite: query statistics: %w", err)
	}
	return model.NewQueryStatistics(total, completed, failed, processing), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuery(row rowScanner) (model.Query, error) {
	var (
		q           model.Query
		createdAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&q.ID, &q.UserID, &q.QueryText, &q.Molecule, &q.Status, &createdAt, &completedAt); err != nil {
		return model.Query{}, err
	}
	q.CreatedAt = fromMillis(createdAt)
	q.CompletedAt = nullableTime(completedAt)
	return q, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

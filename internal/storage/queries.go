package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

const queryColumns = `id, user_id, query_text, molecule, status, created_at, completed_at`

// CreateQuery inserts a PENDING query and returns it with its ID and
// creation time filled in.
func (db *DB) CreateQuery(ctx context.Context, q model.Query) (model.Query, error) {
	q.Status = model.QueryPending
	err := db.pool.QueryRow(ctx,
		`INSERT INTO queries (user_id, query_text, molecule, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		q.UserID, q.QueryText, q.Molecule, string(q.Status),
	).Scan(&q.ID, &q.CreatedAt)
	if err != nil {
		return model.Query{}, fmt.Errorf("storage: create query: %w", err)
	}
	return q, nil
}

// GetQuery retrieves a query by ID.
func (db *DB) GetQuery(ctx context.Context, id int64) (model.Query, error) {
	q, err := scanQuery(db.pool.QueryRow(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Query{}, fmt.Errorf("storage: query %d: %w", id, ErrNotFound)
		}
		return model.Query{}, fmt.Errorf("storage: get query: %w", err)
	}
	return q, nil
}

// UpdateQueryStatus moves a query to status. The update only applies from
// one of the status's allowed predecessors, so concurrent writers cannot
// move a query backwards. Terminal statuses stamp completed_at.
func (db *DB) UpdateQueryStatus(ctx context.Context, id int64, status model.QueryStatus) error {
	preds := status.Predecessors()
	if len(preds) == 0 {
		return fmt.Errorf("storage: update query %d to %s: %w", id, status, ErrInvalidTransition)
	}
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}

	var affected int64
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE queries
			 SET status = $1,
			     completed_at = CASE WHEN $2 THEN now() ELSE completed_at END
			 WHERE id = $3 AND status = ANY($4)`,
			string(status), status.IsTerminal(), id, from,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update query status: %w", err)
	}
	if affected == 0 {
		if _, err := db.GetQuery(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("storage: update query %d to %s: %w", id, status, ErrInvalidTransition)
	}
	return nil
}

// ListQueries returns queries matching f, newest first.
func (db *DB) ListQueries(ctx context.Context, f model.QueryFilter) ([]model.Query, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Molecule != "" {
		where = append(where, "lower(molecule) = lower("+arg(f.Molecule)+")")
	}
	if f.Search != "" {
		p := arg("%" + escapeLike(f.Search) + "%")
		where = append(where, "(query_text ILIKE "+p+" OR molecule ILIKE "+p+")")
	}

	sql := `SELECT ` + queryColumns + ` FROM queries`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at DESC, id DESC LIMIT " + arg(f.EffectiveLimit()) + " OFFSET " + arg(max(f.Offset, 0))

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list queries: %w", err)
	}
	defer rows.Close()

	var out []model.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteQuery deletes a query. Its agent results are removed by the
// foreign key cascade.
func (db *DB) DeleteQuery(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM queries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: query %d: %w", id, ErrNotFound)
	}
	return nil
}

// QueryStatistics aggregates query outcomes for userID, or for every user
// when userID is empty.
func (db *DB) QueryStatistics(ctx context.Context, userID string) (model.QueryStatistics, error) {
	var total, completed, failed, processing int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'COMPLETED'),
		        COUNT(*) FILTER (WHERE status = 'FAILED'),
		        COUNT(*) FILTER (WHERE status = 'PROCESSING')
		 FROM queries
		 WHERE $1 = '' OR user_id = $1`, userID,
	).Scan(&total, &completed, &failed, &processing)
	if err != nil {
		return model.QueryStatistics{}, fmt.Errorf("storage: query statistics: %w", err)
	}
	return model.NewQueryStatistics(total, completed, failed, processing), nil
}

func scanQuery(row pgx.Row) (model.Query, error) {
	var q model.Query
	err := row.Scan(&q.ID, &q.UserID, &q.QueryText, &q.Molecule, &q.Status, &q.CreatedAt, &q.CompletedAt)
	return q, err
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Create validates n and inserts it in the queued status.
func (s *Store) Create(ctx context.Context, n NewModel) (ManagedModel, error) {
	if err := n.Validate(); err != nil {
		return ManagedModel{}, err
	}
	defs, err := json.Marshal(n.Definitions)
	if err != nil {
		return ManagedModel{}, fmt.Errorf("encode definitions: %w", err)
	}
	now := s.stamp()
	created := now
	if !n.CreatedAt.IsZero() {
		created = n.CreatedAt.UTC().UnixNano()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO managed_models (group_name, definitions, proxy_target, daily_request_limit, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.GroupName, string(defs), n.ProxyTarget, n.DailyRequestLimit, StatusQueued, created, now,
	)
	if err != nil {
		return ManagedModel{}, fmt.Errorf("insert managed model: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ManagedModel{}, fmt.Errorf("insert managed model: %w", err)
	}
	return s.Get(ctx, id)
}

// Get returns one managed model by id.
func (s *Store) Get(ctx context.Context, id int64) (ManagedModel, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, id int64) (ManagedModel, error) {
	var row modelRow
	if err := sqlx.GetContext(ctx, q, &row, selectModel+` WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ManagedModel{}, ErrNotFound
		}
		return ManagedModel{}, fmt.Errorf("get managed model: %w", err)
	}
	return row.toModel()
}

// List returns managed models in promotion order (created_at, then id),
// optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]ManagedModel, error) {
	query := selectModel
	var args []any
	if len(statuses) > 0 {
		q, a, err := sqlx.In(selectModel+` WHERE status IN (?)`, statuses)
		if err != nil {
			return nil, fmt.Errorf("list managed models: %w", err)
		}
		query, args = s.db.Rebind(q), a
	}
	query += ` ORDER BY created_at ASC, id ASC`

	var rows []modelRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list managed models: %w", err)
	}
	out := make([]ManagedModel, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Counts returns the number of models per status. Missing statuses are zero.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM managed_models GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count managed models: %w", err)
	}
	defer rows.Close()
	out := map[Status]int{StatusQueued: 0, StatusActive: 0, StatusExhausted: 0, StatusArchived: 0}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// CompareAndSetStatus moves a model from one status to another. It returns
// ErrStatusConflict if the model is not currently in from.
func (s *Store) CompareAndSetStatus(ctx context.Context, id int64, from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidModel, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE managed_models SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, s.stamp(), id, from,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkExhausted moves an active model to exhausted.
func (s *Store) MarkExhausted(ctx context.Context, id int64) error {
	return s.CompareAndSetStatus(ctx, id, StatusActive, StatusExhausted)
}

// Promote sets a model active with its routing ids. The model must be in one
// of from (any non-active status when from is empty). When maxActive > 0 the
// update only applies while fewer than maxActive models are active; the check
// and the write are one statement, so two promoters cannot both take the
// last slot.
func (s *Store) Promote(ctx context.Context, id int64, routingIDs []string, maxActive int, from ...Status) error {
	if len(from) == 0 {
		from = []Status{StatusQueued, StatusExhausted, StatusArchived}
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	defer tx.Rollback()

	q, args, err := sqlx.In(
		`UPDATE managed_models SET status = ?, routing_ids = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status IN (?)
		   AND (? <= 0 OR (SELECT COUNT(*) FROM managed_models WHERE status = ?) < ?)`,
		StatusActive, encodeIDs(routingIDs), s.stamp(), id, from, maxActive, StatusActive, maxActive,
	)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	if n == 0 {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !statusIn(cur.Status, from) {
			return ErrStatusConflict
		}
		return ErrCapacityExhausted
	}
	return tx.Commit()
}

func statusIn(st Status, set []Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// SetRequestsToday refreshes the cached usage. The cache never decreases;
// only ResetRequestsToday lowers it.
func (s *Store) SetRequestsToday(ctx context.Context, id int64, n int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE managed_models SET requests_today = MAX(requests_today, ?), updated_at = ? WHERE id = ?`,
		n, s.stamp(), id,
	)
	if err != nil {
		return fmt.Errorf("update requests today: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// ResetRequestsToday zeroes every cached usage counter (daily job).
func (s *Store) ResetRequestsToday(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE managed_models SET requests_today = 0, updated_at = ?`, s.stamp())
	if err != nil {
		return 0, fmt.Errorf("reset requests today: %w", err)
	}
	return res.RowsAffected()
}

// Requeue moves every model in from back to queued and returns the count.
func (s *Store) Requeue(ctx context.Context, from Status) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE managed_models SET status = ?, routing_ids = '[]', updated_at = ? WHERE status = ?`,
		StatusQueued, s.stamp(), from,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}
	return res.RowsAffected()
}

// BindProxy records the running proxy process of a model.
func (s *Store) BindProxy(ctx context.Context, id int64, handle string, port int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE managed_models SET proxy_handle = ?, proxy_port = ?, updated_at = ? WHERE id = ?`,
		handle, port, s.stamp(), id,
	)
	if err != nil {
		return fmt.Errorf("bind proxy: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// UnbindProxy clears the proxy reference of a model.
func (s *Store) UnbindProxy(ctx context.Context, id int64) error {
	return s.BindProxy(ctx, id, "", 0)
}

// ClearRouting empties the routing ids of a model.
func (s *Store) ClearRouting(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE managed_models SET routing_ids = '[]', updated_at = ? WHERE id = ?`, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("clear routing ids: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// RecordError stores the latest activation diagnostics for a model.
func (s *Store) RecordError(ctx context.Context, id int64, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE managed_models SET last_error = ?, updated_at = ? WHERE id = ?`, msg, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// Delete removes a managed model row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM managed_models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete managed model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete managed model: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// checkAffected turns a zero-row update into ErrNotFound or ErrStatusConflict.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

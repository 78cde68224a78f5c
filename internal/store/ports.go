package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// LeasePort returns the port leased to owner, leasing the lowest free port in
// [start, end] when owner has none. Leases are durable, so the same owner gets
// the same port back after a restart, and every process sharing the database
// draws from one allocator.
func (s *Store) LeasePort(ctx context.Context, owner string, start, end int) (int, error) {
	if start <= 0 || end < start {
		return 0, fmt.Errorf("lease port: invalid range %d-%d", start, end)
	}
	// A concurrent leaser in another process can take the same gap; the
	// unique constraint rejects the second insert and we retry.
	for attempt := 0; attempt < 5; attempt++ {
		port, err := s.leaseOnce(ctx, owner, start, end)
		if err == nil || !isUniqueViolation(err) {
			return port, err
		}
	}
	return 0, fmt.Errorf("lease port for %s: too much contention", owner)
}

func (s *Store) leaseOnce(ctx context.Context, owner string, start, end int) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("lease port: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.GetContext(ctx, &existing, `SELECT port FROM proxy_ports WHERE owner = ?`, owner)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("lease port: %w", err)
	}

	var used []int
	if err := tx.SelectContext(ctx, &used,
		`SELECT port FROM proxy_ports WHERE port BETWEEN ? AND ? ORDER BY port`, start, end); err != nil {
		return 0, fmt.Errorf("lease port: %w", err)
	}
	port := start
	for _, p := range used {
		if p != port {
			break
		}
		port++
	}
	if port > end {
		return 0, ErrNoFreePort
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proxy_ports (owner, port, leased_at) VALUES (?, ?, ?)`, owner, port, s.stamp()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("lease port: %w", err)
	}
	return port, nil
}

// ReleasePort drops the lease held by owner. Releasing an unknown owner is a no-op.
func (s *Store) ReleasePort(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM proxy_ports WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("release port: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

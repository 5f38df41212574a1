package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkerLockStore gates named workers to a single running instance via a
// TTL row. Acquisition is an upsert that only succeeds when the existing
// lock has expired; releases are best-effort (the TTL is the safety net).
type WorkerLockStore struct {
	db *sql.DB
}

// Acquire takes the named lock for ttl. Returns false when another live
// instance holds it.
func (s *WorkerLockStore) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_locks (id, locked_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET locked_at = EXCLUDED.locked_at, expires_at = EXCLUDED.expires_at
		WHERE worker_locks.expires_at < $2`,
		name, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire worker lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Release drops the named lock. Safe to call when not held.
func (s *WorkerLockStore) Release(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worker_locks WHERE id = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to release worker lock: %w", err)
	}
	return nil
}

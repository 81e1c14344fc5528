package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// AcquireLock attempts to take the advisory lock id for ttl. It first
// clears any expired row, then inserts a fresh one; a primary-key conflict
// means another process instance holds the lock, which is reported as
// (false, nil) — contention is normal, not an error.
//
// The lock is best-effort coordination only: a duplicate run is wasteful
// but safe, because every downstream action dedups independently. The TTL
// must comfortably exceed the worst-case run duration.
func (s *Store) AcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	if _, err := s.Writer.ExecContext(ctx,
		`DELETE FROM advisory_locks WHERE id = ? AND expires_at <= ?`, id, now); err != nil {
		return false, fmt.Errorf("clear expired lock %s: %w", id, err)
	}

	_, err := s.Writer.ExecContext(ctx,
		`INSERT INTO advisory_locks(id, expires_at) VALUES(?, ?)`, id, now+ttl.Milliseconds())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", id, err)
	}
	return true, nil
}

// ReleaseLock deletes the lock row. Releasing a lock that already expired
// (or was never held) is a no-op; natural TTL expiry covers crashes.
func (s *Store) ReleaseLock(ctx context.Context, id string) error {
	if _, err := s.Writer.ExecContext(ctx,
		`DELETE FROM advisory_locks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release lock %s: %w", id, err)
	}
	return nil
}

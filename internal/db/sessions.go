package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Session states as reported by the remote coding-agent API.
const (
	SessionQueued                = "QUEUED"
	SessionPlanning              = "PLANNING"
	SessionInProgress            = "IN_PROGRESS"
	SessionAwaitingPlanApproval  = "AWAITING_PLAN_APPROVAL"
	SessionAwaitingUserFeedback  = "AWAITING_USER_FEEDBACK"
	SessionCompleted             = "COMPLETED"
	SessionFailed                = "FAILED"
)

// CachedSession is the local mirror of a remote session record.
type CachedSession struct {
	ID                 string
	Title              string
	State              string
	CreateTime         string // RFC3339, as reported remotely
	UpdateTime         string // RFC3339, as reported remotely
	LastUpdatedLocally int64  // ms epoch of the last cache refresh
	PRURL              string
	PRMerged           bool
	RetryCount         int
	LastErrorReason    string
	LastAutomatedAt    string
}

// SessionUpsert carries the remotely observed fields of a session. Local
// bookkeeping columns (retry_count, last_automated_at) are untouched by
// an upsert.
type SessionUpsert struct {
	ID              string
	Title           string
	State           string
	CreateTime      string
	UpdateTime      string
	PRURL           string
	PRMerged        bool
	LastErrorReason string
}

// UpsertCachedSession creates or refreshes a cached session row.
// last_updated_locally only moves forward and pr_merged is sticky-true;
// both invariants are enforced in the SQL itself so no caller can violate
// them. An empty PRURL never clears a previously recorded one.
func (s *Store) UpsertCachedSession(ctx context.Context, u SessionUpsert) error {
	if u.ID == "" {
		return fmt.Errorf("upsert cached session: empty id")
	}
	const q = `
INSERT INTO cached_sessions (id, title, state, create_time, update_time, last_updated_locally, pr_url, pr_merged, last_error_reason)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
ON CONFLICT(id) DO UPDATE SET
    title                = excluded.title,
    state                = excluded.state,
    create_time          = CASE WHEN cached_sessions.create_time = '' THEN excluded.create_time ELSE cached_sessions.create_time END,
    update_time          = excluded.update_time,
    last_updated_locally = MAX(cached_sessions.last_updated_locally, excluded.last_updated_locally),
    pr_url               = COALESCE(excluded.pr_url, cached_sessions.pr_url),
    pr_merged            = MAX(cached_sessions.pr_merged, excluded.pr_merged),
    last_error_reason    = excluded.last_error_reason`
	merged := 0
	if u.PRMerged {
		merged = 1
	}
	_, err := s.Writer.ExecContext(ctx, q,
		u.ID, u.Title, u.State, u.CreateTime, u.UpdateTime,
		s.now().UnixMilli(), u.PRURL, merged, u.LastErrorReason)
	if err != nil {
		return fmt.Errorf("upsert cached session %s: %w", u.ID, err)
	}
	return nil
}

// MarkSessionMerged records PR-merge confirmation. Sticky: there is no
// corresponding unmark operation.
func (s *Store) MarkSessionMerged(ctx context.Context, id string) error {
	_, err := s.Writer.ExecContext(ctx,
		`UPDATE cached_sessions SET pr_merged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark session %s merged: %w", id, err)
	}
	return nil
}

// IncrementSessionRetry bumps the automated retry counter for a session.
func (s *Store) IncrementSessionRetry(ctx context.Context, id string) error {
	_, err := s.Writer.ExecContext(ctx,
		`UPDATE cached_sessions SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment retry for session %s: %w", id, err)
	}
	return nil
}

// TouchSessionAutomatedAt records when an automation rule last acted on the
// session.
func (s *Store) TouchSessionAutomatedAt(ctx context.Context, id string) error {
	_, err := s.Writer.ExecContext(ctx,
		`UPDATE cached_sessions SET last_automated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touch automated_at for session %s: %w", id, err)
	}
	return nil
}

const sessionColumns = `id, title, state, create_time, update_time, last_updated_locally,
COALESCE(pr_url, ''), pr_merged, retry_count, last_error_reason, COALESCE(last_automated_at, '')`

func scanSession(row interface{ Scan(...any) error }) (CachedSession, error) {
	var c CachedSession
	var merged int
	err := row.Scan(
		&c.ID, &c.Title, &c.State, &c.CreateTime, &c.UpdateTime, &c.LastUpdatedLocally,
		&c.PRURL, &merged, &c.RetryCount, &c.LastErrorReason, &c.LastAutomatedAt)
	if err != nil {
		return CachedSession{}, err
	}
	c.PRMerged = merged == 1
	return c, nil
}

// GetCachedSession returns a single cached session row.
func (s *Store) GetCachedSession(ctx context.Context, id string) (CachedSession, error) {
	row := s.Reader.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM cached_sessions WHERE id = ?`, id)
	c, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return CachedSession{}, fmt.Errorf("cached session %s not found", id)
		}
		return CachedSession{}, fmt.Errorf("get cached session %s: %w", id, err)
	}
	return c, nil
}

// ListCachedSessions returns all cached sessions, newest first.
func (s *Store) ListCachedSessions(ctx context.Context) ([]CachedSession, error) {
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM cached_sessions ORDER BY create_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cached sessions: %w", err)
	}
	defer rows.Close()

	var out []CachedSession
	for rows.Next() {
		c, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cached session: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cached sessions: %w", err)
	}
	return out, nil
}

// ListCachedSessionsByIDs returns the cached rows for the given ids,
// silently skipping ids with no cached row.
func (s *Store) ListCachedSessionsByIDs(ctx context.Context, ids []string) ([]CachedSession, error) {
	out := make([]CachedSession, 0, len(ids))
	for _, id := range ids {
		row := s.Reader.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM cached_sessions WHERE id = ?`, id)
		c, err := scanSession(row)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, fmt.Errorf("get cached session %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

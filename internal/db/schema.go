package db

import "fmt"

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS cached_sessions (
    id                   TEXT PRIMARY KEY,
    title                TEXT NOT NULL DEFAULT '',
    state                TEXT NOT NULL DEFAULT '',
    create_time          TEXT NOT NULL DEFAULT '',
    update_time          TEXT NOT NULL DEFAULT '',
    last_updated_locally INTEGER NOT NULL DEFAULT 0,
    pr_url               TEXT,
    pr_merged            INTEGER NOT NULL DEFAULT 0 CHECK(pr_merged IN (0,1)),
    retry_count          INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
    last_error_reason    TEXT NOT NULL DEFAULT '',
    last_automated_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_cached_sessions_state ON cached_sessions(state);

CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending','processing','completed','partial_success','failed')),
    session_ids_json TEXT NOT NULL DEFAULT '[]',
    session_count    INTEGER NOT NULL DEFAULT 0 CHECK(session_count >= 0),
    repo             TEXT NOT NULL DEFAULT '',
    branch           TEXT NOT NULL DEFAULT '',
    prompt           TEXT NOT NULL DEFAULT '',
    error_message    TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS advisory_locks (
    id         TEXT PRIMARY KEY,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_settings (
    profile                 TEXT PRIMARY KEY,
    cache_interval_secs     INTEGER NOT NULL DEFAULT 60,
    cache_max_age_days      INTEGER NOT NULL DEFAULT 14,
    batch_enabled           INTEGER NOT NULL DEFAULT 1 CHECK(batch_enabled IN (0,1)),
    batch_interval_secs     INTEGER NOT NULL DEFAULT 60,
    approve_enabled         INTEGER NOT NULL DEFAULT 0 CHECK(approve_enabled IN (0,1)),
    approve_interval_secs   INTEGER NOT NULL DEFAULT 120,
    retry_enabled           INTEGER NOT NULL DEFAULT 0 CHECK(retry_enabled IN (0,1)),
    retry_interval_secs     INTEGER NOT NULL DEFAULT 300,
    retry_message           TEXT NOT NULL DEFAULT '',
    continue_enabled        INTEGER NOT NULL DEFAULT 0 CHECK(continue_enabled IN (0,1)),
    continue_interval_secs  INTEGER NOT NULL DEFAULT 300,
    continue_message        TEXT NOT NULL DEFAULT '',
    pr_enabled              INTEGER NOT NULL DEFAULT 0 CHECK(pr_enabled IN (0,1)),
    pr_interval_secs        INTEGER NOT NULL DEFAULT 300,
    pr_comment_limit        INTEGER NOT NULL DEFAULT 5,
    pr_rerun_enabled        INTEGER NOT NULL DEFAULT 1 CHECK(pr_rerun_enabled IN (0,1)),
    pr_automerge_enabled    INTEGER NOT NULL DEFAULT 0 CHECK(pr_automerge_enabled IN (0,1)),
    reaper_enabled          INTEGER NOT NULL DEFAULT 0 CHECK(reaper_enabled IN (0,1)),
    reaper_interval_secs    INTEGER NOT NULL DEFAULT 3600,
    reaper_max_age_days     INTEGER NOT NULL DEFAULT 7,
    updated_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
`

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	// Insert schema version if not present.
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	return nil
}

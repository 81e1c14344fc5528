package db

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultProfile is the settings profile every worker reads. Settings are
// keyed by profile so a future multi-operator deployment can scope them,
// but the engine itself uses one profile consistently.
const DefaultProfile = "default"

// Settings is the per-profile automation configuration. Workers read it
// fresh on every tick and every scheduling decision, so changes take
// effect without a restart.
type Settings struct {
	Profile string

	CacheIntervalSecs int
	CacheMaxAgeDays   int

	BatchEnabled      bool
	BatchIntervalSecs int

	ApproveEnabled      bool
	ApproveIntervalSecs int

	RetryEnabled      bool
	RetryIntervalSecs int
	RetryMessage      string

	ContinueEnabled      bool
	ContinueIntervalSecs int
	ContinueMessage      string

	PREnabled          bool
	PRIntervalSecs     int
	PRCommentLimit     int
	PRRerunEnabled     bool
	PRAutomergeEnabled bool

	ReaperEnabled      bool
	ReaperIntervalSecs int
	ReaperMaxAgeDays   int
}

// DefaultSettings returns the settings used when no row exists yet for the
// profile. Automation rules default to disabled; cache and batch workers
// default to enabled.
func DefaultSettings(profile string) Settings {
	return Settings{
		Profile:              profile,
		CacheIntervalSecs:    60,
		CacheMaxAgeDays:      14,
		BatchEnabled:         true,
		BatchIntervalSecs:    60,
		ApproveIntervalSecs:  120,
		RetryIntervalSecs:    300,
		RetryMessage:         "The previous attempt failed. Please retry the task.",
		ContinueIntervalSecs: 300,
		ContinueMessage:      "Please continue and open a pull request with your changes.",
		PRIntervalSecs:       300,
		PRCommentLimit:       5,
		PRRerunEnabled:       true,
		ReaperIntervalSecs:   3600,
		ReaperMaxAgeDays:     7,
	}
}

// GetSettings loads the profile's settings, falling back to defaults when
// the row does not exist.
func (s *Store) GetSettings(ctx context.Context, profile string) (Settings, error) {
	row := s.Reader.QueryRowContext(ctx, `
SELECT profile,
       cache_interval_secs, cache_max_age_days,
       batch_enabled, batch_interval_secs,
       approve_enabled, approve_interval_secs,
       retry_enabled, retry_interval_secs, retry_message,
       continue_enabled, continue_interval_secs, continue_message,
       pr_enabled, pr_interval_secs, pr_comment_limit, pr_rerun_enabled, pr_automerge_enabled,
       reaper_enabled, reaper_interval_secs, reaper_max_age_days
FROM automation_settings WHERE profile = ?`, profile)

	var st Settings
	var batchEnabled, approveEnabled, retryEnabled, continueEnabled int
	var prEnabled, prRerun, prAutomerge, reaperEnabled int
	err := row.Scan(&st.Profile,
		&st.CacheIntervalSecs, &st.CacheMaxAgeDays,
		&batchEnabled, &st.BatchIntervalSecs,
		&approveEnabled, &st.ApproveIntervalSecs,
		&retryEnabled, &st.RetryIntervalSecs, &st.RetryMessage,
		&continueEnabled, &st.ContinueIntervalSecs, &st.ContinueMessage,
		&prEnabled, &st.PRIntervalSecs, &st.PRCommentLimit, &prRerun, &prAutomerge,
		&reaperEnabled, &st.ReaperIntervalSecs, &st.ReaperMaxAgeDays)
	if err != nil {
		if err == sql.ErrNoRows {
			return DefaultSettings(profile), nil
		}
		return Settings{}, fmt.Errorf("get settings for %s: %w", profile, err)
	}

	st.BatchEnabled = batchEnabled == 1
	st.ApproveEnabled = approveEnabled == 1
	st.RetryEnabled = retryEnabled == 1
	st.ContinueEnabled = continueEnabled == 1
	st.PREnabled = prEnabled == 1
	st.PRRerunEnabled = prRerun == 1
	st.PRAutomergeEnabled = prAutomerge == 1
	st.ReaperEnabled = reaperEnabled == 1
	return st, nil
}

// SaveSettings upserts the profile's settings row.
func (s *Store) SaveSettings(ctx context.Context, st Settings) error {
	if st.Profile == "" {
		st.Profile = DefaultProfile
	}
	const q = `
INSERT INTO automation_settings (
    profile,
    cache_interval_secs, cache_max_age_days,
    batch_enabled, batch_interval_secs,
    approve_enabled, approve_interval_secs,
    retry_enabled, retry_interval_secs, retry_message,
    continue_enabled, continue_interval_secs, continue_message,
    pr_enabled, pr_interval_secs, pr_comment_limit, pr_rerun_enabled, pr_automerge_enabled,
    reaper_enabled, reaper_interval_secs, reaper_max_age_days,
    updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
ON CONFLICT(profile) DO UPDATE SET
    cache_interval_secs    = excluded.cache_interval_secs,
    cache_max_age_days     = excluded.cache_max_age_days,
    batch_enabled          = excluded.batch_enabled,
    batch_interval_secs    = excluded.batch_interval_secs,
    approve_enabled        = excluded.approve_enabled,
    approve_interval_secs  = excluded.approve_interval_secs,
    retry_enabled          = excluded.retry_enabled,
    retry_interval_secs    = excluded.retry_interval_secs,
    retry_message          = excluded.retry_message,
    continue_enabled       = excluded.continue_enabled,
    continue_interval_secs = excluded.continue_interval_secs,
    continue_message       = excluded.continue_message,
    pr_enabled             = excluded.pr_enabled,
    pr_interval_secs       = excluded.pr_interval_secs,
    pr_comment_limit       = excluded.pr_comment_limit,
    pr_rerun_enabled       = excluded.pr_rerun_enabled,
    pr_automerge_enabled   = excluded.pr_automerge_enabled,
    reaper_enabled         = excluded.reaper_enabled,
    reaper_interval_secs   = excluded.reaper_interval_secs,
    reaper_max_age_days    = excluded.reaper_max_age_days,
    updated_at             = excluded.updated_at`

	_, err := s.Writer.ExecContext(ctx, q, st.Profile,
		st.CacheIntervalSecs, st.CacheMaxAgeDays,
		boolInt(st.BatchEnabled), st.BatchIntervalSecs,
		boolInt(st.ApproveEnabled), st.ApproveIntervalSecs,
		boolInt(st.RetryEnabled), st.RetryIntervalSecs, st.RetryMessage,
		boolInt(st.ContinueEnabled), st.ContinueIntervalSecs, st.ContinueMessage,
		boolInt(st.PREnabled), st.PRIntervalSecs, st.PRCommentLimit,
		boolInt(st.PRRerunEnabled), boolInt(st.PRAutomergeEnabled),
		boolInt(st.ReaperEnabled), st.ReaperIntervalSecs, st.ReaperMaxAgeDays)
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", st.Profile, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

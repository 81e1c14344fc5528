package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Job statuses. A job moves forward through this lattice only, with one
// exception: processing may be re-entered after a crash so an interrupted
// job resumes instead of restarting.
const (
	JobPending        = "pending"
	JobProcessing     = "processing"
	JobCompleted      = "completed"
	JobPartialSuccess = "partial_success"
	JobFailed         = "failed"
)

var jobStatusRank = map[string]int{
	JobPending:        0,
	JobProcessing:     1,
	JobCompleted:      2,
	JobPartialSuccess: 2,
	JobFailed:         2,
}

// Job is a batch request for N remote sessions.
type Job struct {
	ID           string
	Status       string
	SessionIDs   []string
	SessionCount int
	Repo         string
	Branch       string
	Prompt       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// CreateJob inserts a new pending batch job and returns its id.
func (s *Store) CreateJob(ctx context.Context, prompt, repo, branch string, sessionCount int) (string, error) {
	id := "job-" + uuid.NewString()
	const q = `INSERT INTO jobs(id, status, prompt, repo, branch, session_count) VALUES(?, 'pending', ?, ?, ?, ?)`
	if _, err := s.Writer.ExecContext(ctx, q, id, prompt, repo, branch, sessionCount); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// GetJob loads a single job. A malformed session-id list is returned as an
// error so callers can skip the job without aborting their tick.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.Reader.QueryRowContext(ctx, `
SELECT id, status, session_ids_json, session_count, repo, branch, prompt, error_message, created_at, updated_at
FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, fmt.Errorf("job %s not found", id)
		}
		return Job{}, err
	}
	return j, nil
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
// Jobs whose session-id list fails to parse are skipped and reported via
// the returned slice of errors; they never fail the listing.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...string) ([]Job, []error, error) {
	if len(statuses) == 0 {
		return nil, nil, nil
	}
	q := `
SELECT id, status, session_ids_json, session_count, repo, branch, prompt, error_message, created_at, updated_at
FROM jobs WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `) ORDER BY created_at ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	var skipped []error
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, skipped, nil
}

// SetJobStatus performs a forward transition on the status lattice.
// processing -> processing is allowed (idempotent crash resume); any other
// regression is rejected. The update is conditional on the current status
// so concurrent instances cannot race a job backward.
func (s *Store) SetJobStatus(ctx context.Context, id, from, to string) error {
	fromRank, ok := jobStatusRank[from]
	if !ok {
		return fmt.Errorf("unknown job status %q", from)
	}
	toRank, ok := jobStatusRank[to]
	if !ok {
		return fmt.Errorf("unknown job status %q", to)
	}
	resume := from == JobProcessing && to == JobProcessing
	if toRank <= fromRank && !resume {
		return fmt.Errorf("invalid job transition: %s -> %s", from, to)
	}

	res, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("transition job %s %s->%s: %w", id, from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not in status %s (concurrent modification?)", id, from)
	}
	return nil
}

// SetJobError records a failure message on the job without touching status.
func (s *Store) SetJobError(ctx context.Context, id, msg string) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET error_message = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("set job %s error: %w", id, err)
	}
	return nil
}

// AppendJobSession appends a newly created remote session id to the job's
// ordered list and persists it. This is the durability point of the batch
// processor: it must complete before the next session is created, so a
// crash never loses a session that already exists remotely. Appending
// beyond session_count is rejected.
func (s *Store) AppendJobSession(ctx context.Context, jobID, sessionID string) error {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append session to job %s: %w", jobID, err)
	}
	defer tx.Rollback()

	var raw string
	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT session_ids_json, session_count FROM jobs WHERE id = ?`, jobID).Scan(&raw, &count)
	if err != nil {
		return fmt.Errorf("append session to job %s: %w", jobID, err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return fmt.Errorf("job %s has malformed session ids: %w", jobID, err)
	}
	if len(ids) >= count {
		return fmt.Errorf("job %s already has %d of %d sessions", jobID, len(ids), count)
	}
	ids = append(ids, sessionID)

	buf, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("append session to job %s: %w", jobID, err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE jobs SET session_ids_json = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, string(buf), jobID); err != nil {
		return fmt.Errorf("append session to job %s: %w", jobID, err)
	}
	return tx.Commit()
}

// AllJobSessionIDs returns the union of session ids across all jobs, in
// job-creation order. Jobs with malformed id lists are skipped.
func (s *Store) AllJobSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT session_ids_json FROM jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list job session ids: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var out []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan job session ids: %w", err)
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			continue
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job session ids: %w", err)
	}
	return out, nil
}

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var raw string
	err := row.Scan(&j.ID, &j.Status, &raw, &j.SessionCount, &j.Repo, &j.Branch,
		&j.Prompt, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(raw), &j.SessionIDs); err != nil {
		return Job{}, fmt.Errorf("job %s has malformed session ids: %w", j.ID, err)
	}
	return j, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}

// Package batch drives creation of N remote sessions per job, persisting
// progress after every unit so a crashed run resumes where it stopped.
package batch

import (
	"context"
	"log/slog"
	"time"

	"agentdeck/internal/agentapi"
	"agentdeck/internal/db"
)

const (
	// createAttempts bounds the local retries for one session creation
	// before that unit is abandoned.
	createAttempts = 3

	defaultCreateRetryDelay = 1 * time.Second
	defaultUnitPacing       = 2 * time.Second
)

// Processor works through pending and interrupted batch jobs.
type Processor struct {
	store   *db.Store
	api     *agentapi.Client
	profile string

	// Pacing knobs, shortened in tests.
	createRetryDelay time.Duration
	unitPacing       time.Duration
}

func NewProcessor(store *db.Store, api *agentapi.Client, profile string) *Processor {
	return &Processor{
		store:            store,
		api:              api,
		profile:          profile,
		createRetryDelay: defaultCreateRetryDelay,
		unitPacing:       defaultUnitPacing,
	}
}

// Tick selects jobs in pending or processing status and advances each.
// A processing job found here was interrupted by a crash: the length of
// its persisted session-id list tells how many units already exist, so it
// resumes rather than restarts.
func (p *Processor) Tick(ctx context.Context) {
	if !p.api.HasCredentials() {
		slog.Debug("batch: no API key, skipping tick")
		return
	}
	settings, err := p.store.GetSettings(ctx, p.profile)
	if err != nil {
		slog.Error("batch: read settings", "err", err)
		return
	}
	if !settings.BatchEnabled {
		return
	}

	jobs, skipped, err := p.store.ListJobsByStatus(ctx, db.JobPending, db.JobProcessing)
	if err != nil {
		slog.Error("batch: list jobs", "err", err)
		return
	}
	for _, err := range skipped {
		slog.Warn("batch: skipping malformed job", "err", err)
	}

	for _, job := range jobs {
		if err := p.processJob(ctx, job); err != nil {
			slog.Error("batch: process job", "job", job.ID, "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Processor) processJob(ctx context.Context, job db.Job) error {
	if job.Prompt == "" || job.Repo == "" || job.Branch == "" || job.SessionCount <= 0 {
		slog.Warn("batch: job missing required fields", "job", job.ID)
		if err := p.store.SetJobError(ctx, job.ID, "missing required fields"); err != nil {
			return err
		}
		return p.store.SetJobStatus(ctx, job.ID, job.Status, db.JobFailed)
	}

	if job.Status == db.JobPending {
		if err := p.store.SetJobStatus(ctx, job.ID, db.JobPending, db.JobProcessing); err != nil {
			return err
		}
	}

	created := len(job.SessionIDs)
	if created > 0 && job.Status == db.JobProcessing {
		slog.Info("batch: resuming interrupted job", "job", job.ID,
			"created", created, "target", job.SessionCount)
	}

	for i := created; i < job.SessionCount; i++ {
		sessionID, err := p.createWithRetry(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("batch: abandoning unit after retries",
				"job", job.ID, "unit", i, "err", err)
			continue
		}

		// Durability point: the id must be on disk before the next unit
		// is created, or a crash would orphan the remote session.
		if err := p.store.AppendJobSession(ctx, job.ID, sessionID); err != nil {
			return err
		}

		if i < job.SessionCount-1 {
			if err := sleep(ctx, p.unitPacing); err != nil {
				return err
			}
		}
	}

	final, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	return p.store.SetJobStatus(ctx, job.ID, db.JobProcessing, finalStatus(len(final.SessionIDs), final.SessionCount))
}

// createWithRetry attempts one remote session creation with bounded local
// retries. Remote-side transient errors are already retried inside the
// HTTP client; this layer covers creation-level failures (e.g. the remote
// accepting the call but rejecting the session).
func (p *Processor) createWithRetry(ctx context.Context, job db.Job) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		sess, err := p.api.CreateSession(ctx, agentapi.CreateSessionRequest{
			Prompt:              job.Prompt,
			Repo:                job.Repo,
			StartingBranch:      job.Branch,
			RequirePlanApproval: false,
		})
		if err == nil {
			return sess.ID, nil
		}
		lastErr = err
		if attempt < createAttempts {
			if serr := sleep(ctx, p.createRetryDelay); serr != nil {
				return "", serr
			}
		}
	}
	return "", lastErr
}

func finalStatus(created, target int) string {
	switch {
	case created >= target:
		return db.JobCompleted
	case created > 0:
		return db.JobPartialSuccess
	default:
		return db.JobFailed
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

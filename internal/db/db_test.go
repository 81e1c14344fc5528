package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertCachedSessionMergedIsSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.UpsertCachedSession(ctx, SessionUpsert{
		ID:       "s1",
		State:    SessionCompleted,
		PRURL:    "https://github.com/org/repo/pull/12",
		PRMerged: true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later refresh that no longer reports the merge must not reset it.
	if err := store.UpsertCachedSession(ctx, SessionUpsert{
		ID:       "s1",
		State:    SessionCompleted,
		PRMerged: false,
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetCachedSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.PRMerged {
		t.Fatalf("pr_merged was reset to false")
	}
	if got.PRURL != "https://github.com/org/repo/pull/12" {
		t.Fatalf("empty upsert cleared pr_url: %q", got.PRURL)
	}
}

func TestUpsertCachedSessionLastUpdatedOnlyAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	if err := store.UpsertCachedSession(ctx, SessionUpsert{ID: "s1", State: SessionQueued}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A clock that went backwards must not rewind the refresh stamp.
	store.now = func() time.Time { return base.Add(-time.Hour) }
	if err := store.UpsertCachedSession(ctx, SessionUpsert{ID: "s1", State: SessionPlanning}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetCachedSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastUpdatedLocally != base.UnixMilli() {
		t.Fatalf("last_updated_locally regressed: got %d want %d", got.LastUpdatedLocally, base.UnixMilli())
	}
	if got.State != SessionPlanning {
		t.Fatalf("state not updated: %s", got.State)
	}
}

func TestJobStatusLattice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	id, err := store.CreateJob(ctx, "fix the tests", "org/repo", "main", 3)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if !strings.HasPrefix(id, "job-") {
		t.Fatalf("expected job- prefix, got %q", id)
	}

	if err := store.SetJobStatus(ctx, id, JobPending, JobProcessing); err != nil {
		t.Fatalf("pending->processing: %v", err)
	}
	// Crash resume: processing -> processing is allowed.
	if err := store.SetJobStatus(ctx, id, JobProcessing, JobProcessing); err != nil {
		t.Fatalf("processing->processing: %v", err)
	}
	// Regression is rejected.
	if err := store.SetJobStatus(ctx, id, JobProcessing, JobPending); err == nil {
		t.Fatalf("expected processing->pending to be rejected")
	}
	if err := store.SetJobStatus(ctx, id, JobProcessing, JobCompleted); err != nil {
		t.Fatalf("processing->completed: %v", err)
	}
	if err := store.SetJobStatus(ctx, id, JobCompleted, JobProcessing); err == nil {
		t.Fatalf("expected completed->processing to be rejected")
	}
}

func TestAppendJobSessionBoundedByCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	id, err := store.CreateJob(ctx, "prompt", "org/repo", "main", 2)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := store.AppendJobSession(ctx, id, "s1"); err != nil {
		t.Fatalf("append s1: %v", err)
	}
	if err := store.AppendJobSession(ctx, id, "s2"); err != nil {
		t.Fatalf("append s2: %v", err)
	}
	if err := store.AppendJobSession(ctx, id, "s3"); err == nil {
		t.Fatalf("expected append beyond session_count to fail")
	}

	job, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if len(job.SessionIDs) != 2 || job.SessionIDs[0] != "s1" || job.SessionIDs[1] != "s2" {
		t.Fatalf("unexpected session ids: %v", job.SessionIDs)
	}
}

func TestListJobsSkipsMalformedSessionIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	good, err := store.CreateJob(ctx, "prompt", "org/repo", "main", 1)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	bad, err := store.CreateJob(ctx, "prompt", "org/repo", "main", 1)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := store.Writer.ExecContext(ctx,
		`UPDATE jobs SET session_ids_json = 'not-json' WHERE id = ?`, bad); err != nil {
		t.Fatalf("corrupt job: %v", err)
	}

	jobs, skipped, err := store.ListJobsByStatus(ctx, JobPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != good {
		t.Fatalf("expected only the well-formed job, got %v", jobs)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected one skipped job, got %d", len(skipped))
	}
}

func TestAcquireLockTTLWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return t0 }

	ok, err := store.AcquireLock(ctx, "background_job_worker", 120*time.Second)
	if err != nil {
		t.Fatalf("acquire at t=0: %v", err)
	}
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	// Still within TTL: held by the first instance.
	store.now = func() time.Time { return t0.Add(60 * time.Second) }
	ok, err = store.AcquireLock(ctx, "background_job_worker", 120*time.Second)
	if err != nil {
		t.Fatalf("acquire at t=60s: %v", err)
	}
	if ok {
		t.Fatalf("expected acquire at t=60s to fail while lock held")
	}

	// Past TTL: the stale row is cleared and acquisition succeeds.
	store.now = func() time.Time { return t0.Add(130 * time.Second) }
	ok, err = store.AcquireLock(ctx, "background_job_worker", 120*time.Second)
	if err != nil {
		t.Fatalf("acquire at t=130s: %v", err)
	}
	if !ok {
		t.Fatalf("expected acquire at t=130s to succeed after expiry")
	}
}

func TestReleaseLockAllowsReacquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	ok, err := store.AcquireLock(ctx, "cache_worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseLock(ctx, "cache_worker"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = store.AcquireLock(ctx, "cache_worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("reacquire after release: ok=%v err=%v", ok, err)
	}
}

func TestGetSettingsDefaultsWhenMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	st, err := store.GetSettings(ctx, DefaultProfile)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	want := DefaultSettings(DefaultProfile)
	if st != want {
		t.Fatalf("expected defaults for missing row\n got: %+v\nwant: %+v", st, want)
	}
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	st := DefaultSettings(DefaultProfile)
	st.RetryEnabled = true
	st.RetryIntervalSecs = 45
	st.RetryMessage = "try again"
	st.PREnabled = true
	st.PRAutomergeEnabled = true
	if err := store.SaveSettings(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetSettings(ctx, DefaultProfile)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != st {
		t.Fatalf("round trip mismatch\n got: %+v\nwant: %+v", got, st)
	}

	// Saving again overwrites in place.
	st.RetryEnabled = false
	if err := store.SaveSettings(ctx, st); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err = store.GetSettings(ctx, DefaultProfile)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.RetryEnabled {
		t.Fatalf("expected retry_enabled updated to false")
	}
}

func TestAllJobSessionIDsDeduplicatesAcrossJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	j1, err := store.CreateJob(ctx, "p", "org/repo", "main", 2)
	if err != nil {
		t.Fatalf("create j1: %v", err)
	}
	j2, err := store.CreateJob(ctx, "p", "org/repo", "main", 2)
	if err != nil {
		t.Fatalf("create j2: %v", err)
	}
	for _, pair := range [][2]string{{j1, "s1"}, {j1, "s2"}, {j2, "s2"}, {j2, "s3"}} {
		if err := store.AppendJobSession(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("append %v: %v", pair, err)
		}
	}

	ids, err := store.AllJobSessionIDs(ctx)
	if err != nil {
		t.Fatalf("all ids: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 unique ids, got %v", ids)
	}
}

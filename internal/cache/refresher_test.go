package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"agentdeck/internal/agentapi"
	"agentdeck/internal/db"
	"agentdeck/internal/github"
	"agentdeck/internal/httputil"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNeedsRefreshTiers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts := Options{MaxAgeDays: 14}

	mkSession := func(state string, sinceRefresh time.Duration) db.CachedSession {
		return db.CachedSession{
			ID:                 "s",
			State:              state,
			CreateTime:         now.Add(-24 * time.Hour).Format(time.RFC3339),
			LastUpdatedLocally: now.Add(-sinceRefresh).UnixMilli(),
		}
	}

	tests := []struct {
		name string
		sess db.CachedSession
		opts Options
		want bool
	}{
		{
			name: "active session past short interval",
			sess: mkSession(db.SessionInProgress, 2*time.Minute),
			opts: opts,
			want: true,
		},
		{
			name: "active session inside short interval",
			sess: mkSession(db.SessionInProgress, 30*time.Second),
			opts: opts,
			want: false,
		},
		{
			name: "approval session uses medium interval",
			sess: mkSession(db.SessionAwaitingPlanApproval, 2*time.Minute),
			opts: opts,
			want: false,
		},
		{
			name: "approval session past medium interval",
			sess: mkSession(db.SessionAwaitingUserFeedback, 6*time.Minute),
			opts: opts,
			want: true,
		},
		{
			name: "completed unmerged uses slow lane",
			sess: mkSession(db.SessionCompleted, 10*time.Minute),
			opts: opts,
			want: false,
		},
		{
			name: "unrecognized state past slow interval",
			sess: mkSession("SOMETHING_NEW", time.Hour),
			opts: opts,
			want: true,
		},
		{
			name: "old session skipped",
			sess: db.CachedSession{
				ID:                 "old",
				State:              db.SessionInProgress,
				CreateTime:         now.Add(-30 * 24 * time.Hour).Format(time.RFC3339),
				LastUpdatedLocally: 0,
			},
			opts: opts,
			want: false,
		},
		{
			name: "old session refreshed when forced",
			sess: db.CachedSession{
				ID:                 "old",
				State:              db.SessionInProgress,
				CreateTime:         now.Add(-30 * 24 * time.Hour).Format(time.RFC3339),
				LastUpdatedLocally: now.UnixMilli(),
			},
			opts: Options{Force: true, MaxAgeDays: 14},
			want: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := needsRefresh(tc.sess, now, tc.opts); got != tc.want {
				t.Fatalf("needsRefresh = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNeedsRefreshMergedCompletedIsTerminal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := db.CachedSession{
		ID:                 "done",
		State:              db.SessionCompleted,
		PRMerged:           true,
		CreateTime:         now.Add(-time.Hour).Format(time.RFC3339),
		LastUpdatedLocally: 0, // far past every interval
	}
	if needsRefresh(sess, now, Options{MaxAgeDays: 14}) {
		t.Fatalf("merged completed session must never be refetched")
	}
}

func TestRefreshDiscoversAndRefetches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	var individualGets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/sessions":
			json.NewEncoder(w).Encode(map[string]any{
				"sessions": []map[string]any{
					{"id": "new-1", "state": "IN_PROGRESS", "createTime": "2026-03-01T10:00:00Z", "updateTime": "2026-03-01T11:00:00Z"},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/v1/sessions/"):
			individualGets.Add(1)
			id := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
			json.NewEncoder(w).Encode(map[string]any{
				"id": id, "state": "COMPLETED",
				"createTime": "2026-03-01T08:00:00Z",
				"updateTime": "2026-03-01T11:30:00Z",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	// A stale cached row outside the discovery page.
	if err := store.UpsertCachedSession(ctx, db.SessionUpsert{
		ID:         "stale-1",
		State:      db.SessionInProgress,
		CreateTime: time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed stale: %v", err)
	}
	// Backdate its refresh stamp past the active interval.
	if _, err := store.Writer.ExecContext(ctx,
		`UPDATE cached_sessions SET last_updated_locally = 0 WHERE id = 'stale-1'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	api := agentapi.NewClient(srv.URL, "key", httputil.NewClient(5))
	r := NewRefresher(store, api, nil)
	if err := r.Refresh(ctx, Options{MaxAgeDays: 14}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Discovery created the new session.
	got, err := store.GetCachedSession(ctx, "new-1")
	if err != nil {
		t.Fatalf("discovered session missing: %v", err)
	}
	if got.State != db.SessionInProgress {
		t.Fatalf("unexpected state: %s", got.State)
	}

	// The stale session was individually refetched.
	if n := individualGets.Load(); n != 1 {
		t.Fatalf("expected exactly 1 individual fetch, got %d", n)
	}
	stale, err := store.GetCachedSession(ctx, "stale-1")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale.State != db.SessionCompleted {
		t.Fatalf("stale session not refreshed: %s", stale.State)
	}
}

func TestRefreshKeepsRowOnFetchFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			json.NewEncoder(w).Encode(map[string]any{"sessions": []any{}})
			return
		}
		// Individual fetches fail hard.
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := store.UpsertCachedSession(ctx, db.SessionUpsert{
		ID:         "s1",
		State:      db.SessionInProgress,
		CreateTime: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Writer.ExecContext(ctx,
		`UPDATE cached_sessions SET last_updated_locally = 0 WHERE id = 's1'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	api := agentapi.NewClient(srv.URL, "key", httputil.NewClient(5))
	r := NewRefresher(store, api, nil)
	if err := r.Refresh(ctx, Options{MaxAgeDays: 14}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, err := store.GetCachedSession(ctx, "s1")
	if err != nil {
		t.Fatalf("row disappeared after failed refresh: %v", err)
	}
	if got.State != db.SessionInProgress {
		t.Fatalf("failed refresh mutated row: %s", got.State)
	}
}

func TestRefreshConfirmsMergeStickily(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessions": []any{}})
	}))
	defer apiSrv.Close()

	ghSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/repo/pulls/7" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"number": 7, "merged": true})
	}))
	defer ghSrv.Close()

	if err := store.UpsertCachedSession(ctx, db.SessionUpsert{
		ID:         "s1",
		State:      db.SessionCompleted,
		CreateTime: time.Now().UTC().Format(time.RFC3339),
		PRURL:      "https://github.com/org/repo/pull/7",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	hc := httputil.NewClient(5)
	api := agentapi.NewClient(apiSrv.URL, "key", hc)
	gh := github.NewClientWithBaseURL("token", ghSrv.URL, hc)
	r := NewRefresher(store, api, gh)
	if err := r.Refresh(ctx, Options{MaxAgeDays: 14}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, err := store.GetCachedSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.PRMerged {
		t.Fatalf("merge confirmation not recorded")
	}
}

// Package cache maintains the local mirror of remote session records,
// refreshed at a cadence that depends on each session's state and age so
// the remote API is not re-listed wholesale on every read.
package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agentdeck/internal/agentapi"
	"agentdeck/internal/db"
	"agentdeck/internal/github"
)

// Refresh cadence tiers. Active sessions change quickly; sessions parked
// on operator approval change slowly; settled or unrecognized states are
// polled rarely. A COMPLETED session with a confirmed merge is terminal
// and never polled again.
const (
	activeInterval   = 1 * time.Minute
	approvalInterval = 5 * time.Minute
	settledInterval  = 30 * time.Minute

	discoveryPageSize = 25
	refreshFanOut     = 10
)

// Refresher drives one cache refresh cycle per tick.
type Refresher struct {
	store *db.Store
	api   *agentapi.Client
	gh    *github.Client // may lack credentials; merge confirmation is skipped then

	now func() time.Time
}

func NewRefresher(store *db.Store, api *agentapi.Client, gh *github.Client) *Refresher {
	return &Refresher{store: store, api: api, gh: gh, now: time.Now}
}

// Options control one refresh cycle.
type Options struct {
	// Force refreshes every session regardless of age or tier.
	Force bool
	// MaxAgeDays bounds how far back individual refreshes reach.
	MaxAgeDays int
}

// Refresh runs one cycle: discover new sessions from the most recent
// remote page, then individually re-fetch the cached sessions whose tier
// interval has elapsed, with bounded concurrency. A failed individual
// fetch leaves the prior cached row untouched.
func (r *Refresher) Refresh(ctx context.Context, opts Options) error {
	refreshedNow := make(map[string]struct{})

	sessions, _, err := r.api.ListSessions(ctx, discoveryPageSize, "")
	if err != nil {
		// Discovery failure is not fatal: stale rows can still be refreshed.
		slog.Warn("cache: session discovery failed", "err", err)
	} else {
		for _, s := range sessions {
			if err := r.store.UpsertCachedSession(ctx, toUpsert(s)); err != nil {
				slog.Error("cache: upsert discovered session", "session", s.ID, "err", err)
				continue
			}
			refreshedNow[s.ID] = struct{}{}
		}
	}

	cached, err := r.store.ListCachedSessions(ctx)
	if err != nil {
		return err
	}

	now := r.now()
	var stale []db.CachedSession
	for _, c := range cached {
		if _, done := refreshedNow[c.ID]; done {
			continue
		}
		if needsRefresh(c, now, opts) {
			stale = append(stale, c)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshFanOut)
	for _, c := range stale {
		c := c
		g.Go(func() error {
			remote, err := r.api.GetSession(gctx, c.ID)
			if err != nil {
				slog.Warn("cache: refresh session failed, keeping stale row", "session", c.ID, "err", err)
				return nil
			}
			if err := r.store.UpsertCachedSession(gctx, toUpsert(remote)); err != nil {
				slog.Error("cache: upsert refreshed session", "session", c.ID, "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.confirmMerges(ctx)
	return nil
}

// confirmMerges resolves PR URLs of completed-but-unconfirmed sessions
// against the source-control API. Merge state is recorded sticky-true only.
func (r *Refresher) confirmMerges(ctx context.Context) {
	if r.gh == nil || !r.gh.HasCredentials() {
		return
	}
	cached, err := r.store.ListCachedSessions(ctx)
	if err != nil {
		slog.Error("cache: list for merge confirmation", "err", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshFanOut)
	for _, c := range cached {
		if c.State != db.SessionCompleted || c.PRURL == "" || c.PRMerged {
			continue
		}
		c := c
		g.Go(func() error {
			pr, err := r.gh.GetPRByURL(gctx, c.PRURL)
			if err != nil {
				slog.Warn("cache: merge confirmation failed", "session", c.ID, "pr", c.PRURL, "err", err)
				return nil
			}
			if pr.Merged {
				if err := r.store.MarkSessionMerged(gctx, c.ID); err != nil {
					slog.Error("cache: mark merged", "session", c.ID, "err", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// needsRefresh applies the tiered polling policy:
//  1. sessions older than MaxAgeDays are skipped unless forced,
//  2. force always refreshes,
//  3. a completed session with a confirmed merge is terminal,
//  4. otherwise the state's tier interval must have elapsed since the
//     last local refresh.
func needsRefresh(c db.CachedSession, now time.Time, opts Options) bool {
	if opts.MaxAgeDays > 0 && !opts.Force {
		if created, err := time.Parse(time.RFC3339, c.CreateTime); err == nil {
			if now.Sub(created) > time.Duration(opts.MaxAgeDays)*24*time.Hour {
				return false
			}
		}
	}
	if opts.Force {
		return true
	}
	if c.State == db.SessionCompleted && c.PRMerged {
		return false
	}

	var interval time.Duration
	switch c.State {
	case db.SessionQueued, db.SessionPlanning, db.SessionInProgress:
		interval = activeInterval
	case db.SessionAwaitingPlanApproval, db.SessionAwaitingUserFeedback:
		interval = approvalInterval
	default:
		// COMPLETED without confirmed merge, FAILED, and anything
		// unrecognized share the slow lane.
		interval = settledInterval
	}

	elapsed := now.UnixMilli() - c.LastUpdatedLocally
	return elapsed > interval.Milliseconds()
}

func toUpsert(s agentapi.Session) db.SessionUpsert {
	return db.SessionUpsert{
		ID:              s.ID,
		Title:           s.Title,
		State:           s.State,
		CreateTime:      s.CreateTime,
		UpdateTime:      s.UpdateTime,
		PRURL:           s.PullRequestURL(),
		LastErrorReason: s.FailReason,
	}
}

// Package automation generalizes the periodic-check rules (auto-approve,
// auto-retry, auto-continue) into one pattern: scan sessions matching a
// state predicate, dedup against the last automated message, act with
// bounded concurrency.
package automation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agentdeck/internal/agentapi"
	"agentdeck/internal/db"
)

const (
	// zombieAge guards against reanimating long-dormant sessions: a
	// session whose remote-confirmed update time is older than this is
	// never messaged.
	zombieAge = 24 * time.Hour

	sendFanOut = 5

	// approveScanPages bounds the direct remote scan of the approve rule.
	approveScanPages    = 4
	approveScanPageSize = 50
)

// Rule parameterizes one automation policy.
type Rule struct {
	Name string

	Enabled  func(db.Settings) bool
	Interval func(db.Settings) time.Duration

	// Candidates enumerates the sessions the rule considers.
	Candidates func(ctx context.Context, r *Runner) ([]db.CachedSession, error)

	// Matches is the target state predicate.
	Matches func(db.CachedSession) bool

	// Guard is an optional extra condition (e.g. "no PR output yet").
	Guard func(db.CachedSession) bool

	// Message returns the text this rule would send. Rules whose action
	// is not a message (approve) leave it nil, which also skips the
	// last-message dedup.
	Message func(db.Settings) string

	// Act performs the rule's action for one session.
	Act func(ctx context.Context, r *Runner, sessionID, message string) error
}

// Runner executes rules against the session cache and the remote API.
type Runner struct {
	store   *db.Store
	api     *agentapi.Client
	profile string

	now func() time.Time
}

func NewRunner(store *db.Store, api *agentapi.Client, profile string) *Runner {
	return &Runner{store: store, api: api, profile: profile, now: time.Now}
}

// Interval reads the rule's current interval from the settings store. It
// is consulted on every scheduling decision so operators can retune the
// cadence without a restart.
func (r *Runner) Interval(ctx context.Context, rule Rule) time.Duration {
	settings, err := r.store.GetSettings(ctx, r.profile)
	if err != nil {
		slog.Error("automation: read settings for interval", "rule", rule.Name, "err", err)
		return time.Minute
	}
	return rule.Interval(settings)
}

// RunRule executes one tick of a rule.
func (r *Runner) RunRule(ctx context.Context, rule Rule) {
	if !r.api.HasCredentials() {
		slog.Debug("automation: no API key, skipping tick", "rule", rule.Name)
		return
	}

	settings, err := r.store.GetSettings(ctx, r.profile)
	if err != nil {
		slog.Error("automation: read settings", "rule", rule.Name, "err", err)
		return
	}
	if !rule.Enabled(settings) {
		return
	}

	candidates, err := rule.Candidates(ctx, r)
	if err != nil {
		slog.Error("automation: enumerate candidates", "rule", rule.Name, "err", err)
		return
	}

	message := ""
	if rule.Message != nil {
		message = rule.Message(settings)
		if message == "" {
			slog.Warn("automation: empty message template, skipping tick", "rule", rule.Name)
			return
		}
	}

	now := r.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sendFanOut)
	for _, sess := range candidates {
		if !rule.Matches(sess) {
			continue
		}
		if rule.Guard != nil && !rule.Guard(sess) {
			continue
		}
		if isZombie(sess, now) {
			slog.Debug("automation: skipping dormant session", "rule", rule.Name, "session", sess.ID)
			continue
		}

		sess := sess
		g.Go(func() error {
			if message != "" {
				last, err := r.api.LatestUserMessage(gctx, sess.ID)
				if err != nil {
					slog.Warn("automation: fetch last message failed", "rule", rule.Name, "session", sess.ID, "err", err)
					return nil
				}
				if last == message {
					// Already sent; resending would loop forever.
					return nil
				}
			}
			if err := rule.Act(gctx, r, sess.ID, message); err != nil {
				slog.Warn("automation: action failed", "rule", rule.Name, "session", sess.ID, "err", err)
				return nil
			}
			slog.Info("automation: acted on session", "rule", rule.Name, "session", sess.ID)
			if err := r.store.TouchSessionAutomatedAt(gctx, sess.ID); err != nil {
				slog.Error("automation: record action time", "session", sess.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// isZombie reports whether the session's remote update time is too old to
// act on. Sessions with an unparsable update time are treated as dormant.
func isZombie(sess db.CachedSession, now time.Time) bool {
	updated, err := time.Parse(time.RFC3339, sess.UpdateTime)
	if err != nil {
		return true
	}
	return now.Sub(updated) > zombieAge
}

// jobSessionCandidates loads the cached rows of every session belonging
// to a known batch job.
func jobSessionCandidates(ctx context.Context, r *Runner) ([]db.CachedSession, error) {
	ids, err := r.store.AllJobSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	return r.store.ListCachedSessionsByIDs(ctx, ids)
}

// approvalScanCandidates pages the remote session list directly, looking
// for sessions awaiting plan approval. The scan is bounded: approval
// candidates are always recent, so a few pages suffice.
func approvalScanCandidates(ctx context.Context, r *Runner) ([]db.CachedSession, error) {
	var out []db.CachedSession
	pageToken := ""
	for page := 0; page < approveScanPages; page++ {
		sessions, next, err := r.api.ListSessions(ctx, approveScanPageSize, pageToken)
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			if s.State != db.SessionAwaitingPlanApproval {
				continue
			}
			out = append(out, db.CachedSession{
				ID:         s.ID,
				State:      s.State,
				CreateTime: s.CreateTime,
				UpdateTime: s.UpdateTime,
				PRURL:      s.PullRequestURL(),
			})
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return out, nil
}

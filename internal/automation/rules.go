package automation

import (
	"context"
	"strings"
	"time"

	"agentdeck/internal/db"
)

// Retry budgets. Rate-limit failures are cheap to retry and usually clear
// on their own, so they get a much larger budget than genuine failures.
const (
	retryBudgetDefault   = 3
	retryBudgetRateLimit = 50
)

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"quota",
	"429",
	"too many requests",
	"overloaded",
}

// RetryBudget returns how many automated retries a failed session earns
// given its reported failure reason.
func RetryBudget(reason string) int {
	lower := strings.ToLower(reason)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return retryBudgetRateLimit
		}
	}
	return retryBudgetDefault
}

// ApproveRule approves sessions waiting on plan approval. It scans the
// remote list directly rather than the local cache: a session can enter
// AWAITING_PLAN_APPROVAL and wait for minutes while the cache tier for
// that state refreshes at a slower cadence.
func ApproveRule() Rule {
	return Rule{
		Name:       "auto-approve",
		Enabled:    func(s db.Settings) bool { return s.ApproveEnabled },
		Interval:   func(s db.Settings) time.Duration { return time.Duration(s.ApproveIntervalSecs) * time.Second },
		Candidates: approvalScanCandidates,
		Matches:    func(c db.CachedSession) bool { return c.State == db.SessionAwaitingPlanApproval },
		Act: func(ctx context.Context, r *Runner, sessionID, _ string) error {
			return r.api.ApprovePlan(ctx, sessionID)
		},
	}
}

// RetryRule nudges failed batch sessions to retry, within a per-session
// budget derived from the failure reason.
func RetryRule() Rule {
	return Rule{
		Name:       "auto-retry",
		Enabled:    func(s db.Settings) bool { return s.RetryEnabled },
		Interval:   func(s db.Settings) time.Duration { return time.Duration(s.RetryIntervalSecs) * time.Second },
		Candidates: jobSessionCandidates,
		Matches:    func(c db.CachedSession) bool { return c.State == db.SessionFailed },
		Guard:      func(c db.CachedSession) bool { return c.RetryCount < RetryBudget(c.LastErrorReason) },
		Message:    func(s db.Settings) string { return s.RetryMessage },
		Act: func(ctx context.Context, r *Runner, sessionID, message string) error {
			if err := r.api.SendMessage(ctx, sessionID, message); err != nil {
				return err
			}
			return r.store.IncrementSessionRetry(ctx, sessionID)
		},
	}
}

// ContinueRule prods completed batch sessions that stopped without
// producing a pull request.
func ContinueRule() Rule {
	return Rule{
		Name:       "auto-continue",
		Enabled:    func(s db.Settings) bool { return s.ContinueEnabled },
		Interval:   func(s db.Settings) time.Duration { return time.Duration(s.ContinueIntervalSecs) * time.Second },
		Candidates: jobSessionCandidates,
		Matches:    func(c db.CachedSession) bool { return c.State == db.SessionCompleted },
		Guard:      func(c db.CachedSession) bool { return c.PRURL == "" && !c.PRMerged },
		Message:    func(s db.Settings) string { return s.ContinueMessage },
		Act: func(ctx context.Context, r *Runner, sessionID, message string) error {
			return r.api.SendMessage(ctx, sessionID, message)
		},
	}
}

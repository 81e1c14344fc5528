// Package prmonitor watches bot-authored pull requests and steps each one
// through a small state machine: failing checks get a tagged feedback
// comment (once per head commit), passing checks get promoted out of
// draft and, when the change is safe, merged.
package prmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"agentdeck/internal/db"
	"agentdeck/internal/github"
)

const (
	// commentTagPrefix marks comments this monitor wrote. The full tag
	// embeds the head commit SHA, so a new push gets a new comment and a
	// re-run of the same head does not.
	commentTagPrefix = "<!-- deckd:ci-watch:"

	// reactionCheckDelay is how long after commenting the monitor waits
	// before checking whether the session agent reacted to the comment.
	reactionCheckDelay = 30 * time.Second
)

// Repo identifies one monitored repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// Monitor inspects open bot PRs across the configured repositories.
type Monitor struct {
	gh       *github.Client
	store    *db.Store
	profile  string
	repos    []Repo
	botLogin string

	reactionDelay time.Duration
	wg            sync.WaitGroup
}

func NewMonitor(gh *github.Client, store *db.Store, profile string, repos []Repo, botLogin string) *Monitor {
	return &Monitor{
		gh:            gh,
		store:         store,
		profile:       profile,
		repos:         repos,
		botLogin:      botLogin,
		reactionDelay: reactionCheckDelay,
	}
}

// Tick inspects every open bot PR in every configured repository.
func (m *Monitor) Tick(ctx context.Context) {
	if !m.gh.HasCredentials() {
		slog.Debug("prmonitor: no token, skipping tick")
		return
	}
	settings, err := m.store.GetSettings(ctx, m.profile)
	if err != nil {
		slog.Error("prmonitor: read settings", "err", err)
		return
	}
	if !settings.PREnabled {
		return
	}

	for _, repo := range m.repos {
		prs, err := m.gh.ListOpenPRs(ctx, repo.Owner, repo.Name, m.botLogin)
		if err != nil {
			slog.Error("prmonitor: list open PRs", "repo", repo.String(), "err", err)
			continue
		}
		for _, pr := range prs {
			if err := m.inspect(ctx, settings, repo, pr.Number); err != nil {
				slog.Error("prmonitor: inspect PR", "repo", repo.String(), "pr", pr.Number, "err", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Wait blocks until pending reaction checks finish. Called on shutdown.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) inspect(ctx context.Context, settings db.Settings, repo Repo, number int) error {
	// The list endpoint omits mergeability; refetch for full detail.
	pr, err := m.gh.GetPR(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return err
	}
	checks, err := m.gh.ListCheckRuns(ctx, repo.Owner, repo.Name, pr.Head.SHA)
	if err != nil {
		return err
	}

	failing, pending := classifyChecks(checks)
	switch {
	case len(failing) > 0:
		return m.handleFailing(ctx, settings, repo, pr, failing)
	case len(pending) > 0 || len(checks) == 0:
		// Still running, or no CI configured yet. Come back next tick.
		return nil
	default:
		return m.handlePassing(ctx, settings, repo, pr)
	}
}

// handleFailing posts one feedback comment per head commit describing the
// failures, optionally triggering a rerun of the failed workflows first.
func (m *Monitor) handleFailing(ctx context.Context, settings db.Settings, repo Repo, pr github.PullRequest, failing []string) error {
	comments, err := m.gh.ListComments(ctx, repo.Owner, repo.Name, pr.Number)
	if err != nil {
		return err
	}
	if hasTag(comments, commentTag(pr.Head.SHA)) {
		// Already commented on this head commit.
		return nil
	}
	if countTagged(comments) >= settings.PRCommentLimit {
		slog.Warn("prmonitor: comment limit reached, leaving PR alone",
			"repo", repo.String(), "pr", pr.Number, "limit", settings.PRCommentLimit)
		return nil
	}

	if settings.PRRerunEnabled {
		runs, err := m.gh.ListFailedWorkflowRuns(ctx, repo.Owner, repo.Name, pr.Head.SHA)
		if err != nil {
			slog.Warn("prmonitor: list failed runs", "pr", pr.Number, "err", err)
		}
		for _, runID := range runs {
			if err := m.gh.RerunFailedJobs(ctx, repo.Owner, repo.Name, runID); err != nil {
				slog.Warn("prmonitor: rerun failed jobs", "pr", pr.Number, "run", runID, "err", err)
			}
		}
	}

	files, err := m.gh.ListPRFiles(ctx, repo.Owner, repo.Name, pr.Number)
	if err != nil {
		slog.Warn("prmonitor: list PR files", "pr", pr.Number, "err", err)
	}

	body := buildFailureComment(pr, failing, files)
	created, err := m.gh.CreateComment(ctx, repo.Owner, repo.Name, pr.Number, body)
	if err != nil {
		return err
	}
	slog.Info("prmonitor: posted failure feedback",
		"repo", repo.String(), "pr", pr.Number, "sha", shortSHA(pr.Head.SHA), "failing", len(failing))

	m.wg.Add(1)
	go m.watchAck(repo, pr.Number, created.ID)
	return nil
}

// handlePassing promotes a green PR: drafts become ready for review, and
// safe changes merge when auto-merge is enabled.
func (m *Monitor) handlePassing(ctx context.Context, settings db.Settings, repo Repo, pr github.PullRequest) error {
	files, err := m.gh.ListPRFiles(ctx, repo.Owner, repo.Name, pr.Number)
	if err != nil {
		return err
	}

	if pr.Draft {
		if deletesTests(files) {
			slog.Warn("prmonitor: PR deletes tests, keeping draft",
				"repo", repo.String(), "pr", pr.Number)
			return nil
		}
		if err := m.gh.MarkReadyForReview(ctx, pr.NodeID); err != nil {
			return err
		}
		slog.Info("prmonitor: marked PR ready for review", "repo", repo.String(), "pr", pr.Number)
		return nil
	}

	if settings.PRAutomergeEnabled &&
		pr.Mergeable != nil && *pr.Mergeable &&
		purelyAdditiveTests(files) {
		if err := m.gh.MergePR(ctx, repo.Owner, repo.Name, pr.Number); err != nil {
			return err
		}
		slog.Info("prmonitor: auto-merged PR", "repo", repo.String(), "pr", pr.Number)
	}
	return nil
}

// watchAck checks, after a grace period, whether anyone reacted to the
// feedback comment. No reaction usually means the session did not pick
// the feedback up and an operator should look.
func (m *Monitor) watchAck(repo Repo, number int, commentID int64) {
	defer m.wg.Done()
	time.Sleep(m.reactionDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reactions, err := m.gh.CommentReactions(ctx, repo.Owner, repo.Name, commentID)
	if err != nil {
		slog.Warn("prmonitor: reaction check failed", "pr", number, "comment", commentID, "err", err)
		return
	}
	if reactions.TotalCount == 0 {
		slog.Warn("prmonitor: feedback comment unacknowledged",
			"repo", repo.String(), "pr", number, "comment", commentID)
	} else {
		slog.Debug("prmonitor: feedback acknowledged", "pr", number, "reactions", reactions.TotalCount)
	}
}

// classifyChecks splits check runs into failing and still-pending names.
func classifyChecks(checks []github.CheckRun) (failing, pending []string) {
	for _, c := range checks {
		if c.Status != "completed" {
			pending = append(pending, c.Name)
			continue
		}
		switch c.Conclusion {
		case "failure", "timed_out", "cancelled", "action_required":
			failing = append(failing, c.Name)
		}
	}
	return failing, pending
}

func commentTag(sha string) string {
	return commentTagPrefix + sha + " -->"
}

func hasTag(comments []github.Comment, tag string) bool {
	for _, c := range comments {
		if strings.Contains(c.Body, tag) {
			return true
		}
	}
	return false
}

// countTagged counts the monitor's own comments regardless of head SHA.
func countTagged(comments []github.Comment) int {
	n := 0
	for _, c := range comments {
		if strings.Contains(c.Body, commentTagPrefix) {
			n++
		}
	}
	return n
}

func buildFailureComment(pr github.PullRequest, failing []string, files []github.PRFile) string {
	var b strings.Builder
	b.WriteString("CI is failing on this pull request.\n\n")
	b.WriteString("Failing checks:\n")
	for _, name := range failing {
		fmt.Fprintf(&b, "- %s\n", name)
	}

	if pr.Mergeable != nil && !*pr.Mergeable || pr.MergeableState == "dirty" {
		b.WriteString("\nThe branch has conflicts with the base branch. ")
		b.WriteString("Rebase or merge the base branch and resolve the conflicts first.\n")
	}

	if deletesTests(files) {
		b.WriteString("\nWarning: this change deletes or shrinks test files. ")
		b.WriteString("Do not remove tests to make CI pass; fix the underlying failure instead.\n")
	}

	b.WriteString("\nPlease investigate the failures and push a fix.\n")
	b.WriteString("\n" + commentTag(pr.Head.SHA) + "\n")
	return b.String()
}

// isTestFile reports whether a changed path looks like a test.
func isTestFile(name string) bool {
	base := path.Base(name)
	if strings.HasSuffix(base, "_test.go") {
		return true
	}
	if strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") {
		return true
	}
	for _, dir := range strings.Split(path.Dir(name), "/") {
		if dir == "test" || dir == "tests" || dir == "__tests__" {
			return true
		}
	}
	return false
}

// deletesTests reports whether the change removes test files or removes
// lines from them.
func deletesTests(files []github.PRFile) bool {
	for _, f := range files {
		if !isTestFile(f.Filename) {
			continue
		}
		if f.Status == "removed" || f.Deletions > 0 {
			return true
		}
	}
	return false
}

// purelyAdditiveTests reports whether the whole diff is added test
// content: every changed file is a test file, nothing is removed, and no
// line is deleted. Any production-code change fails the gate, so the only
// PRs eligible for auto-merge are ones that can't break shipped behavior.
func purelyAdditiveTests(files []github.PRFile) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !isTestFile(f.Filename) {
			return false
		}
		if f.Status == "removed" || f.Deletions > 0 {
			return false
		}
	}
	return true
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}

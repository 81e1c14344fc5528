// Package reaper deletes leftover bot branches: branches authored by the
// automation account whose last commit is old and which no open pull
// request references.
package reaper

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agentdeck/internal/db"
	"agentdeck/internal/github"
	"agentdeck/internal/prmonitor"
)

const deleteFanOut = 5

// Reaper sweeps the configured repositories for stale bot branches.
type Reaper struct {
	gh       *github.Client
	store    *db.Store
	profile  string
	repos    []prmonitor.Repo
	botLogin string

	now func() time.Time
}

func NewReaper(gh *github.Client, store *db.Store, profile string, repos []prmonitor.Repo, botLogin string) *Reaper {
	return &Reaper{
		gh:       gh,
		store:    store,
		profile:  profile,
		repos:    repos,
		botLogin: botLogin,
		now:      time.Now,
	}
}

// Tick sweeps every configured repository once.
func (r *Reaper) Tick(ctx context.Context) {
	if !r.gh.HasCredentials() {
		slog.Debug("reaper: no token, skipping tick")
		return
	}
	settings, err := r.store.GetSettings(ctx, r.profile)
	if err != nil {
		slog.Error("reaper: read settings", "err", err)
		return
	}
	if !settings.ReaperEnabled {
		return
	}
	maxAge := time.Duration(settings.ReaperMaxAgeDays) * 24 * time.Hour

	for _, repo := range r.repos {
		if err := r.sweepRepo(ctx, repo, maxAge); err != nil {
			slog.Error("reaper: sweep repo", "repo", repo.String(), "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Reaper) sweepRepo(ctx context.Context, repo prmonitor.Repo, maxAge time.Duration) error {
	defaultBranch, err := r.gh.DefaultBranch(ctx, repo.Owner, repo.Name)
	if err != nil {
		return err
	}

	// Any branch backing an open PR is off limits, whoever opened it.
	openPRs, err := r.gh.ListOpenPRs(ctx, repo.Owner, repo.Name, "")
	if err != nil {
		return err
	}
	inUse := make(map[string]struct{}, len(openPRs))
	for _, pr := range openPRs {
		inUse[pr.Head.Ref] = struct{}{}
	}

	branches, err := r.gh.ListBranches(ctx, repo.Owner, repo.Name)
	if err != nil {
		return err
	}

	cutoff := r.now().Add(-maxAge)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteFanOut)
	for _, branch := range branches {
		if branch.Name == defaultBranch || branch.Protected {
			continue
		}
		if _, used := inUse[branch.Name]; used {
			continue
		}

		branch := branch
		g.Go(func() error {
			commit, err := r.gh.GetCommit(gctx, repo.Owner, repo.Name, branch.Commit.SHA)
			if err != nil {
				slog.Warn("reaper: fetch tip commit", "branch", branch.Name, "err", err)
				return nil
			}
			if !r.isBotCommit(commit) {
				return nil
			}
			committed, err := time.Parse(time.RFC3339, commit.Commit.Committer.Date)
			if err != nil || committed.After(cutoff) {
				return nil
			}

			if err := r.gh.DeleteBranch(gctx, repo.Owner, repo.Name, branch.Name); err != nil {
				slog.Warn("reaper: delete branch", "repo", repo.String(), "branch", branch.Name, "err", err)
				return nil
			}
			slog.Info("reaper: deleted stale branch",
				"repo", repo.String(), "branch", branch.Name, "age", r.now().Sub(committed).Round(time.Hour))
			return nil
		})
	}
	return g.Wait()
}

// isBotCommit decides whether the branch tip was authored by the
// automation account. The commit identity rarely matches the login
// exactly, so a few heuristics apply.
func (r *Reaper) isBotCommit(c github.Commit) bool {
	author := c.Commit.Author
	if author.Name == r.botLogin {
		return true
	}
	if strings.HasSuffix(author.Name, "[bot]") {
		return true
	}
	if strings.HasSuffix(author.Email, "@users.noreply.github.com") &&
		strings.Contains(author.Email, "[bot]") {
		return true
	}
	return false
}

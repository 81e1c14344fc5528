// Package daemon wires the engine together: one shared HTTP client, one
// store, and a scheduler running the seven background workers.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"agentdeck/internal/agentapi"
	"agentdeck/internal/automation"
	"agentdeck/internal/batch"
	"agentdeck/internal/cache"
	"agentdeck/internal/config"
	"agentdeck/internal/db"
	"agentdeck/internal/github"
	"agentdeck/internal/httputil"
	"agentdeck/internal/prmonitor"
	"agentdeck/internal/reaper"
	"agentdeck/internal/scheduler"
)

// batchLockID names the advisory lock serializing batch processing. A
// second daemon pointed at the same database skips the batch tick rather
// than double-creating sessions.
const (
	batchLockID  = "background_job_worker"
	batchLockTTL = 10 * time.Minute
)

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.PIDFile), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := WritePID(cfg.Daemon.PIDFile); err != nil {
		return err
	}
	defer RemovePID(cfg.Daemon.PIDFile)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// All remote traffic shares one bounded client, so the in-flight cap
	// holds across every worker.
	hc := httputil.NewClient(httputil.DefaultMaxInFlight)
	api := agentapi.NewClient(cfg.API.BaseURL, cfg.API.Key, hc)
	gh := github.NewClient(cfg.Tokens.GitHub, hc)

	repos := make([]prmonitor.Repo, 0, len(cfg.Repos))
	for _, r := range cfg.Repos {
		repos = append(repos, prmonitor.Repo{Owner: r.Owner, Name: r.Name})
	}

	profile := cfg.Profile
	refresher := cache.NewRefresher(store, api, gh)
	processor := batch.NewProcessor(store, api, profile)
	runner := automation.NewRunner(store, api, profile)
	monitor := prmonitor.NewMonitor(gh, store, profile, repos, cfg.Bot.Login)
	sweeper := reaper.NewReaper(gh, store, profile, repos, cfg.Bot.Login)

	interval := func(pick func(db.Settings) int) func(context.Context) time.Duration {
		return func(ctx context.Context) time.Duration {
			settings, err := store.GetSettings(ctx, profile)
			if err != nil {
				slog.Error("daemon: read settings for interval", "err", err)
				return time.Minute
			}
			return time.Duration(pick(settings)) * time.Second
		}
	}

	approveRule := automation.ApproveRule()
	retryRule := automation.RetryRule()
	continueRule := automation.ContinueRule()

	sched := scheduler.New(
		scheduler.Worker{
			Name: "cache-refresh",
			Tick: func(ctx context.Context) {
				settings, err := store.GetSettings(ctx, profile)
				if err != nil {
					slog.Error("daemon: read settings for cache refresh", "err", err)
					return
				}
				if err := refresher.Refresh(ctx, cache.Options{MaxAgeDays: settings.CacheMaxAgeDays}); err != nil {
					slog.Error("daemon: cache refresh", "err", err)
				}
			},
			Interval: interval(func(s db.Settings) int { return s.CacheIntervalSecs }),
		},
		scheduler.Worker{
			Name: "batch-processor",
			Tick: func(ctx context.Context) {
				acquired, err := store.AcquireLock(ctx, batchLockID, batchLockTTL)
				if err != nil {
					slog.Error("daemon: acquire batch lock", "err", err)
					return
				}
				if !acquired {
					slog.Debug("daemon: batch lock held elsewhere, skipping tick")
					return
				}
				defer func() {
					if err := store.ReleaseLock(context.Background(), batchLockID); err != nil {
						slog.Warn("daemon: release batch lock", "err", err)
					}
				}()
				processor.Tick(ctx)
			},
			Interval: interval(func(s db.Settings) int { return s.BatchIntervalSecs }),
		},
		scheduler.Worker{
			Name:     approveRule.Name,
			Tick:     func(ctx context.Context) { runner.RunRule(ctx, approveRule) },
			Interval: func(ctx context.Context) time.Duration { return runner.Interval(ctx, approveRule) },
		},
		scheduler.Worker{
			Name:     retryRule.Name,
			Tick:     func(ctx context.Context) { runner.RunRule(ctx, retryRule) },
			Interval: func(ctx context.Context) time.Duration { return runner.Interval(ctx, retryRule) },
		},
		scheduler.Worker{
			Name:     continueRule.Name,
			Tick:     func(ctx context.Context) { runner.RunRule(ctx, continueRule) },
			Interval: func(ctx context.Context) time.Duration { return runner.Interval(ctx, continueRule) },
		},
		scheduler.Worker{
			Name:     "pr-monitor",
			Tick:     monitor.Tick,
			Interval: interval(func(s db.Settings) int { return s.PRIntervalSecs }),
		},
		scheduler.Worker{
			Name:     "branch-reaper",
			Tick:     sweeper.Tick,
			Interval: interval(func(s db.Settings) int { return s.ReaperIntervalSecs }),
		},
	)

	sched.Start(ctx)
	slog.Info("daemon started", "repos", len(repos), "profile", profile)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping...")

	// Force-exit on second signal.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	// Graceful shutdown with hard deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		monitor.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("daemon stopped")
	case <-shutdownCtx.Done():
		slog.Error("shutdown timed out after 10s, forcing exit")
		os.Exit(1)
	}

	return nil
}

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"agentdeck/internal/config"
	"agentdeck/internal/daemon"

	"github.com/spf13/cobra"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agentdeck daemon",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if daemon.IsRunning(cfg.Daemon.PIDFile) {
		return fmt.Errorf("daemon is already running (see %s)", cfg.Daemon.PIDFile)
	}

	if foreground {
		return runForeground(cfg)
	}
	return runBackground(cfg)
}

// runForeground configures logging and runs the daemon in the current process.
func runForeground(cfg *config.Config) error {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	fmt.Println("Starting agentdeck daemon in foreground...")
	return daemon.Run(cfg)
}

// runBackground re-execs the current binary with --foreground as a detached
// child process, then waits briefly to verify it started successfully.
func runBackground(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	childArgs := []string{"start", "--foreground"}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}

	logPath := cfg.LogFile
	if logPath == "" {
		logPath = filepath.Join(cfg.BaseDir, "deckd.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// Race child.Wait() against a grace period timer. We must reap the child
	// to detect early exits — a zombie still passes kill(pid, 0).
	waitCh := make(chan error, 1)
	go func() { waitCh <- child.Wait() }()

	select {
	case err := <-waitCh:
		if err != nil {
			return fmt.Errorf("daemon exited immediately (%v); check logs at %s", err, logPath)
		}
		return fmt.Errorf("daemon exited immediately; check logs at %s", logPath)
	case <-time.After(500 * time.Millisecond):
		// Still running after 500ms — detach and let it go.
	}

	fmt.Printf("Daemon started. Log: %s\n", logPath)
	return nil
}

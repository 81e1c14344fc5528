package cli

import (
	"fmt"
	"strings"

	"agentdeck/internal/daemon"
	"agentdeck/internal/db"

	"github.com/spf13/cobra"
)

type statusOutput struct {
	Running       bool           `json:"running"`
	JobCounts     map[string]int `json:"job_counts"`
	SessionCounts map[string]int `json:"session_counts"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status, job and session counts",
	RunE:  runStatus,
}

var statusShort bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusShort, "short", false, "print one-line status summary")
}

func renderShortStatusSummary(running bool, pendingJobs, activeSessions int) string {
	state := "stopped"
	if running {
		state = "running"
	}
	return fmt.Sprintf("%s | %d jobs pending, %d sessions active", state, pendingJobs, activeSessions)
}

func renderCountLine(title string, counts map[string]int, order []string) string {
	parts := make([]string, 0, len(order))
	for _, key := range order {
		if n := counts[key]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(key)))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "none")
	}
	return fmt.Sprintf("%-10s %s", title+":", strings.Join(parts, " · "))
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running := daemon.IsRunning(cfg.Daemon.PIDFile)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobCounts, err := groupCount(store, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	sessionCounts, err := groupCount(store, `SELECT state, COUNT(*) FROM cached_sessions GROUP BY state`)
	if err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}

	active := sessionCounts[db.SessionQueued] +
		sessionCounts[db.SessionPlanning] +
		sessionCounts[db.SessionInProgress]

	if jsonOut {
		printJSON(statusOutput{
			Running:       running,
			JobCounts:     jobCounts,
			SessionCounts: sessionCounts,
		})
		return nil
	}
	if statusShort {
		fmt.Println(renderShortStatusSummary(running, jobCounts[db.JobPending], active))
		return nil
	}

	if running {
		fmt.Println("Daemon: running")
	} else {
		fmt.Println("Daemon: stopped")
	}
	fmt.Println()
	fmt.Println(renderCountLine("Jobs", jobCounts, []string{
		db.JobPending, db.JobProcessing, db.JobCompleted, db.JobPartialSuccess, db.JobFailed,
	}))
	fmt.Println(renderCountLine("Sessions", sessionCounts, []string{
		db.SessionQueued, db.SessionPlanning, db.SessionInProgress,
		db.SessionAwaitingPlanApproval, db.SessionAwaitingUserFeedback,
		db.SessionCompleted, db.SessionFailed,
	}))
	return nil
}

func groupCount(store *db.Store, query string) (map[string]int, error) {
	rows, err := store.Reader.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

package cli

import (
	"fmt"
	"strings"

	"agentdeck/internal/db"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage batch session jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job with its session ids",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var (
	jobRepo   string
	jobBranch string
	jobCount  int
)

var jobsCreateCmd = &cobra.Command{
	Use:   "create <prompt>",
	Short: "Queue a batch job; the daemon creates the sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCreate,
}

func init() {
	jobsCreateCmd.Flags().StringVar(&jobRepo, "repo", "", "target repository (owner/name)")
	jobsCreateCmd.Flags().StringVar(&jobBranch, "branch", "main", "starting branch")
	jobsCreateCmd.Flags().IntVarP(&jobCount, "count", "n", 1, "number of sessions to create")
	_ = jobsCreateCmd.MarkFlagRequired("repo")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCreateCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if jobCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.CreateJob(cmd.Context(), args[0], jobRepo, jobBranch, jobCount)
	if err != nil {
		return err
	}
	fmt.Printf("Queued job %s (%d sessions on %s@%s)\n", id, jobCount, jobRepo, jobBranch)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, skipped, err := store.ListJobsByStatus(cmd.Context(),
		db.JobPending, db.JobProcessing, db.JobCompleted, db.JobPartialSuccess, db.JobFailed)
	if err != nil {
		return err
	}
	for _, serr := range skipped {
		fmt.Printf("warning: %v\n", serr)
	}

	if jsonOut {
		printJSON(jobs)
		return nil
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%-40s %-16s %d/%d  %s\n", j.ID, j.Status, len(j.SessionIDs), j.SessionCount, j.Repo)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(job)
		return nil
	}

	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Repo:     %s@%s\n", job.Repo, job.Branch)
	fmt.Printf("Progress: %d/%d sessions\n", len(job.SessionIDs), job.SessionCount)
	if job.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", job.ErrorMessage)
	}
	if len(job.SessionIDs) > 0 {
		fmt.Printf("Sessions:\n  %s\n", strings.Join(job.SessionIDs, "\n  "))
	}
	return nil
}

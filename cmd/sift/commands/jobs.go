package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/sift/am"
	"github.com/teranos/sift/db"
	"github.com/teranos/sift/logger"
	"github.com/teranos/sift/pulse"
)

// JobsCmd groups background job operations
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage background jobs",
	Long: `Inspect and manage durable background jobs.

Status filters:
  queued    - Jobs waiting to be processed
  running   - Jobs currently being processed
  completed - Successfully completed jobs
  failed    - Jobs that failed after retries
  cancelled - Jobs cancelled by an operator

Examples:
  sift jobs ls                    # List all jobs
  sift jobs ls --status failed    # List only failed jobs
  sift jobs status <id>           # Show job details
  sift jobs cancel <id>           # Cancel a queued or running job
  sift jobs cleanup --days 30     # Delete old terminal jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(statusFilter, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsCancel(args[0])
	},
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old completed, failed, and cancelled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return runJobsCleanup(days)
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobsCleanupCmd.Flags().Int("days", 30, "Delete terminal jobs older than this many days")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsCleanupCmd)
}

func openQueue() (*pulse.Queue, func(), error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	return pulse.NewQueue(database), func() { database.Close() }, nil
}

func runJobsLs(statusFilter string, limit int) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	var status *pulse.JobStatus
	if statusFilter != "" {
		if !pulse.IsValidStatus(statusFilter) {
			return fmt.Errorf("invalid status: %s", statusFilter)
		}
		s := pulse.JobStatus(statusFilter)
		status = &s
	}

	jobs, err := queue.ListJobs(status, limit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-38s %-10s %-18s %-30s %s\n", "JOB ID", "STATUS", "HANDLER", "SOURCE", "CREATED")
	for _, job := range jobs {
		fmt.Printf("%-38s %-10s %-18s %-30s %s\n",
			job.ID,
			job.Status,
			truncate(job.HandlerName, 18),
			truncate(job.Source, 30),
			job.CreatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(jobID string) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := queue.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Handler: %s\n", job.HandlerName)
	fmt.Printf("  Source: %s\n", job.Source)
	fmt.Printf("  Status: %s\n", job.Status)
	if job.ParentJobID != "" {
		fmt.Printf("  Parent: %s\n", job.ParentJobID)
	}
	if job.RetryCount > 0 {
		fmt.Printf("  Retries: %d/%d\n", job.RetryCount, pulse.MaxRetries)
	}
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}

	children, err := queue.ListJobsByParent(job.ID)
	if err == nil && len(children) > 0 {
		fmt.Printf("\nChildren:\n")
		for _, child := range children {
			fmt.Printf("  %s  %-10s %s\n", child.ID, child.Status, child.Source)
		}
	}

	return nil
}

func runJobsCancel(jobID string) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := queue.CancelJob(jobID, "cancelled via CLI"); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	fmt.Printf("Job %s cancelled\n", jobID)
	return nil
}

func runJobsCleanup(days int) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	deleted, err := queue.Cleanup(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("failed to clean up jobs: %w", err)
	}

	fmt.Printf("Deleted %d old job(s)\n", deleted)
	return nil
}

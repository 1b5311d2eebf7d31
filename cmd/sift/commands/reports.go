package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/sift/am"
	"github.com/teranos/sift/db"
	"github.com/teranos/sift/logger"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/signal"
)

// ReportsCmd groups report inspection operations
var ReportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Inspect reports",
	Long: `Inspect signal reports.

Status values:
  potential      - accumulating weight, below the promotion threshold
  candidate      - promoted, awaiting finalization
  in_progress    - finalization running
  ready          - finalized, immediately actionable
  pending_input  - finalized, needs human input
  failed         - unsafe, split, or errored

Examples:
  sift reports ls --tenant acme
  sift reports ls --tenant acme --status ready
  sift reports show rpt_abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var reportsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List reports for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runReportsLs(tenant, statusFilter, limit)
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show report details and its signals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReportsShow(args[0])
	},
}

func init() {
	reportsLsCmd.Flags().String("tenant", "", "Tenant to list reports for")
	reportsLsCmd.Flags().String("status", "", "Filter by status")
	reportsLsCmd.Flags().Int("limit", 50, "Maximum number of reports to display")
	reportsLsCmd.MarkFlagRequired("tenant")

	ReportsCmd.AddCommand(reportsLsCmd)
	ReportsCmd.AddCommand(reportsShowCmd)
}

func runReportsLs(tenant, statusFilter string, limit int) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	var status *report.Status
	if statusFilter != "" {
		st := report.Status(statusFilter)
		if !st.IsValid() {
			return fmt.Errorf("invalid status: %s", statusFilter)
		}
		status = &st
	}

	store := report.NewStore(database, logger.Logger)
	reports, err := store.List(tenant, status, limit)
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}

	if len(reports) == 0 {
		pterm.Info.Println("No reports found")
		return nil
	}

	rows := pterm.TableData{{"REPORT ID", "STATUS", "WEIGHT", "SIGNALS", "TITLE", "UPDATED"}}
	for _, r := range reports {
		rows = append(rows, []string{
			truncate(r.ID, 16),
			string(r.Status),
			fmt.Sprintf("%.2f", r.TotalWeight),
			fmt.Sprintf("%d", r.SignalCount),
			truncate(r.Title, 40),
			r.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	fmt.Printf("\nTotal: %d report(s)\n", len(reports))
	return nil
}

func runReportsShow(reportID string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	store := report.NewStore(database, logger.Logger)
	r, err := store.Get(reportID)
	if err != nil {
		return fmt.Errorf("failed to get report: %w", err)
	}

	fmt.Printf("Report: %s\n", r.ID)
	fmt.Printf("  Tenant: %s\n", r.TenantID)
	fmt.Printf("  Status: %s\n", r.Status)
	fmt.Printf("  Weight: %.2f (%d signals)\n", r.TotalWeight, r.SignalCount)
	if r.Title != "" {
		fmt.Printf("  Title: %s\n", r.Title)
	}
	if r.Summary != "" {
		fmt.Printf("  Summary: %s\n", r.Summary)
	}
	if r.Error != "" {
		fmt.Printf("  Detail: %s\n", r.Error)
	}
	if r.PromotedAt != nil {
		fmt.Printf("  Promoted: %s\n", r.PromotedAt.Format(time.RFC3339))
	}
	if r.LastRunAt != nil {
		fmt.Printf("  Last run: %s (%d signals at run)\n", r.LastRunAt.Format(time.RFC3339), r.SignalsAtRun)
	}
	fmt.Printf("  Created: %s\n", r.CreatedAt.Format(time.RFC3339))

	signals, err := signal.NewStore(database, logger.Logger).FetchByReport(r.TenantID, r.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch signals: %w", err)
	}
	if len(signals) > 0 {
		fmt.Printf("\nSignals:\n")
		for _, s := range signals {
			fmt.Printf("  %s (weight %.2f) %s\n",
				s.Timestamp.Format("2006-01-02 15:04"), s.Weight, truncate(s.Content, 80))
		}
	}

	return nil
}

// truncate shortens a string for table display
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

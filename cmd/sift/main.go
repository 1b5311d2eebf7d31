package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/sift/cmd/sift/commands"
	"github.com/teranos/sift/logger"
)

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "sift - Signal clustering and report lifecycle engine",
	Long: `sift ingests weighted product signals, clusters them into reports
via semantic search and LLM judgment, and drives each report through a
judged finalization pipeline.

Available commands:
  am      - Manage sift configuration
  serve   - Start the sift server (API + job workers)
  signal  - Submit signals for assignment
  reports - Inspect reports
  jobs    - Inspect and manage background jobs

Examples:
  sift am show                  # Show current configuration
  sift serve                    # Start the server and workers
  sift signal emit --tenant acme --product support --type ticket \
      --id T-1 --weight 0.6 "checkout page times out"
  sift reports ls --tenant acme # List reports for a tenant`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SignalCmd)
	rootCmd.AddCommand(commands.ReportsCmd)
	rootCmd.AddCommand(commands.JobsCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

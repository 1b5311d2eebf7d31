package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/sift/am"
	"github.com/teranos/sift/db"
	"github.com/teranos/sift/engine"
	"github.com/teranos/sift/logger"
	"github.com/teranos/sift/pulse"
	sig "github.com/teranos/sift/signal"
)

// SignalCmd groups signal submission operations
var SignalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Submit signals for assignment",
	Long: `Submit weighted signals into the clustering pipeline.

Signals are enqueued as durable jobs; a running 'sift serve' picks them up,
assigns them to reports, and finalizes reports that cross the weight
threshold.

Example:
  sift signal emit --tenant acme --product support --type ticket \
      --id T-1 --weight 0.6 "checkout page times out"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var signalEmitCmd = &cobra.Command{
	Use:   "emit <description>",
	Short: "Submit one signal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		product, _ := cmd.Flags().GetString("product")
		sourceType, _ := cmd.Flags().GetString("type")
		sourceID, _ := cmd.Flags().GetString("id")
		weight, _ := cmd.Flags().GetFloat64("weight")
		return runSignalEmit(sig.Input{
			TenantID:      tenant,
			SourceProduct: product,
			SourceType:    sourceType,
			SourceID:      sourceID,
			Description:   args[0],
			Weight:        weight,
		})
	},
}

func init() {
	signalEmitCmd.Flags().String("tenant", "", "Tenant the signal belongs to")
	signalEmitCmd.Flags().String("product", "", "Producing product (e.g. support, telemetry)")
	signalEmitCmd.Flags().String("type", "", "Event type within the product (e.g. ticket, alert)")
	signalEmitCmd.Flags().String("id", "", "Source-unique event ID")
	signalEmitCmd.Flags().Float64("weight", 0.5, "Signal weight in [0,1]")
	signalEmitCmd.MarkFlagRequired("tenant")
	signalEmitCmd.MarkFlagRequired("product")
	signalEmitCmd.MarkFlagRequired("type")
	signalEmitCmd.MarkFlagRequired("id")

	SignalCmd.AddCommand(signalEmitCmd)
}

func runSignalEmit(in sig.Input) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	queue := pulse.NewQueue(database)
	job, err := engine.EnqueueAssign(queue, in)
	if err != nil {
		return fmt.Errorf("failed to enqueue signal: %w", err)
	}

	fmt.Printf("Signal queued: job %s (%s)\n", job.ID, job.Status)
	return nil
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/ticketbot/internal/scheduler"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one scheduler sweep over eligible failed orders",
	Run:   runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	app := newApp(ctx, cfg)
	defer app.Close()

	report, err := app.Scheduler().RunOnce(ctx)
	if err != nil {
		slog.Error("Sweep failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("eligible=%d batches=%d success=%d failed=%d skipped=%d duration=%s\n",
		report.Eligible,
		report.Batches,
		report.Count(scheduler.ResultSuccess),
		report.Count(scheduler.ResultFailed),
		report.Count(scheduler.ResultSkipped),
		report.Duration,
	)
}

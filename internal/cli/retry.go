package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var retryTimeout time.Duration

var retryCmd = &cobra.Command{
	Use:   "retry [failed_order_id]",
	Short: "Retry one failed order now and wait for the outcome",
	Args:  cobra.ExactArgs(1),
	Run:   runRetry,
}

func init() {
	retryCmd.Flags().DurationVar(&retryTimeout, "timeout", 15*time.Minute, "how long to wait for the retry")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	id := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
	defer cancel()

	app := newApp(ctx, cfg)
	defer app.Close()

	if err := app.Trigger().Retry(ctx, id); err != nil {
		slog.Error("Failed to start retry", "id", id, "error", err)
		os.Exit(1)
	}
	if err := app.Trigger().Wait(ctx); err != nil {
		slog.Error("Retry did not finish in time", "id", id, "error", err)
		os.Exit(1)
	}

	fo, err := app.FailedOrders().FindByID(context.WithoutCancel(ctx), id)
	if err != nil {
		slog.Error("Failed to load failed order", "id", id, "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s %s/%s status=%s failures=%d reason=%q\n",
		fo.ID, fo.WebsiteName, fo.OrderID, fo.Status, fo.FailureCount, fo.FailureReason)
}

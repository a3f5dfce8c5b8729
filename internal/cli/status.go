package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/ticketbot/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the failed order backlog per status",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	app := newApp(ctx, cfg)
	defer app.Close()

	counts, err := app.FailedOrders().CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count failed orders", "error", err)
		os.Exit(1)
	}
	printStatus(os.Stdout, counts)
}

var statusOrder = []domain.FailedOrderStatus{
	domain.FailedOrderStatusFailed,
	domain.FailedOrderStatusRetrying,
	domain.FailedOrderStatusRetried,
	domain.FailedOrderStatusResolved,
}

func printStatus(out io.Writer, counts map[domain.FailedOrderStatus]int) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tORDERS")

	total := 0
	for _, s := range statusOrder {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
		total += counts[s]
	}
	_, _ = fmt.Fprintf(w, "%s\t%d\n", "total", total)
	_ = w.Flush()
}

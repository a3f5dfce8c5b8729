package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/metrics"
)

// ResolvedPruner deletes resolved failed orders older than a cutoff.
type ResolvedPruner interface {
	PruneResolved(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes resolved failed orders based on retention policy.
type Pruner struct {
	retention time.Duration
	interval  time.Duration
	repo      ResolvedPruner
	clock     clock.Clock
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. A zero interval derives one from
// the retention period.
func NewPruner(retention, interval time.Duration, repo ResolvedPruner, clk clock.Clock) *Pruner {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if interval <= 0 {
		// 10% of retention period, between 1 minute and 1 hour
		interval = min(retention/10, 1*time.Hour)
		interval = max(interval, 1*time.Minute)
	}
	return &Pruner{
		retention: retention,
		interval:  interval,
		repo:      repo,
		clock:     clk,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one deletion pass and returns the number of rows removed.
func (p *Pruner) Prune(ctx context.Context) int64 {
	if p.retention <= 0 {
		return 0
	}
	cutoff := p.clock.Now().Add(-p.retention)

	n, err := p.repo.PruneResolved(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune resolved orders", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		metrics.FailedOrdersPruned.Add(float64(n))
		p.log.Info("Pruned resolved orders", "count", n, "cutoff", cutoff)
	}
	return n
}

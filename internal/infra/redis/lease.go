package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Refresher extends leases held with a token.
type Refresher interface {
	RefreshLease(ctx context.Context, name, token string, ttl time.Duration) error
}

// KeepLease refreshes the lease every ttl/3 until the returned stop function
// is called. Refreshing ends early once the lease is lost. stop returns only
// after the refresh loop exited, so it is safe to release the lease next.
func KeepLease(ctx context.Context, r Refresher, name, token string, ttl time.Duration, log *slog.Logger) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.RefreshLease(ctx, name, token, ttl)
				if errors.Is(err, ErrLeaseLost) {
					log.Warn("Lease lost while unit in progress", "lease", name)
					return
				}
				if err != nil {
					log.Warn("Failed to refresh lease", "lease", name, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

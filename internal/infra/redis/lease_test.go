package redis

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRefresher) RefreshLease(ctx context.Context, name, token string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestKeepLease_RefreshesUntilStopped(t *testing.T) {
	r := &countingRefresher{}
	stop := KeepLease(context.Background(), r, "order:alcatraz:1", "tok", 15*time.Millisecond, slog.Default())

	time.Sleep(40 * time.Millisecond)
	stop()
	n := r.count()
	if n == 0 {
		t.Fatal("expected at least one refresh while the unit runs")
	}

	time.Sleep(20 * time.Millisecond)
	if r.count() != n {
		t.Errorf("refresh continued after stop: %d -> %d", n, r.count())
	}
	stop()
}

func TestKeepLease_StopsWhenLeaseLost(t *testing.T) {
	r := &countingRefresher{err: ErrLeaseLost}
	stop := KeepLease(context.Background(), r, "order:alcatraz:1", "tok", 15*time.Millisecond, slog.Default())
	defer stop()

	time.Sleep(40 * time.Millisecond)
	if n := r.count(); n != 1 {
		t.Errorf("expected refreshing to end after the lease was lost, got %d calls", n)
	}
}

func TestKeepLease_ZeroTTL(t *testing.T) {
	r := &countingRefresher{}
	stop := KeepLease(context.Background(), r, "x", "tok", 0, slog.Default())
	stop()
	if r.count() != 0 {
		t.Error("no refresh expected without a ttl")
	}
}

package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/core/order"
	redisclient "github.com/vietddude/ticketbot/internal/infra/redis"
	"github.com/vietddude/ticketbot/internal/infra/storage"
	"github.com/vietddude/ticketbot/internal/metrics"
	"github.com/vietddude/ticketbot/internal/recovery"
)

// Attempters resolves the automation for a website.
type Attempters interface {
	Lookup(website string) (recovery.Attempter, error)
}

// Locker hands out short-lived exclusive leases.
type Locker interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, name, token string) error
	RefreshLease(ctx context.Context, name, token string, ttl time.Duration) error
}

// Config configures manual retries.
type Config struct {
	MaxAttempts int
	Delays      recovery.Schedule
	LeaseTTL    time.Duration
	Instance    string
}

// Trigger runs operator-requested retries of single failed orders.
type Trigger struct {
	cfg        Config
	repo       storage.FailedOrderRepository
	orders     *order.Manager
	executor   *recovery.Executor
	attempters Attempters
	locker     Locker
	log        *slog.Logger
	wg         sync.WaitGroup
}

// New creates a new trigger. locker may be nil.
func New(
	cfg Config,
	repo storage.FailedOrderRepository,
	orders *order.Manager,
	executor *recovery.Executor,
	attempters Attempters,
	locker Locker,
) *Trigger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if cfg.Instance == "" {
		cfg.Instance = "manual"
	}
	return &Trigger{
		cfg:        cfg,
		repo:       repo,
		orders:     orders,
		executor:   executor,
		attempters: attempters,
		locker:     locker,
		log:        slog.Default().With("component", "trigger"),
	}
}

// Retry validates the failed order, marks it retrying and runs the retry in
// the background. It returns as soon as the retry is accepted.
func (t *Trigger) Retry(ctx context.Context, id string) error {
	fo, err := t.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	attempter, err := t.attempters.Lookup(fo.WebsiteName)
	if err != nil {
		return err
	}

	log := t.log.With("orderId", fo.OrderID, "website", fo.WebsiteName, "id", fo.ID)

	var leaseName, token string
	if t.locker != nil {
		leaseName = redisclient.OrderLeaseName(fo.WebsiteName, fo.OrderID)
		var ok bool
		token, ok, err = t.locker.AcquireLease(ctx, leaseName, t.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		if !ok {
			return domain.ErrRetryInProgress
		}
	}
	release := func(ctx context.Context) {
		if token == "" {
			return
		}
		if err := t.locker.ReleaseLease(ctx, leaseName, token); err != nil {
			log.Warn("Failed to release lease", "error", err)
		}
	}

	if err := t.repo.MarkRetrying(ctx, id); err != nil {
		release(ctx)
		return err
	}

	if !fo.Retryable {
		metrics.ManualRetryOverrides.Inc()
		log.Warn("Manual retry of non-retryable order", "reason", fo.FailureReason, "failureCount", fo.FailureCount)
	}
	log.Info("Manual retry accepted")

	runCtx := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer release(runCtx)
		if token != "" {
			stop := redisclient.KeepLease(runCtx, t.locker, leaseName, token, t.cfg.LeaseTTL, log)
			defer stop()
		}
		t.run(runCtx, fo, attempter)
	}()
	return nil
}

// Wait blocks until all accepted retries finished or ctx is done.
func (t *Trigger) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trigger) run(ctx context.Context, fo *domain.FailedOrder, attempter recovery.Attempter) {
	log := t.log.With("orderId", fo.OrderID, "website", fo.WebsiteName, "id", fo.ID)
	key := domain.OrderKey{OrderID: fo.OrderID, WebsiteName: fo.WebsiteName}

	if err := t.orders.SetTriggeredMachine(ctx, key, t.cfg.Instance); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		log.Warn("Failed to record triggered machine", "error", err)
	}

	out := t.executor.Run(ctx, fo.PurchaseOrder(), attempter, recovery.RunOptions{
		MaxAttempts:     t.cfg.MaxAttempts,
		Delays:          t.cfg.Delays,
		SkipPersistence: true,
	})

	if out.Success {
		metrics.ManualRetries.WithLabelValues("success").Inc()
		if err := t.repo.Resolve(ctx, fo.ID); err != nil {
			metrics.PersistErrors.WithLabelValues("trigger").Inc()
			log.Error("Failed to resolve failed order", "error", err)
		}
		if err := t.orders.MarkPassed(ctx, key); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			metrics.PersistErrors.WithLabelValues("trigger").Inc()
			log.Error("Failed to mark order passed", "error", err)
		}
		log.Info("Manual retry succeeded", "attempts", out.Attempts)
		return
	}

	metrics.ManualRetries.WithLabelValues("failed").Inc()
	if err := t.repo.MarkRetried(ctx, fo.ID, out.LastError, true); err != nil {
		metrics.PersistErrors.WithLabelValues("trigger").Inc()
		log.Error("Failed to persist retry failure", "error", err)
	}
	if err := t.orders.MarkFailed(ctx, key, out.LastError); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		log.Warn("Failed to mark order failed", "error", err)
	}
	log.Warn("Manual retry failed", "kind", out.Kind, "error", out.LastError)
}

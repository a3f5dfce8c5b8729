package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/core/order"
	redisclient "github.com/vietddude/ticketbot/internal/infra/redis"
	"github.com/vietddude/ticketbot/internal/infra/storage"
	"github.com/vietddude/ticketbot/internal/metrics"
	"github.com/vietddude/ticketbot/internal/recovery"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Unit results reported in the batch summary.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Config configures the batch scheduler.
type Config struct {
	Interval        time.Duration // Time between sweeps (default: 20m)
	Threshold       int           // failure_count that makes an order eligible (default: 3)
	MaxConcurrency  int           // Units per batch; 0 derives it from the CPU count
	Cooldown        time.Duration // Pause between batches
	BatchLimit      int           // Max orders fetched per sweep (default: 1000)
	MaxAttempts     int           // Executor attempts per unit (default: 1)
	Delays          recovery.Schedule
	LeaseTTL        time.Duration // Redis lease TTL per unit (default: 30m)
	ShutdownTimeout time.Duration // Max wait for in-flight units on Stop (default: 5m)
	Instance        string        // Recorded as triggered machine and in trace notes
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        20 * time.Minute,
		Threshold:       3,
		Cooldown:        5 * time.Second,
		BatchLimit:      1000,
		MaxAttempts:     1,
		LeaseTTL:        30 * time.Minute,
		ShutdownTimeout: 5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = d.BatchLimit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Instance == "" {
		c.Instance = "scheduler"
	}
}

// Concurrency returns the configured limit, or max(1, min(3, numCPU/2)) when
// configured is not positive. Each unit drives a browser session.
func Concurrency(configured, numCPU int) int {
	if configured > 0 {
		return configured
	}
	return max(1, min(3, numCPU/2))
}

// Locker hands out short-lived exclusive leases.
type Locker interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, name, token string) error
	RefreshLease(ctx context.Context, name, token string, ttl time.Duration) error
}

// Attempters resolves the automation for a website.
type Attempters interface {
	Lookup(website string) (recovery.Attempter, error)
}

// Report summarizes one sweep.
type Report struct {
	Eligible int               `json:"eligible"`
	Batches  int               `json:"batches"`
	Results  map[string]string `json:"results"` // orderId -> success|failed|skipped
	Duration time.Duration     `json:"duration"`
}

// Count returns the number of units with the given result.
func (r *Report) Count(result string) int {
	n := 0
	for _, v := range r.Results {
		if v == result {
			n++
		}
	}
	return n
}

// Scheduler periodically retries failed orders that exhausted their inline
// attempts.
type Scheduler struct {
	cfg        Config
	repo       storage.FailedOrderRepository
	orders     *order.Manager
	executor   *recovery.Executor
	attempters Attempters
	locker     Locker
	clock      clock.Clock
	log        *slog.Logger

	sweeping atomic.Bool
	inFlight sync.WaitGroup
	gate     sync.Mutex
	stopping bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a new scheduler. locker may be nil when a single instance runs.
func New(
	cfg Config,
	repo storage.FailedOrderRepository,
	orders *order.Manager,
	executor *recovery.Executor,
	attempters Attempters,
	locker Locker,
) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:        cfg,
		repo:       repo,
		orders:     orders,
		executor:   executor,
		attempters: attempters,
		locker:     locker,
		clock:      clock.NewSystem(),
		log:        slog.Default().With("component", "scheduler"),
		sleep:      sleepContext,
	}
}

// Concurrency returns the number of units run per batch.
func (s *Scheduler) Concurrency() int {
	return Concurrency(s.cfg.MaxConcurrency, runtime.NumCPU())
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("Scheduler started",
		"interval", s.cfg.Interval,
		"threshold", s.cfg.Threshold,
		"concurrency", s.Concurrency(),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				s.log.Error("Sweep failed", "error", err)
			}
		}
	}
}

// Stop waits for in-flight units, up to ctx or the shutdown timeout.
// No unit is dispatched once Stop was called.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.gate.Lock()
	s.stopping = true
	s.gate.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("Shutdown deadline reached with retry units in flight; their orders stay retried")
		return ctx.Err()
	}
}

// RunOnce performs one sweep over eligible orders. Units already dispatched
// run to completion even if ctx is cancelled; no new batch starts after.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	defer func() {
		metrics.SchedulerSweepDuration.Observe(time.Since(start).Seconds())
	}()

	eligible, err := s.repo.FindEligible(ctx, s.cfg.Threshold, s.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to find eligible orders: %w", err)
	}

	report := &Report{
		Eligible: len(eligible),
		Results:  make(map[string]string, len(eligible)),
	}
	if len(eligible) == 0 {
		s.log.Debug("No eligible failed orders")
		report.Duration = time.Since(start)
		return report, nil
	}

	size := s.Concurrency()
	s.log.Info("Sweep started", "eligible", len(eligible), "concurrency", size)

	unitCtx := context.WithoutCancel(ctx)
	var mu sync.Mutex

	for i := 0; i < len(eligible); i += size {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.Cooldown); err != nil {
				s.log.Info("Sweep interrupted between batches", "remaining", len(eligible)-i)
				break
			}
		}
		batch := eligible[i:min(i+size, len(eligible))]
		if ctx.Err() != nil || !s.admit(len(batch)) {
			s.log.Info("Sweep interrupted before batch", "remaining", len(eligible)-i)
			break
		}
		summary := make(map[string]string, len(batch))

		var g errgroup.Group
		for _, fo := range batch {
			g.Go(func() error {
				defer s.inFlight.Done()
				result := s.runUnit(unitCtx, fo)
				mu.Lock()
				summary[fo.OrderID] = result
				report.Results[fo.OrderID] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		report.Batches++
		metrics.SchedulerBatches.Inc()
		s.log.Info("Batch completed", "batch", report.Batches, "size", len(batch), "results", summary)
	}

	report.Duration = time.Since(start)
	s.log.Info("Sweep completed",
		"eligible", report.Eligible,
		"batches", report.Batches,
		"success", report.Count(ResultSuccess),
		"failed", report.Count(ResultFailed),
		"skipped", report.Count(ResultSkipped),
		"duration", report.Duration,
	)
	return report, nil
}

// admit registers n in-flight units unless the scheduler is stopping.
func (s *Scheduler) admit(n int) bool {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.stopping {
		return false
	}
	s.inFlight.Add(n)
	return true
}

func (s *Scheduler) runUnit(ctx context.Context, fo *domain.FailedOrder) (result string) {
	metrics.SchedulerInFlight.Inc()
	defer func() {
		metrics.SchedulerInFlight.Dec()
		metrics.SchedulerUnits.WithLabelValues(result).Inc()
	}()

	log := s.log.With("orderId", fo.OrderID, "website", fo.WebsiteName, "id", fo.ID)
	key := domain.OrderKey{OrderID: fo.OrderID, WebsiteName: fo.WebsiteName}

	attempter, err := s.attempters.Lookup(fo.WebsiteName)
	if err != nil {
		log.Warn("No automation for website, skipping", "error", err)
		return ResultSkipped
	}

	if s.locker != nil {
		name := redisclient.OrderLeaseName(fo.WebsiteName, fo.OrderID)
		token, ok, err := s.locker.AcquireLease(ctx, name, s.cfg.LeaseTTL)
		if err != nil {
			log.Error("Failed to acquire lease", "error", err)
			return ResultSkipped
		}
		if !ok {
			log.Debug("Order leased by another instance")
			return ResultSkipped
		}
		stop := redisclient.KeepLease(ctx, s.locker, name, token, s.cfg.LeaseTTL, log)
		defer func() {
			stop()
			if err := s.locker.ReleaseLease(ctx, name, token); err != nil {
				log.Warn("Failed to release lease", "error", err)
			}
		}()
	}

	note := fmt.Sprintf("%s scheduled retry #%d by %s",
		s.clock.Now().Format(time.RFC3339), fo.FailureCount+1, s.cfg.Instance)
	claimed, err := s.repo.Claim(ctx, fo.ID, fo.FailureCount, note)
	if err != nil {
		log.Error("Failed to claim order", "error", err)
		return ResultSkipped
	}
	if !claimed {
		log.Info("Order claimed elsewhere, skipping")
		return ResultSkipped
	}

	if err := s.orders.SetTriggeredMachine(ctx, key, s.cfg.Instance); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		log.Warn("Failed to record triggered machine", "error", err)
	}

	out := s.executor.Run(ctx, fo.PurchaseOrder(), attempter, recovery.RunOptions{
		MaxAttempts:     s.cfg.MaxAttempts,
		Delays:          s.cfg.Delays,
		SkipPersistence: true,
	})

	if out.Success {
		if err := s.orders.MarkPassed(ctx, key); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			metrics.PersistErrors.WithLabelValues("scheduler").Inc()
			log.Error("Failed to mark order passed", "error", err)
		}
		// The row may have been removed by an operator meanwhile
		if _, err := s.repo.FindByID(ctx, fo.ID); err != nil {
			if errors.Is(err, domain.ErrFailedOrderNotFound) {
				log.Info("Failed order already removed")
			} else {
				log.Error("Failed to re-confirm failed order", "error", err)
			}
			return ResultSuccess
		}
		if err := s.repo.Delete(ctx, fo.ID); err != nil && !errors.Is(err, domain.ErrFailedOrderNotFound) {
			metrics.PersistErrors.WithLabelValues("scheduler").Inc()
			log.Error("Failed to delete retried order", "error", err)
		}
		log.Info("Scheduled retry succeeded", "attempts", out.Attempts)
		return ResultSuccess
	}

	if err := s.repo.MarkRetried(ctx, fo.ID, out.LastError, false); err != nil {
		metrics.PersistErrors.WithLabelValues("scheduler").Inc()
		log.Error("Failed to persist retry failure", "error", err)
	}
	if err := s.orders.MarkFailed(ctx, key, out.LastError); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		log.Warn("Failed to mark order failed", "error", err)
	}
	log.Warn("Scheduled retry failed", "kind", out.Kind, "error", out.LastError)
	return ResultFailed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/ticketbot/internal/api"
	"github.com/vietddude/ticketbot/internal/automation"
	"github.com/vietddude/ticketbot/internal/core/config"
	"github.com/vietddude/ticketbot/internal/core/order"
	"github.com/vietddude/ticketbot/internal/core/worker"
	"github.com/vietddude/ticketbot/internal/health"
	redisclient "github.com/vietddude/ticketbot/internal/infra/redis"
	"github.com/vietddude/ticketbot/internal/infra/storage"
	"github.com/vietddude/ticketbot/internal/infra/storage/memory"
	"github.com/vietddude/ticketbot/internal/infra/storage/sqlstore"
	"github.com/vietddude/ticketbot/internal/intake"
	"github.com/vietddude/ticketbot/internal/recovery"
	"github.com/vietddude/ticketbot/internal/scheduler"
	"github.com/vietddude/ticketbot/internal/trigger"
)

// locker is the claim lease shared by the scheduler and the manual trigger.
type locker interface {
	scheduler.Locker
	trigger.Locker
}

// App is the main application struct that wires the retry pipeline and
// manages its lifecycle.
type App struct {
	cfg          *config.AppConfig
	db           *sqlstore.DB
	store        *memory.MemoryStorage
	redisClient  *redisclient.Client
	failedRepo   storage.FailedOrderRepository
	orders       *order.Manager
	registry     *automation.Registry
	runners      []*automation.HTTPRunner
	intake       *intake.Service
	trigger      *trigger.Trigger
	scheduler    *scheduler.Scheduler
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	cancel       context.CancelFunc
	log          *slog.Logger
}

// NewApp creates a new App instance with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default().With("component", "app"),
	}

	// 1. Initialize Storage
	var orderRepo storage.OrderRepository
	pingers := make(map[string]health.Pinger)

	if cfg.Database.URL != "" {
		db, err := sqlstore.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		a.db = db
		orderRepo = sqlstore.NewOrderRepo(db, nil)
		a.failedRepo = sqlstore.NewFailedOrderRepo(db, nil)
		pingers["database"] = db
		a.log.Info("Using SQL storage", "driver", db.Driver())
	} else {
		a.store = memory.NewMemoryStorage(nil)
		orderRepo = memory.NewOrderRepo(a.store)
		a.failedRepo = memory.NewFailedOrderRepo(a.store)
		a.log.Warn("Using memory storage; failed orders will not survive a restart")
	}

	// 2. Claim lease
	var lease locker
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, claim lease disabled", "error", err)
		} else {
			a.redisClient = client
			lease = client
			pingers["redis"] = client
		}
	}

	// 3. Recovery pipeline
	classifier := recovery.NewClassifier(
		cfg.Classifier.Rules,
		recovery.WithStrictBookingDate(cfg.Classifier.StrictBookingDate),
	)
	recorder := recovery.NewFailureRecorder(a.failedRepo, classifier)
	executor := recovery.NewExecutor(recorder, classifier)

	a.registry = automation.NewRegistry()
	a.runners = cfg.Automation.Runners()
	for i, runner := range a.runners {
		a.registry.Register(runner.Name(), runner, cfg.Automation.Families[i].Websites...)
	}
	if len(a.registry.Websites()) == 0 {
		a.log.Warn("No automation families configured; every order will be rejected")
	}

	a.orders = order.NewManager(orderRepo, nil)
	a.orders.SetStateChangeCallback(func(t order.Transition) {
		a.log.Debug("Order transition",
			"orderId", t.Key.OrderID,
			"website", t.Key.WebsiteName,
			"field", t.Field,
			"from", t.From,
			"to", t.To,
		)
	})

	a.intake = intake.NewService(intake.Config{
		InlineAttempts: cfg.Intake.InlineAttempts,
		Delays:         config.Schedule(cfg.Intake.Delays, cfg.Intake.Backoff, cfg.Intake.InlineAttempts),
		Instance:       cfg.Instance,
	}, a.orders, executor, a.registry)

	a.trigger = trigger.New(trigger.Config{
		MaxAttempts: cfg.Executor.Attempts,
		Delays:      config.Schedule(cfg.Executor.Delays, cfg.Executor.Backoff, cfg.Executor.Attempts),
		LeaseTTL:    cfg.Scheduler.LeaseTTL.Std(),
		Instance:    cfg.Instance,
	}, a.failedRepo, a.orders, executor, a.registry, lease)

	a.scheduler = scheduler.New(scheduler.Config{
		Interval:        cfg.Scheduler.Interval.Std(),
		Threshold:       cfg.Scheduler.Threshold,
		MaxConcurrency:  cfg.Scheduler.MaxConcurrency,
		Cooldown:        cfg.Scheduler.Cooldown.Std(),
		BatchLimit:      cfg.Scheduler.BatchLimit,
		MaxAttempts:     cfg.Scheduler.Attempts,
		Delays:          config.Schedule(cfg.Scheduler.Delays, cfg.Scheduler.Backoff, cfg.Scheduler.Attempts),
		LeaseTTL:        cfg.Scheduler.LeaseTTL.Std(),
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout.Std(),
		Instance:        cfg.Instance,
	}, a.failedRepo, a.orders, executor, a.registry, lease)

	a.pruner = worker.NewPruner(cfg.Pruner.Retention.Std(), cfg.Pruner.Interval.Std(), a.failedRepo, nil)

	// 4. Health and HTTP surface
	a.healthMon = health.NewMonitor(a.failedRepo, pingers, a.registry, health.Thresholds{
		DegradedFailed:  cfg.Health.DegradedFailed,
		CriticalFailed:  cfg.Health.CriticalFailed,
		RunnerErrorRate: health.DefaultThresholds().RunnerErrorRate,
	}, nil)

	if cfg.Server.AdminToken == "" {
		a.log.Warn("No admin token configured; admin endpoints are unauthenticated")
	}
	a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port, slog.Default().With("component", "http"),
		func(mux *http.ServeMux) {
			api.Register(mux, api.Deps{
				FailedOrders: a.failedRepo,
				Trigger:      a.trigger,
				Intake:       a.intake,
				Orders:       a.orders,
				AdminToken:   cfg.Server.AdminToken,
			})
		},
	)

	return a, nil
}

// FailedOrders exposes the failed order store for CLI commands.
func (a *App) FailedOrders() storage.FailedOrderRepository {
	return a.failedRepo
}

// Trigger exposes the manual retry trigger.
func (a *App) Trigger() *trigger.Trigger {
	return a.trigger
}

// Scheduler exposes the retry scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Handler exposes the HTTP handler for tests.
func (a *App) Handler() http.Handler {
	return a.healthServer.Handler()
}

// Start starts the HTTP server and the background workers. It returns
// immediately.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// Start HTTP Server
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if a.cfg.Scheduler.Leader {
		go a.scheduler.Start(ctx)
	} else {
		a.log.Info("Not the scheduler leader; periodic sweeps disabled")
	}

	if a.cfg.Pruner.Retention > 0 {
		a.log.Info("Starting pruner", "retention", a.cfg.Pruner.Retention.Std())
		go a.pruner.Start(ctx)
	}

	a.log.Info("Ticketbot started",
		"instance", a.cfg.Instance,
		"port", a.cfg.Server.Port,
		"websites", a.registry.Websites(),
	)
	return nil
}

// Stop stops accepting requests, waits for in-flight retries and releases
// resources.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping ticketbot...")

	var errs []error
	if err := a.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := a.trigger.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manual retries: %w", err))
	}
	if err := a.intake.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("intake: %w", err))
	}

	a.Close()
	return errors.Join(errs...)
}

// Close releases connections without waiting for work.
func (a *App) Close() {
	for _, r := range a.runners {
		_ = r.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
		a.db = nil
	}
}

// shutdownTimeout bounds Stop when the caller passes no deadline.
const shutdownTimeout = 15 * time.Second

// StopWithTimeout stops the app with the default shutdown deadline.
func (a *App) StopWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(ctx)
}

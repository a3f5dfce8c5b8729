package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/metrics"
)

// Attempter runs one purchase attempt for an order. Each call is expected to
// start a fresh automation session.
type Attempter interface {
	Attempt(ctx context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error)
}

// AttempterFunc adapts a function to Attempter.
type AttempterFunc func(ctx context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error)

func (f AttempterFunc) Attempt(
	ctx context.Context,
	order domain.PurchaseOrder,
	attempt int,
) (domain.AttemptResult, error) {
	return f(ctx, order, attempt)
}

// RunOptions controls a single Run.
type RunOptions struct {
	MaxAttempts int
	Delays      Schedule
	// TerminalPatterns, when non-nil, replaces the classifier rules: a failure
	// is terminal iff it contains one of them.
	TerminalPatterns []string
	// SkipPersistence leaves the final state update to the caller.
	SkipPersistence bool
	// PersistEachFailure records every failed attempt instead of only the last.
	PersistEachFailure bool
}

// Outcome is the result of a Run.
type Outcome struct {
	Success   bool
	Result    domain.AttemptResult
	Attempts  int
	LastError string
	Terminal  bool
	Kind      ErrorKind
	// Record is the failed-order row after persistence, if any.
	Record *domain.FailedOrder
	// PersistErr is set when recording the failure did not succeed.
	PersistErr error
}

// Executor runs an attempter with bounded attempts, a delay schedule and
// terminal-error short-circuiting.
type Executor struct {
	recorder   *FailureRecorder
	classifier *Classifier
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// NewExecutor creates a new executor. recorder may be nil when every caller
// runs with SkipPersistence.
func NewExecutor(recorder *FailureRecorder, classifier *Classifier) *Executor {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Executor{
		recorder:   recorder,
		classifier: classifier,
		sleep:      sleepContext,
		log:        slog.Default().With("component", "executor"),
	}
}

// Run attempts order up to opts.MaxAttempts times.
func (e *Executor) Run(
	ctx context.Context,
	order domain.PurchaseOrder,
	attempter Attempter,
	opts RunOptions,
) Outcome {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	log := e.log.With("orderId", order.OrderID, "website", order.WebsiteName)

	var out Outcome
	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			if out.LastError == "" {
				out.LastError = err.Error()
				out.Kind = KindInfrastructure
			}
			break
		}

		out.Attempts = i + 1
		start := time.Now()
		res, err := attempter.Attempt(ctx, order, i)
		metrics.AttemptLatency.WithLabelValues(order.WebsiteName).Observe(time.Since(start).Seconds())

		if err == nil && res.Success {
			metrics.AttemptsTotal.WithLabelValues(order.WebsiteName, "success").Inc()
			log.Info("Attempt succeeded", "attempt", i)
			out.Success = true
			out.Result = res
			out.LastError = ""
			out.Kind = ""
			return out
		}

		out.Result = res
		out.LastError = failureMessage(res, err)
		switch {
		case e.isTerminal(out.LastError, opts.TerminalPatterns):
			out.Kind = KindTerminal
		case errors.Is(err, ErrInfrastructure):
			out.Kind = KindInfrastructure
		default:
			out.Kind = KindTransient
		}
		out.Terminal = out.Kind == KindTerminal
		metrics.AttemptsTotal.WithLabelValues(order.WebsiteName, string(out.Kind)).Inc()
		log.Warn("Attempt failed",
			"attempt", i,
			"maxAttempts", maxAttempts,
			"kind", out.Kind,
			"error", out.LastError,
		)

		if opts.PersistEachFailure && !opts.SkipPersistence {
			e.persist(ctx, order, &out)
		}

		if out.Terminal || i == maxAttempts-1 {
			break
		}
		if err := e.sleep(ctx, opts.Delays.GetDelay(i)); err != nil {
			log.Info("Retry wait interrupted", "error", err)
			break
		}
	}

	if !opts.SkipPersistence && !opts.PersistEachFailure {
		e.persist(ctx, order, &out)
	}
	return out
}

// isTerminal applies the ordered classifier rules unless the caller supplied
// its own patterns.
func (e *Executor) isTerminal(msg string, patterns []string) bool {
	if patterns != nil {
		return matchesAny(msg, patterns)
	}
	return e.classifier.Kind(msg) == KindTerminal
}

func (e *Executor) persist(ctx context.Context, order domain.PurchaseOrder, out *Outcome) {
	if e.recorder == nil {
		out.PersistErr = errors.New("no failure recorder configured")
		return
	}
	// Record even when the caller is shutting down
	fo, err := e.recorder.Record(context.WithoutCancel(ctx), order, out.LastError)
	if err != nil {
		metrics.PersistErrors.WithLabelValues("executor").Inc()
		e.log.Error("Failed to persist failure",
			"orderId", order.OrderID,
			"website", order.WebsiteName,
			"error", err,
		)
		out.PersistErr = err
		return
	}
	out.Record = fo
	out.PersistErr = nil
}

func failureMessage(res domain.AttemptResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Error != "" {
		return res.Error
	}
	return fmt.Sprintf("automation returned no success signal (success=%t)", res.Success)
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

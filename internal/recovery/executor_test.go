package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/infra/storage/memory"
)

func newTestExecutor() (*Executor, *memory.FailedOrderRepo, *[]time.Duration) {
	repo := memory.NewFailedOrderRepo(memory.NewMemoryStorage(nil))
	classifier := newTestClassifier()
	exec := NewExecutor(NewFailureRecorder(repo, classifier), classifier)
	var waits []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return exec, repo, &waits
}

func testOrder(id string) domain.PurchaseOrder {
	return domain.PurchaseOrder{
		OrderID:     id,
		WebsiteName: "alcatraz",
		Payload:     domain.Payload{"bookingDate": "2026-06-22"},
		WebhookURL:  "https://hooks.example.com/orders",
	}
}

func failing(msg string, calls *int32) AttempterFunc {
	return func(ctx context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error) {
		atomic.AddInt32(calls, 1)
		return domain.AttemptResult{}, errors.New(msg)
	}
}

func TestExecutor_NeverExceedsMaxAttempts(t *testing.T) {
	for maxAttempts := 1; maxAttempts <= 5; maxAttempts++ {
		exec, _, waits := newTestExecutor()
		var calls int32
		out := exec.Run(context.Background(), testOrder("o1"), failing("Timeout", &calls), RunOptions{
			MaxAttempts:     maxAttempts,
			Delays:          Schedule{time.Second, 2 * time.Second},
			SkipPersistence: true,
		})

		if int(calls) != maxAttempts || out.Attempts != maxAttempts {
			t.Errorf("max=%d: calls=%d attempts=%d", maxAttempts, calls, out.Attempts)
		}
		// no wait after the final attempt
		if len(*waits) != maxAttempts-1 {
			t.Errorf("max=%d: expected %d waits, got %d", maxAttempts, maxAttempts-1, len(*waits))
		}
		if out.Success || out.Terminal || out.Kind != KindTransient {
			t.Errorf("unexpected outcome %+v", out)
		}
	}
}

func TestExecutor_DelaysClampToLast(t *testing.T) {
	exec, _, waits := newTestExecutor()
	var calls int32
	exec.Run(context.Background(), testOrder("o1"), failing("Timeout", &calls), RunOptions{
		MaxAttempts:     4,
		Delays:          Schedule{time.Second, 3 * time.Second},
		SkipPersistence: true,
	})

	want := []time.Duration{time.Second, 3 * time.Second, 3 * time.Second}
	if fmt.Sprint(*waits) != fmt.Sprint(want) {
		t.Errorf("waits = %v, want %v", *waits, want)
	}
}

func TestExecutor_TerminalStopsImmediately(t *testing.T) {
	exec, repo, waits := newTestExecutor()
	var calls int32
	out := exec.Run(context.Background(), testOrder("o1"), failing("Payment not completed", &calls), RunOptions{
		MaxAttempts: 5,
		Delays:      Schedule{time.Second},
	})

	if calls != 1 || out.Attempts != 1 {
		t.Fatalf("expected a single attempt, got calls=%d", calls)
	}
	if !out.Terminal || out.Kind != KindTerminal {
		t.Errorf("expected terminal outcome, got %+v", out)
	}
	if len(*waits) != 0 {
		t.Error("terminal failure must not wait")
	}
	if out.Record == nil || out.Record.Retryable {
		t.Fatalf("expected a non-retryable failed order, got %+v", out.Record)
	}
	fo, err := repo.FindByKey(context.Background(), domain.OrderKey{OrderID: "o1", WebsiteName: "alcatraz"})
	if err != nil || fo.FailureCount != 1 {
		t.Errorf("expected one recorded failure, got %+v err=%v", fo, err)
	}
}

func TestExecutor_TerminalOnLaterAttempt(t *testing.T) {
	exec, _, _ := newTestExecutor()
	var calls int32
	attempter := AttempterFunc(func(ctx context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error) {
		calls++
		if attempt == 1 {
			return domain.AttemptResult{Error: "No available tours"}, nil
		}
		return domain.AttemptResult{Error: "Timeout"}, nil
	})

	out := exec.Run(context.Background(), testOrder("o1"), attempter, RunOptions{MaxAttempts: 5, SkipPersistence: true})
	if calls != 2 || !out.Terminal {
		t.Errorf("expected stop at attempt 2, calls=%d out=%+v", calls, out)
	}
}

func TestExecutor_RequiresExplicitSuccess(t *testing.T) {
	exec, _, _ := newTestExecutor()
	var calls int32
	attempter := AttempterFunc(func(ctx context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error) {
		calls++
		if attempt == 2 {
			return domain.AttemptResult{Success: true}, nil
		}
		// no error, but no success signal either
		return domain.AttemptResult{}, nil
	})

	out := exec.Run(context.Background(), testOrder("o1"), attempter, RunOptions{MaxAttempts: 3})
	if !out.Success || out.Attempts != 3 || calls != 3 {
		t.Errorf("expected success on third attempt, got %+v", out)
	}
	if out.Record != nil {
		t.Error("successful run must not record a failure")
	}
}

func TestExecutor_SuccessWithErrorIsFailure(t *testing.T) {
	exec, _, _ := newTestExecutor()
	attempter := AttempterFunc(func(ctx context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error) {
		return domain.AttemptResult{Success: true}, errors.New("browser crashed")
	})
	out := exec.Run(context.Background(), testOrder("o1"), attempter, RunOptions{MaxAttempts: 1, SkipPersistence: true})
	if out.Success {
		t.Error("a returned error must never count as success")
	}
}

func TestExecutor_PersistEachFailure(t *testing.T) {
	exec, repo, _ := newTestExecutor()
	var calls int32
	out := exec.Run(context.Background(), testOrder("o1"), failing("Timeout waiting for calendar", &calls), RunOptions{
		MaxAttempts:        3,
		PersistEachFailure: true,
	})

	if out.Record == nil || out.Record.FailureCount != 3 {
		t.Fatalf("expected failure_count 3, got %+v", out.Record)
	}
	eligible, _ := repo.FindEligible(context.Background(), 3, 10)
	if len(eligible) != 1 {
		t.Errorf("expected order to reach the scheduler threshold, got %d", len(eligible))
	}
}

func TestExecutor_PersistOnceOnExhaustion(t *testing.T) {
	exec, repo, _ := newTestExecutor()
	var calls int32
	exec.Run(context.Background(), testOrder("o1"), failing("Timeout", &calls), RunOptions{MaxAttempts: 3})

	fo, err := repo.FindByKey(context.Background(), domain.OrderKey{OrderID: "o1", WebsiteName: "alcatraz"})
	if err != nil {
		t.Fatal(err)
	}
	if fo.FailureCount != 1 || !fo.Retryable || fo.FailureReason != "Timeout" {
		t.Errorf("unexpected failed order %+v", fo)
	}
}

func TestExecutor_SkipPersistence(t *testing.T) {
	exec, repo, _ := newTestExecutor()
	var calls int32
	exec.Run(context.Background(), testOrder("o1"), failing("Timeout", &calls), RunOptions{
		MaxAttempts:     2,
		SkipPersistence: true,
	})
	if _, err := repo.FindByKey(context.Background(), domain.OrderKey{OrderID: "o1", WebsiteName: "alcatraz"}); !errors.Is(err, domain.ErrFailedOrderNotFound) {
		t.Errorf("expected nothing recorded, got %v", err)
	}
}

func TestExecutor_InfrastructureKind(t *testing.T) {
	exec, _, _ := newTestExecutor()
	attempter := AttempterFunc(func(ctx context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error) {
		return domain.AttemptResult{}, fmt.Errorf("runner unreachable: %w", ErrInfrastructure)
	})
	out := exec.Run(context.Background(), testOrder("o1"), attempter, RunOptions{MaxAttempts: 2, SkipPersistence: true})
	if out.Kind != KindInfrastructure || out.Terminal || out.Attempts != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestExecutor_CancelledWaitStops(t *testing.T) {
	exec, _, _ := newTestExecutor()
	exec.sleep = sleepContext
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	attempter := AttempterFunc(func(c context.Context, order domain.PurchaseOrder, attempt int) (domain.AttemptResult, error) {
		calls++
		cancel()
		return domain.AttemptResult{}, errors.New("Timeout")
	})

	out := exec.Run(ctx, testOrder("o1"), attempter, RunOptions{
		MaxAttempts: 3,
		Delays:      Schedule{time.Hour},
	})
	if calls != 1 || out.Success {
		t.Errorf("expected run to stop after cancellation, calls=%d", calls)
	}
	if out.Record == nil || out.PersistErr != nil {
		t.Errorf("failure should still be recorded after cancellation: %+v", out)
	}
}

func TestExecutor_FirstMatchingRuleDecides(t *testing.T) {
	repo := memory.NewFailedOrderRepo(memory.NewMemoryStorage(nil))
	classifier := NewClassifier([]Rule{
		{Pattern: "sold out, retry later", Kind: KindTransient},
		{Pattern: "sold out", Kind: KindTerminal},
	}, WithClock(clock.NewFixed(testNow)))
	exec := NewExecutor(NewFailureRecorder(repo, classifier), classifier)
	exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var calls int32
	out := exec.Run(context.Background(), testOrder("o1"), failing("sold out, retry later", &calls), RunOptions{
		MaxAttempts:        3,
		PersistEachFailure: true,
	})
	if calls != 3 || out.Terminal || out.Kind != KindTransient {
		t.Fatalf("transient rule should shield the reason: calls=%d outcome=%+v", calls, out)
	}
	if out.Record == nil || out.Record.FailureCount != 3 || !out.Record.Retryable {
		t.Errorf("expected a retryable row at count 3, got %+v", out.Record)
	}

	calls = 0
	out = exec.Run(context.Background(), testOrder("o2"), failing("sold out", &calls), RunOptions{
		MaxAttempts:     3,
		SkipPersistence: true,
	})
	if calls != 1 || !out.Terminal {
		t.Errorf("plain sold out should stop after one attempt: calls=%d outcome=%+v", calls, out)
	}
}

func TestExecutor_ExplicitTerminalPatterns(t *testing.T) {
	exec, _, _ := newTestExecutor()
	var calls int32
	out := exec.Run(context.Background(), testOrder("o1"), failing("Seat map changed", &calls), RunOptions{
		MaxAttempts:      3,
		TerminalPatterns: []string{"Seat map"},
		SkipPersistence:  true,
	})
	if calls != 1 || !out.Terminal {
		t.Errorf("caller patterns should override rules: calls=%d outcome=%+v", calls, out)
	}
}

package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/ticketbot/internal/automation"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/core/order"
	redisclient "github.com/vietddude/ticketbot/internal/infra/redis"
	"github.com/vietddude/ticketbot/internal/infra/storage/memory"
	"github.com/vietddude/ticketbot/internal/recovery"
	"github.com/vietddude/ticketbot/internal/scheduler"
)

type fixture struct {
	failed    *memory.FailedOrderRepo
	orders    *order.Manager
	recorder  *recovery.FailureRecorder
	trigger   *Trigger
	scheduler *scheduler.Scheduler
}

func newFixture(t *testing.T, attempter recovery.Attempter) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage(nil)
	failed := memory.NewFailedOrderRepo(store)
	orders := order.NewManager(memory.NewOrderRepo(store), nil)
	classifier := recovery.NewClassifier(nil)
	recorder := recovery.NewFailureRecorder(failed, classifier)
	executor := recovery.NewExecutor(recorder, classifier)
	registry := automation.NewRegistry()
	registry.Register("nps", attempter, "alcatraz")

	return &fixture{
		failed:    failed,
		orders:    orders,
		recorder:  recorder,
		trigger:   New(Config{Instance: "ops"}, failed, orders, executor, registry, nil),
		scheduler: scheduler.New(scheduler.Config{MaxConcurrency: 1}, failed, orders, executor, registry, nil),
	}
}

func (f *fixture) seed(t *testing.T, orderID, website, reason string, n int) *domain.FailedOrder {
	t.Helper()
	ctx := context.Background()
	payload := domain.Payload{"bookingDate": time.Now().UTC().Add(48 * time.Hour).Format("2006-01-02")}
	if _, err := f.orders.Create(ctx, &domain.OrderRecord{OrderID: orderID, WebsiteName: website, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	var fo *domain.FailedOrder
	for i := 0; i < n; i++ {
		var err error
		fo, err = f.recorder.Record(ctx, domain.PurchaseOrder{OrderID: orderID, WebsiteName: website, Payload: payload}, reason)
		if err != nil {
			t.Fatal(err)
		}
	}
	return fo
}

func waitAll(t *testing.T, tr *Trigger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestTrigger_ForcedTerminalOrderResolves(t *testing.T) {
	f := newFixture(t, recovery.AttempterFunc(func(ctx context.Context, o domain.PurchaseOrder, i int) (domain.AttemptResult, error) {
		return domain.AttemptResult{Success: true}, nil
	}))
	ctx := context.Background()
	fo := f.seed(t, "126", "alcatraz", "Payment not completed", 3)
	if fo.Retryable {
		t.Fatal("expected non-retryable order")
	}

	// The scheduler never selects it
	report, err := f.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Eligible != 0 {
		t.Fatalf("scheduler must not select a terminal order, got %d", report.Eligible)
	}

	if err := f.trigger.Retry(ctx, fo.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitAll(t, f.trigger)

	got, err := f.failed.FindByID(ctx, fo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.FailedOrderStatusResolved {
		t.Errorf("expected resolved, got %s", got.Status)
	}
	o, _ := f.orders.Get(ctx, domain.OrderKey{OrderID: "126", WebsiteName: "alcatraz"})
	if o.Status != domain.OrderStatusPassed {
		t.Errorf("expected order Passed, got %s", o.Status)
	}
}

func TestTrigger_FailureMarksRetriedAndCounts(t *testing.T) {
	f := newFixture(t, recovery.AttempterFunc(func(ctx context.Context, o domain.PurchaseOrder, i int) (domain.AttemptResult, error) {
		return domain.AttemptResult{}, errors.New("Timeout on checkout")
	}))
	ctx := context.Background()
	fo := f.seed(t, "127", "alcatraz", "Timeout", 1)

	if err := f.trigger.Retry(ctx, fo.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitAll(t, f.trigger)

	got, _ := f.failed.FindByID(ctx, fo.ID)
	if got.Status != domain.FailedOrderStatusRetried {
		t.Errorf("expected retried, got %s", got.Status)
	}
	if got.FailureCount != 2 {
		t.Errorf("expected failure_count 2, got %d", got.FailureCount)
	}
	if got.FailureReason != "Timeout on checkout" {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
	o, _ := f.orders.Get(ctx, domain.OrderKey{OrderID: "127", WebsiteName: "alcatraz"})
	if o.Status != domain.OrderStatusFailed {
		t.Errorf("expected order Failed, got %s", o.Status)
	}
}

func TestTrigger_Validation(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, recovery.AttempterFunc(func(ctx context.Context, o domain.PurchaseOrder, i int) (domain.AttemptResult, error) {
		<-block
		return domain.AttemptResult{Success: true}, nil
	}))
	ctx := context.Background()

	if err := f.trigger.Retry(ctx, "missing"); !errors.Is(err, domain.ErrFailedOrderNotFound) {
		t.Errorf("expected ErrFailedOrderNotFound, got %v", err)
	}

	other := f.seed(t, "200", "eiffel", "Timeout", 1)
	if err := f.trigger.Retry(ctx, other.ID); !errors.Is(err, domain.ErrUnsupportedWebsite) {
		t.Errorf("expected ErrUnsupportedWebsite, got %v", err)
	}
	got, _ := f.failed.FindByID(ctx, other.ID)
	if got.Status != domain.FailedOrderStatusFailed {
		t.Errorf("rejected retry must not change status, got %s", got.Status)
	}

	fo := f.seed(t, "201", "alcatraz", "Timeout", 1)
	if err := f.trigger.Retry(ctx, fo.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.trigger.Retry(ctx, fo.ID); !errors.Is(err, domain.ErrRetryInProgress) {
		t.Errorf("expected ErrRetryInProgress, got %v", err)
	}
	close(block)
	waitAll(t, f.trigger)
}

func TestTrigger_ReturnsBeforeOutcome(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, recovery.AttempterFunc(func(ctx context.Context, o domain.PurchaseOrder, i int) (domain.AttemptResult, error) {
		<-block
		return domain.AttemptResult{Success: true}, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	fo := f.seed(t, "300", "alcatraz", "Timeout", 1)

	if err := f.trigger.Retry(ctx, fo.ID); err != nil {
		t.Fatal(err)
	}
	// request context ends with the HTTP request
	cancel()

	got, _ := f.failed.FindByID(context.Background(), fo.ID)
	if got.Status != domain.FailedOrderStatusRetrying {
		t.Errorf("expected retrying while in flight, got %s", got.Status)
	}
	close(block)
	waitAll(t, f.trigger)

	got, _ = f.failed.FindByID(context.Background(), fo.ID)
	if got.Status != domain.FailedOrderStatusResolved {
		t.Errorf("expected resolved after completion, got %s", got.Status)
	}
}

type fakeLocker struct {
	mu        sync.Mutex
	held      map[string]string
	refreshes int
}

func (l *fakeLocker) AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return "", false, nil
	}
	l.held[name] = "token-" + name
	return l.held[name], true, nil
}

func (l *fakeLocker) ReleaseLease(ctx context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] != token {
		return redisclient.ErrLeaseLost
	}
	delete(l.held, name)
	return nil
}

func (l *fakeLocker) RefreshLease(ctx context.Context, name, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] != token {
		return redisclient.ErrLeaseLost
	}
	l.refreshes++
	return nil
}

func TestTrigger_HoldsLeaseForWholeRetry(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, recovery.AttempterFunc(func(ctx context.Context, o domain.PurchaseOrder, i int) (domain.AttemptResult, error) {
		<-block
		return domain.AttemptResult{Success: true}, nil
	}))
	locker := &fakeLocker{held: map[string]string{}}
	f.trigger.locker = locker
	f.trigger.cfg.LeaseTTL = 15 * time.Millisecond
	fo := f.seed(t, "400", "alcatraz", "Timeout", 1)
	ctx := context.Background()

	if err := f.trigger.Retry(ctx, fo.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.trigger.Retry(ctx, fo.ID); !errors.Is(err, domain.ErrRetryInProgress) {
		t.Errorf("expected ErrRetryInProgress while leased, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	waitAll(t, f.trigger)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if locker.refreshes == 0 {
		t.Error("expected the lease to be refreshed during the retry")
	}
	if len(locker.held) != 0 {
		t.Errorf("lease should be released, still held: %v", locker.held)
	}
}

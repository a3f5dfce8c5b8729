package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
)

func input(orderID string) domain.FailureInput {
	return domain.FailureInput{
		OrderID:     orderID,
		WebsiteName: "alcatraz",
		Payload:     domain.Payload{"bookingDate": "12/31/2099"},
		Reason:      "timeout",
		Retryable:   true,
	}
}

func TestFailedOrderRepo_RecordFailureConcurrent(t *testing.T) {
	repo := NewFailedOrderRepo(NewMemoryStorage(nil))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.RecordFailure(ctx, input("o1")); err != nil {
				t.Errorf("RecordFailure failed: %v", err)
			}
		}()
	}
	wg.Wait()

	fo, err := repo.FindByKey(ctx, domain.OrderKey{OrderID: "o1", WebsiteName: "alcatraz"})
	if err != nil {
		t.Fatalf("FindByKey failed: %v", err)
	}
	if fo.FailureCount != 50 {
		t.Errorf("expected failure_count 50, got %d", fo.FailureCount)
	}
	page, _ := repo.Find(ctx, domain.FailedOrderFilter{})
	if page.Total != 1 {
		t.Errorf("expected 1 row, got %d", page.Total)
	}
}

func TestFailedOrderRepo_ClaimOnlyOnce(t *testing.T) {
	repo := NewFailedOrderRepo(NewMemoryStorage(nil))
	ctx := context.Background()

	var fo *domain.FailedOrder
	for i := 0; i < 3; i++ {
		fo, _ = repo.RecordFailure(ctx, input("o1"))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(ctx, fo.ID, 3, "claimed")
			if err != nil {
				t.Errorf("Claim failed: %v", err)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins)
	}
	got, _ := repo.FindByID(ctx, fo.ID)
	if got.FailureCount != 4 || got.Status != domain.FailedOrderStatusRetried {
		t.Errorf("unexpected row after claim: count=%d status=%s", got.FailureCount, got.Status)
	}
}

func TestFailedOrderRepo_ReturnsCopies(t *testing.T) {
	repo := NewFailedOrderRepo(NewMemoryStorage(nil))
	ctx := context.Background()

	fo, _ := repo.RecordFailure(ctx, input("o1"))
	fo.Payload["bookingDate"] = "mutated"
	fo.FailureCount = 99

	got, _ := repo.FindByID(ctx, fo.ID)
	if got.FailureCount != 1 || got.Payload.BookingDate() != "12/31/2099" {
		t.Errorf("stored row was mutated through a returned copy: %+v", got)
	}
}

func TestFailedOrderRepo_FindPaging(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStorage(clock.NewFixed(base))
	repo := NewFailedOrderRepo(store)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		store.clock = clock.NewFixed(base.Add(time.Duration(i) * time.Minute))
		if _, err := repo.RecordFailure(ctx, input(id)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := repo.Find(ctx, domain.FailedOrderFilter{Sort: "-created_at", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: total=%d items=%d", page.Total, len(page.Items))
	}
	if page.Items[0].OrderID != "c" || page.Items[0].Payload != nil {
		t.Errorf("expected newest first without payload, got %+v", page.Items[0])
	}

	page, _ = repo.Find(ctx, domain.FailedOrderFilter{Page: 5, Limit: 2})
	if len(page.Items) != 0 {
		t.Errorf("expected empty page, got %d items", len(page.Items))
	}
}

func TestFailedOrderRepo_MarkRetrying(t *testing.T) {
	repo := NewFailedOrderRepo(NewMemoryStorage(nil))
	ctx := context.Background()
	fo, _ := repo.RecordFailure(ctx, input("o1"))

	if err := repo.MarkRetrying(ctx, fo.ID); err != nil {
		t.Fatalf("MarkRetrying failed: %v", err)
	}
	if err := repo.MarkRetrying(ctx, fo.ID); !errors.Is(err, domain.ErrRetryInProgress) {
		t.Errorf("expected ErrRetryInProgress, got %v", err)
	}
	if err := repo.MarkRetrying(ctx, "missing"); !errors.Is(err, domain.ErrFailedOrderNotFound) {
		t.Errorf("expected ErrFailedOrderNotFound, got %v", err)
	}
}

func TestOrderRepo_CompareAndSet(t *testing.T) {
	repo := NewOrderRepo(NewMemoryStorage(nil))
	ctx := context.Background()

	order := &domain.OrderRecord{OrderID: "o1", WebsiteName: "alcatraz"}
	if created, err := repo.Create(ctx, order); err != nil || !created {
		t.Fatalf("Create: created=%v err=%v", created, err)
	}
	if created, _ := repo.Create(ctx, order); created {
		t.Error("duplicate create should report created=false")
	}

	ok, err := repo.CompareAndSetStatus(ctx, order.Key(), domain.OrderStatusFailed, domain.OrderStatusPassed, nil)
	if err != nil || ok {
		t.Errorf("CAS from wrong state should fail: ok=%v err=%v", ok, err)
	}
	ok, err = repo.CompareAndSetStatus(ctx, order.Key(), domain.OrderStatusNotTriggered, domain.OrderStatusPassed, nil)
	if err != nil || !ok {
		t.Errorf("CAS should succeed: ok=%v err=%v", ok, err)
	}
	_, err = repo.CompareAndSetStatus(ctx, domain.OrderKey{OrderID: "x"}, domain.OrderStatusFailed, domain.OrderStatusPassed, nil)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

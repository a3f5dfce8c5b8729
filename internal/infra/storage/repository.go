package storage

import (
	"context"
	"time"

	"github.com/vietddude/ticketbot/internal/core/domain"
)

// OrderRepository handles order record storage operations
type OrderRepository interface {
	// Create inserts an order. A duplicate (order_id, website_name) is a
	// no-op and reports created=false.
	Create(ctx context.Context, order *domain.OrderRecord) (bool, error)

	// Get retrieves an order by its natural key
	Get(ctx context.Context, key domain.OrderKey) (*domain.OrderRecord, error)

	// CompareAndSetStatus moves the order to next only if it is still in
	// expected. Returns false when another writer changed it first.
	CompareAndSetStatus(
		ctx context.Context,
		key domain.OrderKey,
		expected, next domain.OrderStatus,
		reason *string,
	) (bool, error)

	// CompareAndSetServiceCharges is the service-charge counterpart of CompareAndSetStatus
	CompareAndSetServiceCharges(
		ctx context.Context,
		key domain.OrderKey,
		expected, next domain.ServiceChargesStatus,
		errMsg *string,
	) (bool, error)

	// SetTriggeredMachine records which instance last attempted the order
	SetTriggeredMachine(ctx context.Context, key domain.OrderKey, machine string) error
}

// FailedOrderRepository handles the failed order queue
type FailedOrderRepository interface {
	// RecordFailure inserts the first failure of an order or, in the same
	// statement, increments failure_count and refreshes reason, status and
	// retryable of the existing row.
	RecordFailure(ctx context.Context, in domain.FailureInput) (*domain.FailedOrder, error)

	// FindByID retrieves a failed order
	FindByID(ctx context.Context, id string) (*domain.FailedOrder, error)

	// FindByKey retrieves the failed order of an order, if any
	FindByKey(ctx context.Context, key domain.OrderKey) (*domain.FailedOrder, error)

	// Find lists failed orders for operators
	Find(ctx context.Context, filter domain.FailedOrderFilter) (*domain.FailedOrderPage, error)

	// Update applies an operator patch (notes/status only)
	Update(ctx context.Context, id string, patch domain.FailedOrderPatch) (*domain.FailedOrder, error)

	// FindEligible returns failed, retryable orders whose failure_count equals threshold
	FindEligible(ctx context.Context, threshold, limit int) ([]*domain.FailedOrder, error)

	// Claim marks an eligible order as retried and increments failure_count,
	// only if it is still failed, retryable and at expectedCount.
	Claim(ctx context.Context, id string, expectedCount int, note string) (bool, error)

	// MarkRetrying moves an order to retrying unless a retry is already running
	MarkRetrying(ctx context.Context, id string) error

	// MarkRetried records a failed retry, optionally counting it as a failure
	MarkRetried(ctx context.Context, id string, reason string, increment bool) error

	// Resolve marks an order as successfully retried
	Resolve(ctx context.Context, id string) error

	// Delete removes a failed order after confirmed success
	Delete(ctx context.Context, id string) error

	// CountByStatus returns row counts grouped by status
	CountByStatus(ctx context.Context) (map[domain.FailedOrderStatus]int, error)

	// PruneResolved deletes resolved rows last updated before cutoff
	PruneResolved(ctx context.Context, cutoff time.Time) (int64, error)
}

// NormalizeFilter fills paging defaults and caps the page size.
func NormalizeFilter(f domain.FailedOrderFilter) domain.FailedOrderFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return f
}

// SortColumns maps accepted sort keys to columns.
var SortColumns = map[string]string{
	"created_at":    "created_at",
	"updated_at":    "updated_at",
	"failure_count": "failure_count",
	"order_id":      "order_id",
	"website_name":  "website_name",
}

// ParseSort returns the column and direction for a sort key such as
// "-updated_at". Unknown keys fall back to newest first.
func ParseSort(sort string) (column string, desc bool) {
	desc = false
	key := sort
	if len(key) > 0 && key[0] == '-' {
		desc = true
		key = key[1:]
	}
	col, ok := SortColumns[key]
	if !ok {
		return "created_at", true
	}
	return col, desc
}

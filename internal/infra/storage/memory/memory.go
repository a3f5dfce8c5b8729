package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/infra/storage"
)

// MemoryStorage keeps orders and failed orders in process memory. It backs
// single-instance runs and tests; every method holds one lock so the
// read-modify-write sequences are as atomic as their SQL counterparts.
type MemoryStorage struct {
	orders map[domain.OrderKey]*domain.OrderRecord
	failed map[string]*domain.FailedOrder
	byKey  map[domain.OrderKey]string
	clock  clock.Clock
	mu     sync.RWMutex
}

func NewMemoryStorage(clk clock.Clock) *MemoryStorage {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStorage{
		orders: make(map[domain.OrderKey]*domain.OrderRecord),
		failed: make(map[string]*domain.FailedOrder),
		byKey:  make(map[domain.OrderKey]string),
		clock:  clk,
	}
}

func copyOrder(o *domain.OrderRecord) *domain.OrderRecord {
	c := *o
	c.Payload = maps.Clone(o.Payload)
	return &c
}

func copyFailed(f *domain.FailedOrder) *domain.FailedOrder {
	c := *f
	c.Payload = maps.Clone(f.Payload)
	return &c
}

// -----------------------------------------------------------------------------
// Order Repository
// -----------------------------------------------------------------------------

type OrderRepo struct {
	store *MemoryStorage
}

func NewOrderRepo(store *MemoryStorage) *OrderRepo {
	return &OrderRepo{store: store}
}

var _ storage.OrderRepository = (*OrderRepo)(nil)

func (r *OrderRepo) Create(ctx context.Context, order *domain.OrderRecord) (bool, error) {
	if order.OrderID == "" || order.WebsiteName == "" {
		return false, domain.ErrInvalidOrder
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := order.Key()
	if _, ok := r.store.orders[key]; ok {
		return false, nil
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusNotTriggered
	}
	if order.ServiceChargesStatus == "" {
		order.ServiceChargesStatus = domain.ServiceChargesNotTriggered
	}
	now := r.store.clock.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	r.store.orders[key] = copyOrder(order)
	return true, nil
}

func (r *OrderRepo) Get(ctx context.Context, key domain.OrderKey) (*domain.OrderRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	o, ok := r.store.orders[key]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (r *OrderRepo) CompareAndSetStatus(
	ctx context.Context,
	key domain.OrderKey,
	expected, next domain.OrderStatus,
	reason *string,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	o, ok := r.store.orders[key]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if o.Status != expected {
		return false, nil
	}
	o.Status = next
	if reason != nil {
		s := *reason
		o.FailureReason = &s
	}
	o.UpdatedAt = r.store.clock.Now()
	return true, nil
}

func (r *OrderRepo) CompareAndSetServiceCharges(
	ctx context.Context,
	key domain.OrderKey,
	expected, next domain.ServiceChargesStatus,
	errMsg *string,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	o, ok := r.store.orders[key]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if o.ServiceChargesStatus != expected {
		return false, nil
	}
	o.ServiceChargesStatus = next
	if errMsg != nil {
		s := *errMsg
		o.ServiceChargesError = &s
	}
	o.UpdatedAt = r.store.clock.Now()
	return true, nil
}

func (r *OrderRepo) SetTriggeredMachine(ctx context.Context, key domain.OrderKey, machine string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	o, ok := r.store.orders[key]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.TriggeredMachine = &machine
	o.UpdatedAt = r.store.clock.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Failed Order Repository
// -----------------------------------------------------------------------------

type FailedOrderRepo struct {
	store *MemoryStorage
}

func NewFailedOrderRepo(store *MemoryStorage) *FailedOrderRepo {
	return &FailedOrderRepo{store: store}
}

var _ storage.FailedOrderRepository = (*FailedOrderRepo)(nil)

func (r *FailedOrderRepo) RecordFailure(ctx context.Context, in domain.FailureInput) (*domain.FailedOrder, error) {
	if in.OrderID == "" || in.WebsiteName == "" {
		return nil, domain.ErrInvalidOrder
	}
	status := in.Status
	if status == "" {
		status = domain.FailedOrderStatusFailed
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := r.store.clock.Now()
	key := domain.OrderKey{OrderID: in.OrderID, WebsiteName: in.WebsiteName}

	if id, ok := r.store.byKey[key]; ok {
		f := r.store.failed[id]
		f.FailureCount++
		f.FailureReason = in.Reason
		f.Retryable = in.Retryable
		f.Status = status
		if in.WebhookURL != "" {
			f.WebhookURL = in.WebhookURL
		}
		f.UpdatedAt = now
		return copyFailed(f), nil
	}

	f := &domain.FailedOrder{
		ID:            uuid.NewString(),
		OrderID:       in.OrderID,
		WebsiteName:   in.WebsiteName,
		Payload:       maps.Clone(in.Payload),
		WebhookURL:    in.WebhookURL,
		FailureCount:  1,
		FailureReason: in.Reason,
		Retryable:     in.Retryable,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if f.Payload == nil {
		f.Payload = domain.Payload{}
	}
	r.store.failed[f.ID] = f
	r.store.byKey[key] = f.ID
	return copyFailed(f), nil
}

func (r *FailedOrderRepo) FindByID(ctx context.Context, id string) (*domain.FailedOrder, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	f, ok := r.store.failed[id]
	if !ok {
		return nil, domain.ErrFailedOrderNotFound
	}
	return copyFailed(f), nil
}

func (r *FailedOrderRepo) FindByKey(ctx context.Context, key domain.OrderKey) (*domain.FailedOrder, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.byKey[key]
	if !ok {
		return nil, domain.ErrFailedOrderNotFound
	}
	return copyFailed(r.store.failed[id]), nil
}

func (r *FailedOrderRepo) Find(ctx context.Context, filter domain.FailedOrderFilter) (*domain.FailedOrderPage, error) {
	filter = storage.NormalizeFilter(filter)

	r.store.mu.RLock()
	matched := make([]*domain.FailedOrder, 0, len(r.store.failed))
	for _, f := range r.store.failed {
		if filter.WebsiteName != "" && f.WebsiteName != filter.WebsiteName {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		matched = append(matched, copyFailed(f))
	}
	r.store.mu.RUnlock()

	column, desc := storage.ParseSort(filter.Sort)
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareColumn(matched[i], matched[j], column)
		if c == 0 {
			return matched[i].ID < matched[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	page := &domain.FailedOrderPage{
		Items: []*domain.FailedOrder{},
		Total: len(matched),
		Page:  filter.Page,
		Limit: filter.Limit,
	}
	start := (filter.Page - 1) * filter.Limit
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+filter.Limit, len(matched))
	page.Items = matched[start:end]
	if !filter.WithPayload {
		for _, f := range page.Items {
			f.Payload = nil
		}
	}
	return page, nil
}

func compareColumn(a, b *domain.FailedOrder, column string) int {
	switch column {
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "failure_count":
		return a.FailureCount - b.FailureCount
	case "order_id":
		return strings.Compare(a.OrderID, b.OrderID)
	case "website_name":
		return strings.Compare(a.WebsiteName, b.WebsiteName)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func (r *FailedOrderRepo) Update(ctx context.Context, id string, patch domain.FailedOrderPatch) (*domain.FailedOrder, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, *patch.Status)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return nil, domain.ErrFailedOrderNotFound
	}
	if patch.Empty() {
		return copyFailed(f), nil
	}
	if patch.Notes != nil {
		f.Notes = *patch.Notes
	}
	if patch.Status != nil {
		f.Status = *patch.Status
	}
	f.UpdatedAt = r.store.clock.Now()
	return copyFailed(f), nil
}

func (r *FailedOrderRepo) FindEligible(ctx context.Context, threshold, limit int) ([]*domain.FailedOrder, error) {
	if limit <= 0 {
		limit = 1000
	}
	r.store.mu.RLock()
	var out []*domain.FailedOrder
	for _, f := range r.store.failed {
		if f.Status == domain.FailedOrderStatusFailed && f.Retryable && f.FailureCount == threshold {
			out = append(out, copyFailed(f))
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].UpdatedAt.Compare(out[j].UpdatedAt); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FailedOrderRepo) Claim(ctx context.Context, id string, expectedCount int, note string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return false, nil
	}
	if f.Status != domain.FailedOrderStatusFailed || !f.Retryable || f.FailureCount != expectedCount {
		return false, nil
	}
	f.Status = domain.FailedOrderStatusRetried
	f.FailureCount++
	if f.Notes == "" {
		f.Notes = note
	} else {
		f.Notes += "\n" + note
	}
	f.UpdatedAt = r.store.clock.Now()
	return true, nil
}

func (r *FailedOrderRepo) MarkRetrying(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return domain.ErrFailedOrderNotFound
	}
	if f.Status == domain.FailedOrderStatusRetrying {
		return domain.ErrRetryInProgress
	}
	f.Status = domain.FailedOrderStatusRetrying
	f.UpdatedAt = r.store.clock.Now()
	return nil
}

func (r *FailedOrderRepo) MarkRetried(ctx context.Context, id string, reason string, increment bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return domain.ErrFailedOrderNotFound
	}
	f.Status = domain.FailedOrderStatusRetried
	f.FailureReason = reason
	if increment {
		f.FailureCount++
	}
	f.UpdatedAt = r.store.clock.Now()
	return nil
}

func (r *FailedOrderRepo) Resolve(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return domain.ErrFailedOrderNotFound
	}
	f.Status = domain.FailedOrderStatusResolved
	f.UpdatedAt = r.store.clock.Now()
	return nil
}

func (r *FailedOrderRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return domain.ErrFailedOrderNotFound
	}
	delete(r.store.failed, id)
	delete(r.store.byKey, domain.OrderKey{OrderID: f.OrderID, WebsiteName: f.WebsiteName})
	return nil
}

func (r *FailedOrderRepo) CountByStatus(ctx context.Context) (map[domain.FailedOrderStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.FailedOrderStatus]int)
	for _, f := range r.store.failed {
		counts[f.Status]++
	}
	return counts, nil
}

func (r *FailedOrderRepo) PruneResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, f := range r.store.failed {
		if f.Status == domain.FailedOrderStatusResolved && f.UpdatedAt.Before(cutoff) {
			delete(r.store.failed, id)
			delete(r.store.byKey, domain.OrderKey{OrderID: f.OrderID, WebsiteName: f.WebsiteName})
			n++
		}
	}
	return n, nil
}

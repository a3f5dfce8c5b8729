package order

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/infra/storage"
	"github.com/vietddude/ticketbot/internal/metrics"
)

// maxCASRetries bounds how often a transition is re-read after losing a race.
const maxCASRetries = 3

// Manager handles order operations with state machine enforcement.
type Manager struct {
	repo          storage.OrderRepository
	clock         clock.Clock
	stateCallback func(Transition)
	log           *slog.Logger
}

// NewManager creates a new order manager.
func NewManager(repo storage.OrderRepository, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Manager{
		repo:  repo,
		clock: clk,
		log:   slog.Default().With("component", "orders"),
	}
}

// SetStateChangeCallback registers callback for state changes.
func (m *Manager) SetStateChangeCallback(fn func(Transition)) {
	m.stateCallback = fn
}

// Create inserts an order if it does not exist yet.
func (m *Manager) Create(ctx context.Context, order *domain.OrderRecord) (bool, error) {
	created, err := m.repo.Create(ctx, order)
	if err != nil {
		return false, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// Get retrieves an order.
func (m *Manager) Get(ctx context.Context, key domain.OrderKey) (*domain.OrderRecord, error) {
	return m.repo.Get(ctx, key)
}

// MarkPassed records a successful purchase.
func (m *Manager) MarkPassed(ctx context.Context, key domain.OrderKey) error {
	return m.SetStatus(ctx, key, domain.OrderStatusPassed, nil)
}

// MarkFailed records an automation error.
func (m *Manager) MarkFailed(ctx context.Context, key domain.OrderKey, reason string) error {
	return m.SetStatus(ctx, key, domain.OrderStatusFailed, &reason)
}

// SetStatus transitions the order status. Setting the current status again is
// a no-op, except Failed which refreshes the reason.
func (m *Manager) SetStatus(
	ctx context.Context,
	key domain.OrderKey,
	next domain.OrderStatus,
	reason *string,
) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, next)
	}
	return m.setStatus(ctx, key, next, reason, false)
}

// Override sets the status without validating the transition. It is an
// operator action and is always logged.
func (m *Manager) Override(
	ctx context.Context,
	key domain.OrderKey,
	next domain.OrderStatus,
	reason string,
) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, next)
	}
	var r *string
	if reason != "" {
		r = &reason
	}
	return m.setStatus(ctx, key, next, r, true)
}

func (m *Manager) setStatus(
	ctx context.Context,
	key domain.OrderKey,
	next domain.OrderStatus,
	reason *string,
	override bool,
) error {
	for i := 0; i < maxCASRetries; i++ {
		order, err := m.repo.Get(ctx, key)
		if err != nil {
			return err
		}
		from := order.Status

		if !override {
			if from == next && next != domain.OrderStatusFailed {
				return nil
			}
			if !CanTransition(from, next) {
				return fmt.Errorf(
					"%w: cannot transition from %s to %s",
					domain.ErrInvalidTransition,
					from,
					next,
				)
			}
		}

		ok, err := m.repo.CompareAndSetStatus(ctx, key, from, next, reason)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if !ok {
			m.log.Debug("Order status changed concurrently, retrying", "orderId", key.OrderID, "website", key.WebsiteName)
			continue
		}

		t := Transition{
			Key:       key,
			Field:     "status",
			From:      string(from),
			To:        string(next),
			Override:  override,
			Timestamp: m.clock.Now(),
		}
		if reason != nil {
			t.Reason = *reason
		}
		m.record(t)
		return nil
	}
	return fmt.Errorf("failed to update order status: %d concurrent updates", maxCASRetries)
}

// SetServiceCharges transitions the service charge status.
func (m *Manager) SetServiceCharges(
	ctx context.Context,
	key domain.OrderKey,
	next domain.ServiceChargesStatus,
	errMsg *string,
) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, next)
	}
	for i := 0; i < maxCASRetries; i++ {
		order, err := m.repo.Get(ctx, key)
		if err != nil {
			return err
		}
		from := order.ServiceChargesStatus
		if from == next && next != domain.ServiceChargesFailed {
			return nil
		}
		if !CanTransitionServiceCharges(from, next) {
			return fmt.Errorf(
				"%w: cannot transition service charges from %s to %s",
				domain.ErrInvalidTransition,
				from,
				next,
			)
		}

		ok, err := m.repo.CompareAndSetServiceCharges(ctx, key, from, next, errMsg)
		if err != nil {
			return fmt.Errorf("failed to update service charges: %w", err)
		}
		if !ok {
			continue
		}

		t := Transition{
			Key:       key,
			Field:     "service_charges",
			From:      string(from),
			To:        string(next),
			Timestamp: m.clock.Now(),
		}
		if errMsg != nil {
			t.Reason = *errMsg
		}
		m.record(t)
		return nil
	}
	return fmt.Errorf("failed to update service charges: %d concurrent updates", maxCASRetries)
}

// SetTriggeredMachine records which instance attempted the order.
func (m *Manager) SetTriggeredMachine(ctx context.Context, key domain.OrderKey, machine string) error {
	return m.repo.SetTriggeredMachine(ctx, key, machine)
}

func (m *Manager) record(t Transition) {
	if t.Field == "status" {
		metrics.OrderTransitions.WithLabelValues(t.From, t.To).Inc()
	}
	attrs := []any{
		"orderId", t.Key.OrderID,
		"website", t.Key.WebsiteName,
		"field", t.Field,
		"from", t.From,
		"to", t.To,
	}
	if t.Reason != "" {
		attrs = append(attrs, "reason", t.Reason)
	}
	if t.Override {
		m.log.Warn("Order status overridden by operator", attrs...)
	} else {
		m.log.Info("Order transitioned", attrs...)
	}
	if m.stateCallback != nil {
		m.stateCallback(t)
	}
}

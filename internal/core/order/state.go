package order

import (
	"slices"
	"time"

	"github.com/vietddude/ticketbot/internal/core/domain"
)

// ValidTransitions defines allowed order status transitions.
// Key is the current status, value is the list of valid next statuses.
var ValidTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusNotTriggered: {
		domain.OrderStatusFailed,
		domain.OrderStatusPassed,
		domain.OrderStatusExecuted,
	},
	domain.OrderStatusFailed: {
		domain.OrderStatusFailed,
		domain.OrderStatusPassed,
		domain.OrderStatusExecuted,
	},
	domain.OrderStatusPassed: {domain.OrderStatusExecuted},
}

// ValidServiceChargeTransitions defines allowed service charge transitions.
var ValidServiceChargeTransitions = map[domain.ServiceChargesStatus][]domain.ServiceChargesStatus{
	domain.ServiceChargesNotTriggered: {
		domain.ServiceChargesFailed,
		domain.ServiceChargesCharged,
		domain.ServiceChargesExecuted,
	},
	domain.ServiceChargesFailed: {
		domain.ServiceChargesFailed,
		domain.ServiceChargesCharged,
		domain.ServiceChargesExecuted,
	},
	domain.ServiceChargesCharged: {domain.ServiceChargesExecuted},
}

// CanTransition checks if a status transition is valid.
func CanTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// CanTransitionServiceCharges checks if a service charge transition is valid.
func CanTransitionServiceCharges(from, to domain.ServiceChargesStatus) bool {
	return slices.Contains(ValidServiceChargeTransitions[from], to)
}

// Transition represents a status change with metadata.
type Transition struct {
	Key       domain.OrderKey
	Field     string // "status" or "service_charges"
	From      string
	To        string
	Reason    string
	Override  bool
	Timestamp time.Time
}

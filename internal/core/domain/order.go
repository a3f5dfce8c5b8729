package domain

import "time"

// OrderRecord is a purchase order submitted by the intake layer.
// (OrderID, WebsiteName) is the natural key.
type OrderRecord struct {
	OrderID              string               `json:"order_id"              db:"order_id"`
	WebsiteName          string               `json:"website_name"          db:"website_name"`
	Payload              Payload              `json:"payload"               db:"payload"`
	Status               OrderStatus          `json:"status"                db:"status"`
	TriggeredMachine     *string              `json:"triggered_machine"     db:"triggered_machine"`
	ServiceChargesStatus ServiceChargesStatus `json:"service_charges_status" db:"service_charges_status"`
	ServiceChargesError  *string              `json:"service_charges_error" db:"service_charges_error"`
	FailureReason        *string              `json:"failure_reason"        db:"failure_reason"`
	Triggerable          bool                 `json:"triggerable"           db:"triggerable"`
	CreatedAt            time.Time            `json:"created_at"            db:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"            db:"updated_at"`
}

// Key returns the natural key of the order.
func (o *OrderRecord) Key() OrderKey {
	return OrderKey{OrderID: o.OrderID, WebsiteName: o.WebsiteName}
}

// OrderKey identifies an order across both collections.
type OrderKey struct {
	OrderID     string
	WebsiteName string
}

type OrderStatus string

const (
	OrderStatusNotTriggered OrderStatus = "NotTriggered"
	OrderStatusFailed       OrderStatus = "Failed"
	OrderStatusPassed       OrderStatus = "Passed"
	OrderStatusExecuted     OrderStatus = "Executed"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNotTriggered, OrderStatusFailed, OrderStatusPassed, OrderStatusExecuted:
		return true
	}
	return false
}

// ServiceChargesStatus tracks the service-fee charge, a separate later
// transaction on the same order.
type ServiceChargesStatus string

const (
	ServiceChargesNotTriggered ServiceChargesStatus = "NotTriggered"
	ServiceChargesFailed       ServiceChargesStatus = "Failed"
	ServiceChargesCharged      ServiceChargesStatus = "Charged"
	ServiceChargesExecuted     ServiceChargesStatus = "Executed"
)

func (s ServiceChargesStatus) Valid() bool {
	switch s {
	case ServiceChargesNotTriggered, ServiceChargesFailed, ServiceChargesCharged, ServiceChargesExecuted:
		return true
	}
	return false
}

package domain

import (
	"fmt"
	"time"
)

// FailedOrder represents a purchase that failed and may be retried.
type FailedOrder struct {
	ID            string            `json:"id"             db:"id"`
	OrderID       string            `json:"order_id"       db:"order_id"`
	WebsiteName   string            `json:"website_name"   db:"website_name"`
	Payload       Payload           `json:"payload,omitempty" db:"payload"`
	WebhookURL    string            `json:"webhook_url"    db:"webhook_url"`
	FailureCount  int               `json:"failure_count"  db:"failure_count"`
	FailureReason string            `json:"failure_reason" db:"failure_reason"`
	Retryable     bool              `json:"retryable"      db:"retryable"`
	Status        FailedOrderStatus `json:"status"         db:"status"`
	Notes         string            `json:"notes"          db:"notes"`
	CreatedAt     time.Time         `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"     db:"updated_at"`
}

// PurchaseOrder returns the unit of work handed to an automation.
func (f *FailedOrder) PurchaseOrder() PurchaseOrder {
	return PurchaseOrder{
		OrderID:     f.OrderID,
		WebsiteName: f.WebsiteName,
		Payload:     f.Payload,
		WebhookURL:  f.WebhookURL,
	}
}

type FailedOrderStatus string

const (
	FailedOrderStatusFailed   FailedOrderStatus = "failed"
	FailedOrderStatusRetrying FailedOrderStatus = "retrying"
	FailedOrderStatusRetried  FailedOrderStatus = "retried"
	FailedOrderStatusResolved FailedOrderStatus = "resolved"
)

func (s FailedOrderStatus) Valid() bool {
	switch s {
	case FailedOrderStatusFailed, FailedOrderStatusRetrying, FailedOrderStatusRetried, FailedOrderStatusResolved:
		return true
	}
	return false
}

// FailureInput is the data recorded for one failed attempt.
type FailureInput struct {
	OrderID     string
	WebsiteName string
	Payload     Payload
	WebhookURL  string
	Reason      string
	Status      FailedOrderStatus
	Retryable   bool
}

// FailedOrderPatch holds the operator-editable fields of a failed order.
type FailedOrderPatch struct {
	Notes  *string
	Status *FailedOrderStatus
}

// Empty reports whether the patch changes nothing.
func (p FailedOrderPatch) Empty() bool {
	return p.Notes == nil && p.Status == nil
}

// ParseFailedOrderPatch builds a patch from decoded JSON, rejecting any field
// outside the notes/status whitelist.
func ParseFailedOrderPatch(fields map[string]any) (FailedOrderPatch, error) {
	var patch FailedOrderPatch
	for key, raw := range fields {
		switch key {
		case "notes":
			s, ok := raw.(string)
			if !ok {
				return FailedOrderPatch{}, fmt.Errorf("%w: notes must be a string", ErrInvalidField)
			}
			patch.Notes = &s
		case "status":
			s, ok := raw.(string)
			if !ok {
				return FailedOrderPatch{}, fmt.Errorf("%w: status must be a string", ErrInvalidField)
			}
			status := FailedOrderStatus(s)
			if !status.Valid() {
				return FailedOrderPatch{}, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
			}
			patch.Status = &status
		default:
			return FailedOrderPatch{}, fmt.Errorf("%w: %s", ErrFieldNotAllowed, key)
		}
	}
	return patch, nil
}

// FailedOrderFilter selects failed orders for operator inspection.
type FailedOrderFilter struct {
	WebsiteName string
	Status      FailedOrderStatus
	Sort        string // column name, "-" prefix for descending
	Page        int    // 1-based
	Limit       int
	WithPayload bool
}

// FailedOrderPage is one page of a filtered listing.
type FailedOrderPage struct {
	Items []*FailedOrder `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

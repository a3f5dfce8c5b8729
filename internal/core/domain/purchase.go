package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Payload is the opaque booking data attached to an order
// (billing info, tour/date/time, payment instrument).
type Payload map[string]any

// String returns the string value stored under key, or "".
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// BookingDate returns the raw bookingDate field.
func (p Payload) BookingDate() string {
	return p.String("bookingDate")
}

// Value implements driver.Valuer, storing the payload as JSON text.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	if len(data) == 0 {
		*p = nil
		return nil
	}
	out := make(Payload)
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	*p = out
	return nil
}

// PurchaseOrder is what an automation receives for each attempt.
type PurchaseOrder struct {
	OrderID     string  `json:"orderId"`
	WebsiteName string  `json:"websiteName"`
	Payload     Payload `json:"payload"`
	WebhookURL  string  `json:"webhookUrl,omitempty"`
}

// AttemptResult is the explicit outcome reported by an automation.
// Only Success=true counts as a passed purchase.
type AttemptResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

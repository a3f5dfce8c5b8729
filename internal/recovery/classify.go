package recovery

import (
	"errors"
	"strings"
	"time"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
)

// ErrorKind classifies an attempt failure.
type ErrorKind string

const (
	// KindTransient failures are worth retrying (timeouts, missing UI elements, captcha).
	KindTransient ErrorKind = "transient"
	// KindTerminal failures are business-final and never retried automatically.
	KindTerminal ErrorKind = "terminal"
	// KindInfrastructure failures come from our side (runner or database down).
	KindInfrastructure ErrorKind = "infrastructure"
)

// ErrInfrastructure marks errors raised by the runner transport or storage
// rather than by the website being automated.
var ErrInfrastructure = errors.New("infrastructure failure")

// Valid reports whether k may be assigned by a classifier rule.
func (k ErrorKind) Valid() bool {
	return k == KindTerminal || k == KindTransient
}

// Rule maps a reason substring to an ErrorKind.
type Rule struct {
	Pattern string    `yaml:"pattern"`
	Kind    ErrorKind `yaml:"kind"`
}

// DefaultRules returns the built-in terminal signals. Matching is
// case-sensitive so both spellings automations emit are listed.
func DefaultRules() []Rule {
	patterns := []string{
		"Payment not completed",
		"payment not completed",
		"No available tours",
		"no available tours",
		"Invalid credit card",
		"invalid credit card",
		"Time slot unavailable",
		"time slot unavailable",
		"Tour not available",
		"tour not available",
	}
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		rules = append(rules, Rule{Pattern: p, Kind: KindTerminal})
	}
	return rules
}

// bookingDateLayouts are the accepted bookingDate formats, tried in order.
var bookingDateLayouts = []string{"01/02/2006", "2006-01-02"}

// Classifier decides whether a failed order may be retried automatically.
type Classifier struct {
	rules             []Rule
	clock             clock.Clock
	strictBookingDate bool
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithClock sets the time source used for booking date checks.
func WithClock(clk clock.Clock) ClassifierOption {
	return func(c *Classifier) { c.clock = clk }
}

// WithStrictBookingDate treats an unparseable booking date as terminal.
func WithStrictBookingDate(strict bool) ClassifierOption {
	return func(c *Classifier) { c.strictBookingDate = strict }
}

// NewClassifier creates a classifier. The first rule whose pattern is
// contained in the reason decides its kind; nil rules use DefaultRules.
func NewClassifier(rules []Rule, opts ...ClassifierOption) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	c := &Classifier{
		rules: append([]Rule(nil), rules...),
		clock: clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kind returns the kind of the first matching rule, or KindTransient.
func (c *Classifier) Kind(reason string) ErrorKind {
	for _, r := range c.rules {
		if r.Pattern != "" && strings.Contains(reason, r.Pattern) {
			return r.Kind
		}
	}
	return KindTransient
}

// ShouldRetry reports whether an order that failed with reason may be
// retried automatically.
func (c *Classifier) ShouldRetry(reason string, payload domain.Payload) bool {
	if c.Kind(reason) == KindTerminal {
		return false
	}
	date, ok := ParseBookingDate(payload.BookingDate())
	if !ok {
		return !c.strictBookingDate
	}
	return !date.Before(c.clock.Now())
}

// ParseBookingDate parses MM/DD/YYYY or YYYY-MM-DD as UTC midnight.
func ParseBookingDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range bookingDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

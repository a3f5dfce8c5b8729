package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/ticketbot/internal/automation"
	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/metrics"
)

// StatusCounter counts failed orders per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.FailedOrderStatus]int, error)
}

// Pinger is a dependency that can report its own reachability.
type Pinger interface {
	Health(ctx context.Context) error
}

// RunnerReporter exposes automation runner statistics.
type RunnerReporter interface {
	Health() map[string]automation.RunnerHealth
}

// Thresholds decide when the failed backlog degrades the system.
type Thresholds struct {
	DegradedFailed int
	CriticalFailed int
	// RunnerErrorRate above which a runner marks the system degraded.
	RunnerErrorRate float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedFailed:  50,
		CriticalFailed:  500,
		RunnerErrorRate: 0.5,
	}
}

const checkInterval = 10 * time.Second

// Monitor aggregates health status from various system components.
type Monitor struct {
	counter    StatusCounter
	pingers    map[string]Pinger
	runners    RunnerReporter
	thresholds Thresholds
	clock      clock.Clock
	log        *slog.Logger

	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. runners may be nil.
func NewMonitor(
	counter StatusCounter,
	pingers map[string]Pinger,
	runners RunnerReporter,
	thresholds Thresholds,
	clk clock.Clock,
) *Monitor {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if thresholds.DegradedFailed <= 0 && thresholds.CriticalFailed <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		counter:    counter,
		pingers:    pingers,
		runners:    runners,
		thresholds: thresholds,
		clock:      clk,
		log:        slog.Default().With("component", "health"),
	}
}

// CheckHealth builds a report, reusing the previous one if it is younger
// than the check interval.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < checkInterval {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.pingers)),
		Runners:      map[string]automation.RunnerHealth{},
	}

	for name, p := range m.pingers {
		c := ComponentHealth{Status: StatusHealthy}
		if err := p.Health(ctx); err != nil {
			c.Status = StatusCritical
			c.Error = err.Error()
			m.log.Warn("Dependency unhealthy", "dependency", name, "error", err)
		}
		report.Components[name] = c
		report.SystemStatus = worst(report.SystemStatus, c.Status)
	}

	report.Backlog = m.backlog(ctx)
	report.SystemStatus = worst(report.SystemStatus, report.Backlog.Status)

	if m.runners != nil {
		report.Runners = m.runners.Health()
		for _, r := range report.Runners {
			if !r.Available || r.ErrorRate > m.thresholds.RunnerErrorRate {
				report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
			}
		}
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}

func (m *Monitor) backlog(ctx context.Context) BacklogHealth {
	b := BacklogHealth{Status: StatusHealthy}
	counts, err := m.counter.CountByStatus(ctx)
	if err != nil {
		m.log.Warn("Failed to count failed orders", "error", err)
		b.Status = StatusDegraded
		return b
	}

	b.Failed = counts[domain.FailedOrderStatusFailed]
	b.Retrying = counts[domain.FailedOrderStatusRetrying]
	b.Retried = counts[domain.FailedOrderStatusRetried]
	b.Resolved = counts[domain.FailedOrderStatusResolved]

	for _, s := range []domain.FailedOrderStatus{
		domain.FailedOrderStatusFailed,
		domain.FailedOrderStatusRetrying,
		domain.FailedOrderStatusRetried,
		domain.FailedOrderStatusResolved,
	} {
		metrics.FailedOrders.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	switch {
	case m.thresholds.CriticalFailed > 0 && b.Failed >= m.thresholds.CriticalFailed:
		b.Status = StatusCritical
	case m.thresholds.DegradedFailed > 0 && b.Failed >= m.thresholds.DegradedFailed:
		b.Status = StatusDegraded
	}
	return b
}

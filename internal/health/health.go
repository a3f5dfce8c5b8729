// Package health provides system health monitoring and status reporting.
package health

import "github.com/vietddude/ticketbot/internal/automation"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// rank orders statuses so the worst one wins when aggregating.
func (s SystemStatus) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func worst(a, b SystemStatus) SystemStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ComponentHealth is the result of pinging one dependency.
type ComponentHealth struct {
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// BacklogHealth summarises the failed order queue.
type BacklogHealth struct {
	Status   SystemStatus `json:"status"`
	Failed   int          `json:"failed"`
	Retrying int          `json:"retrying"`
	Retried  int          `json:"retried"`
	Resolved int          `json:"resolved"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                       `json:"system_status"`
	Components   map[string]ComponentHealth         `json:"components"`
	Backlog      BacklogHealth                      `json:"backlog"`
	Runners      map[string]automation.RunnerHealth `json:"runners"`
}

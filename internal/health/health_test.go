package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/ticketbot/internal/automation"
	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
)

// =============================================================================
// Mocks
// =============================================================================

type stubCounter struct {
	counts map[domain.FailedOrderStatus]int
	err    error
	calls  int
}

func (s *stubCounter) CountByStatus(ctx context.Context) (map[domain.FailedOrderStatus]int, error) {
	s.calls++
	return s.counts, s.err
}

type stubPinger struct {
	err error
}

func (s stubPinger) Health(ctx context.Context) error { return s.err }

type stubRunners map[string]automation.RunnerHealth

func (s stubRunners) Health() map[string]automation.RunnerHealth { return s }

func failed(n int) *stubCounter {
	return &stubCounter{counts: map[domain.FailedOrderStatus]int{domain.FailedOrderStatusFailed: n}}
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Status(t *testing.T) {
	tests := []struct {
		name    string
		counter *stubCounter
		pingers map[string]Pinger
		runners RunnerReporter
		want    SystemStatus
	}{
		{"healthy", failed(3), map[string]Pinger{"database": stubPinger{}}, nil, StatusHealthy},
		{"backlog degraded", failed(50), nil, nil, StatusDegraded},
		{"backlog critical", failed(500), nil, nil, StatusCritical},
		{"count error", &stubCounter{err: errors.New("boom")}, nil, nil, StatusDegraded},
		{"database down", failed(0), map[string]Pinger{"database": stubPinger{err: errors.New("refused")}}, nil, StatusCritical},
		{
			"runner unavailable", failed(0), nil,
			stubRunners{"nps": {Available: false}}, StatusDegraded,
		},
		{
			"runner erroring", failed(0), nil,
			stubRunners{"nps": {Available: true, ErrorRate: 0.9}}, StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(tt.counter, tt.pingers, tt.runners, Thresholds{}, clock.NewFixed(time.Now()))
			report := m.CheckHealth(context.Background())
			if report.SystemStatus != tt.want {
				t.Errorf("expected %s, got %s", tt.want, report.SystemStatus)
			}
		})
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	counter := failed(1)
	m := NewMonitor(counter, nil, nil, Thresholds{}, clock.NewFixed(time.Now()))

	first := m.CheckHealth(context.Background())
	second := m.CheckHealth(context.Background())

	if counter.calls != 1 {
		t.Errorf("expected 1 count call, got %d", counter.calls)
	}
	if first != second {
		t.Error("expected cached report")
	}
	if first.Backlog.Failed != 1 {
		t.Errorf("expected backlog 1, got %d", first.Backlog.Failed)
	}
}

func TestServer_Endpoints(t *testing.T) {
	m := NewMonitor(failed(500), nil, nil, Thresholds{}, nil)
	extra := func(mux *http.ServeMux) {
		mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	}
	h := NewServer(m, 0, nil, extra).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Backlog.Failed != 500 {
		t.Errorf("expected backlog 500, got %d", report.Backlog.Failed)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected metrics 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected mounted route, got %d", rec.Code)
	}
}

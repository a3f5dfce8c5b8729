package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/recovery"
)

// RunnerHealth represents the health state of an automation runner.
type RunnerHealth struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
}

// HTTPRunner implements recovery.Attempter by posting the order to an
// external browser-automation host.
type HTTPRunner struct {
	name       string
	endpoint   string
	token      string
	httpClient *http.Client

	mu           sync.RWMutex
	health       RunnerHealth
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int
}

// NewHTTPRunner creates a new HTTP automation runner.
func NewHTTPRunner(name, endpoint, token string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPRunner{
		name:     name,
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: RunnerHealth{Available: true},
	}
}

type attemptRequest struct {
	Order   domain.PurchaseOrder `json:"order"`
	Attempt int                  `json:"attempt"`
}

// Attempt runs one purchase attempt on the runner. Transport problems,
// throttling and 5xx responses are reported as infrastructure errors; a 4xx
// response carrying an error message is a regular attempt failure.
func (r *HTTPRunner) Attempt(
	ctx context.Context,
	order domain.PurchaseOrder,
	attempt int,
) (domain.AttemptResult, error) {
	start := time.Now()

	jsonData, err := json.Marshal(attemptRequest{Order: order, Attempt: attempt})
	if err != nil {
		return domain.AttemptResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return domain.AttemptResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.recordFailure()
		return domain.AttemptResult{}, fmt.Errorf("runner %s: %w: %v", r.name, recovery.ErrInfrastructure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r.recordFailure()
		return domain.AttemptResult{}, fmt.Errorf("runner %s: read response: %w: %v", r.name, recovery.ErrInfrastructure, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		r.recordFailure()
		return domain.AttemptResult{}, fmt.Errorf("runner %s: http %d: %w: %s",
			r.name, resp.StatusCode, recovery.ErrInfrastructure, string(body))
	}

	var result domain.AttemptResult
	if err := json.Unmarshal(body, &result); err != nil {
		r.recordFailure()
		if resp.StatusCode >= 400 {
			return domain.AttemptResult{}, fmt.Errorf("runner %s: http %d: %s", r.name, resp.StatusCode, string(body))
		}
		return domain.AttemptResult{}, fmt.Errorf("runner %s: parse response: %w", r.name, err)
	}
	if resp.StatusCode >= 400 {
		result.Success = false
		if result.Error == "" {
			result.Error = fmt.Sprintf("http %d", resp.StatusCode)
		}
	}

	// The runner answered, so it is healthy even when the purchase failed
	r.recordSuccess(time.Since(start))
	return result, nil
}

// Name returns the runner's family name.
func (r *HTTPRunner) Name() string {
	return r.name
}

// Health returns the runner's health status.
func (r *HTTPRunner) Health() RunnerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// Close cleans up resources.
func (r *HTTPRunner) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

func (r *HTTPRunner) recordSuccess(latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.successCount++
	r.requestCount++
	r.totalLatency += latency
	r.health.LastSuccessAt = time.Now()
	r.health.Available = true
	r.health.ErrorRate = float64(r.failureCount) / float64(r.requestCount)
	r.health.Latency = r.totalLatency / time.Duration(r.successCount)
}

func (r *HTTPRunner) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failureCount++
	r.requestCount++
	r.health.LastFailureAt = time.Now()
	r.health.ErrorRate = float64(r.failureCount) / float64(r.requestCount)

	if r.health.ErrorRate > 0.5 {
		r.health.Available = false
	}
}

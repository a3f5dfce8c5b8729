package automation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/recovery"
)

func TestHTTPRunner_Attempt(t *testing.T) {
	var got attemptRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(domain.AttemptResult{Success: true})
	}))
	defer server.Close()

	runner := NewHTTPRunner("alcatraz", server.URL, "secret", time.Second)
	order := domain.PurchaseOrder{OrderID: "o1", WebsiteName: "alcatraz", Payload: domain.Payload{"tour": "night"}}

	res, err := runner.Attempt(context.Background(), order, 2)
	if err != nil {
		t.Fatalf("Attempt failed: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if got.Attempt != 2 || got.Order.OrderID != "o1" || got.Order.Payload.String("tour") != "night" {
		t.Errorf("unexpected request: %+v", got)
	}
	if !runner.Health().Available {
		t.Error("runner should be available")
	}
}

func TestHTTPRunner_ReportedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":true,"error":"Payment not completed"}`))
	}))
	defer server.Close()

	runner := NewHTTPRunner("alcatraz", server.URL, "", time.Second)
	res, err := runner.Attempt(context.Background(), domain.PurchaseOrder{OrderID: "o1"}, 0)
	if err != nil {
		t.Fatalf("expected reported failure, got error %v", err)
	}
	if res.Success || res.Error != "Payment not completed" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHTTPRunner_InfrastructureErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "browser pool exhausted", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	runner := NewHTTPRunner("alcatraz", server.URL, "", time.Second)
	for i := 0; i < 3; i++ {
		_, err := runner.Attempt(context.Background(), domain.PurchaseOrder{OrderID: "o1"}, i)
		if !errors.Is(err, recovery.ErrInfrastructure) {
			t.Fatalf("expected infrastructure error, got %v", err)
		}
	}
	if runner.Health().Available {
		t.Error("runner should be marked unavailable after repeated failures")
	}

	server.Close()
	_, err := runner.Attempt(context.Background(), domain.PurchaseOrder{OrderID: "o1"}, 0)
	if !errors.Is(err, recovery.ErrInfrastructure) {
		t.Errorf("expected infrastructure error for closed server, got %v", err)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	fake := recovery.AttempterFunc(func(ctx context.Context, o domain.PurchaseOrder, i int) (domain.AttemptResult, error) {
		return domain.AttemptResult{Success: true}, nil
	})
	reg.Register("nps", fake, "alcatraz", "statue")

	if !reg.Supports("alcatraz") || !reg.Supports("statue") {
		t.Error("expected mapped websites to be supported")
	}
	if family, _ := reg.Family("statue"); family != "nps" {
		t.Errorf("unexpected family %q", family)
	}
	if _, err := reg.Lookup("alcatraz"); err != nil {
		t.Errorf("Lookup failed: %v", err)
	}
	if _, err := reg.Lookup("eiffel"); !errors.Is(err, domain.ErrUnsupportedWebsite) {
		t.Errorf("expected ErrUnsupportedWebsite, got %v", err)
	}
	if ws := reg.Websites(); len(ws) != 2 || ws[0] != "alcatraz" {
		t.Errorf("unexpected websites %v", ws)
	}
}

package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/core/order"
	"github.com/vietddude/ticketbot/internal/recovery"
)

// Config configures inline attempts made when an order arrives.
type Config struct {
	InlineAttempts int               // Attempts before the order is left to the scheduler (default: 3)
	Delays         recovery.Schedule // Waits between inline attempts
	Instance       string
}

// Attempters resolves the automation for a website.
type Attempters interface {
	Lookup(website string) (recovery.Attempter, error)
}

// Request is an incoming purchase order.
type Request struct {
	OrderID     string         `json:"orderId"`
	WebsiteName string         `json:"websiteName"`
	Payload     domain.Payload `json:"payload"`
	WebhookURL  string         `json:"webhookUrl"`
	// Triggerable defaults to true; false only stores the order.
	Triggerable *bool `json:"triggerable,omitempty"`
}

// Service accepts orders and runs their first purchase attempts.
type Service struct {
	cfg        Config
	orders     *order.Manager
	executor   *recovery.Executor
	attempters Attempters
	log        *slog.Logger
	wg         sync.WaitGroup
}

// NewService creates a new intake service.
func NewService(cfg Config, orders *order.Manager, executor *recovery.Executor, attempters Attempters) *Service {
	if cfg.InlineAttempts <= 0 {
		cfg.InlineAttempts = 3
	}
	if cfg.Instance == "" {
		cfg.Instance = "intake"
	}
	return &Service{
		cfg:        cfg,
		orders:     orders,
		executor:   executor,
		attempters: attempters,
		log:        slog.Default().With("component", "intake"),
	}
}

// Submit stores the order and, when it is new and triggerable, starts the
// inline attempts in the background. A duplicate submission returns the
// stored order with created=false and triggers nothing.
func (s *Service) Submit(ctx context.Context, req Request) (*domain.OrderRecord, bool, error) {
	if req.OrderID == "" || req.WebsiteName == "" {
		return nil, false, domain.ErrInvalidOrder
	}
	attempter, err := s.attempters.Lookup(req.WebsiteName)
	if err != nil {
		return nil, false, err
	}

	triggerable := req.Triggerable == nil || *req.Triggerable
	rec := &domain.OrderRecord{
		OrderID:     req.OrderID,
		WebsiteName: req.WebsiteName,
		Payload:     req.Payload,
		Triggerable: triggerable,
	}
	created, err := s.orders.Create(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.orders.Get(ctx, rec.Key())
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing order: %w", err)
		}
		s.log.Info("Duplicate order ignored", "orderId", req.OrderID, "website", req.WebsiteName)
		return existing, false, nil
	}

	s.log.Info("Order accepted", "orderId", req.OrderID, "website", req.WebsiteName, "triggerable", triggerable)
	if !triggerable {
		return rec, true, nil
	}

	po := domain.PurchaseOrder{
		OrderID:     req.OrderID,
		WebsiteName: req.WebsiteName,
		Payload:     req.Payload,
		WebhookURL:  req.WebhookURL,
	}
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, po, attempter)
	}()
	return rec, true, nil
}

// Wait blocks until all inline runs finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, po domain.PurchaseOrder, attempter recovery.Attempter) {
	key := domain.OrderKey{OrderID: po.OrderID, WebsiteName: po.WebsiteName}
	log := s.log.With("orderId", po.OrderID, "website", po.WebsiteName)

	if err := s.orders.SetTriggeredMachine(ctx, key, s.cfg.Instance); err != nil {
		log.Warn("Failed to record triggered machine", "error", err)
	}

	out := s.executor.Run(ctx, po, attempter, recovery.RunOptions{
		MaxAttempts:        s.cfg.InlineAttempts,
		Delays:             s.cfg.Delays,
		PersistEachFailure: true,
	})

	if out.Success {
		if err := s.orders.MarkPassed(ctx, key); err != nil {
			log.Error("Failed to mark order passed", "error", err)
		}
		return
	}
	if err := s.orders.MarkFailed(ctx, key, out.LastError); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		log.Error("Failed to mark order failed", "error", err)
	}
	if out.PersistErr != nil {
		log.Error("Order failure was not recorded", "error", out.PersistErr)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/intake"
)

// OrderIntake accepts new orders.
type OrderIntake interface {
	Submit(ctx context.Context, req intake.Request) (*domain.OrderRecord, bool, error)
}

// OrderStateService is the minimal interface needed for order outcome updates.
type OrderStateService interface {
	Get(ctx context.Context, key domain.OrderKey) (*domain.OrderRecord, error)
	SetStatus(ctx context.Context, key domain.OrderKey, next domain.OrderStatus, reason *string) error
	Override(ctx context.Context, key domain.OrderKey, next domain.OrderStatus, reason string) error
	SetServiceCharges(ctx context.Context, key domain.OrderKey, next domain.ServiceChargesStatus, errMsg *string) error
}

// HandleSubmitOrder serves POST /orders: 201 when created, 200 for a
// duplicate of an existing order.
func HandleSubmitOrder(svc OrderIntake) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req intake.Request
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		rec, created, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeOrderError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, rec)
	}
}

// HandleGetOrder serves GET /orders/{website}/{orderId}.
func HandleGetOrder(svc OrderStateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Get(r.Context(), orderKey(r))
		if err != nil {
			writeOrderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

type updateOrderRequest struct {
	Status               *domain.OrderStatus          `json:"status"`
	FailureReason        *string                      `json:"failureReason"`
	ServiceChargesStatus *domain.ServiceChargesStatus `json:"serviceChargesStatus"`
	ServiceChargesError  *string                      `json:"serviceChargesError"`
	Force                bool                         `json:"force"`
}

// HandleUpdateOrder serves PATCH /orders/{website}/{orderId}, the outcome
// update used by the automation layer. force=true is an operator override of
// the status state machine.
func HandleUpdateOrder(svc OrderStateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateOrderRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.Status == nil && req.ServiceChargesStatus == nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "status or serviceChargesStatus is required")
			return
		}

		ctx := r.Context()
		key := orderKey(r)

		if req.Status != nil {
			var err error
			if req.Force {
				reason := ""
				if req.FailureReason != nil {
					reason = *req.FailureReason
				}
				err = svc.Override(ctx, key, *req.Status, reason)
			} else {
				err = svc.SetStatus(ctx, key, *req.Status, req.FailureReason)
			}
			if err != nil {
				writeOrderError(w, err)
				return
			}
		}
		if req.ServiceChargesStatus != nil {
			if err := svc.SetServiceCharges(ctx, key, *req.ServiceChargesStatus, req.ServiceChargesError); err != nil {
				writeOrderError(w, err)
				return
			}
		}

		rec, err := svc.Get(ctx, key)
		if err != nil {
			writeOrderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func orderKey(r *http.Request) domain.OrderKey {
	return domain.OrderKey{
		OrderID:     r.PathValue("orderId"),
		WebsiteName: r.PathValue("website"),
	}
}

func writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, codeOrderMissing, err.Error())
	case errors.Is(err, domain.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, codeInvalidOrder, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, codeInvalidStatus, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrUnsupportedWebsite):
		writeError(w, http.StatusUnprocessableEntity, codeUnsupportedWebsite, err.Error())
	default:
		slog.Error("Order request failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

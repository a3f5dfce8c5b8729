package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vietddude/ticketbot/internal/core/domain"
)

// FailedOrderService is the minimal interface needed for failed order endpoints.
type FailedOrderService interface {
	Find(ctx context.Context, filter domain.FailedOrderFilter) (*domain.FailedOrderPage, error)
	FindByID(ctx context.Context, id string) (*domain.FailedOrder, error)
	Update(ctx context.Context, id string, patch domain.FailedOrderPatch) (*domain.FailedOrder, error)
}

// RetryTrigger starts a manual retry.
type RetryTrigger interface {
	Retry(ctx context.Context, id string) error
}

// HandleListFailedOrders serves GET /failed-orders.
func HandleListFailedOrders(svc FailedOrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFailedOrderFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
			return
		}
		page, err := svc.Find(r.Context(), filter)
		if err != nil {
			slog.Error("Failed to list failed orders", "error", err)
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// HandleGetFailedOrder serves GET /failed-orders/{id}.
func HandleGetFailedOrder(svc FailedOrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fo, err := svc.FindByID(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailedOrderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fo)
	}
}

// HandlePatchFailedOrder serves PATCH /failed-orders/{id}. Only notes and
// status may be changed.
func HandlePatchFailedOrder(svc FailedOrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		patch, err := domain.ParseFailedOrderPatch(fields)
		if err != nil {
			writeFailedOrderError(w, err)
			return
		}
		fo, err := svc.Update(r.Context(), r.PathValue("id"), patch)
		if err != nil {
			writeFailedOrderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fo)
	}
}

type retryResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleRetryFailedOrder serves POST /failed-orders/retry/{id}. It answers
// 202 as soon as the retry is accepted.
func HandleRetryFailedOrder(trigger RetryTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := trigger.Retry(r.Context(), id); err != nil {
			writeFailedOrderError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, retryResponse{
			ID:     id,
			Status: string(domain.FailedOrderStatusRetrying),
		})
	}
}

func parseFailedOrderFilter(r *http.Request) (domain.FailedOrderFilter, error) {
	q := r.URL.Query()
	filter := domain.FailedOrderFilter{
		WebsiteName: q.Get("websiteName"),
		Sort:        q.Get("sort"),
	}
	if s := q.Get("status"); s != "" {
		status := domain.FailedOrderStatus(s)
		if !status.Valid() {
			return filter, errors.New("invalid status")
		}
		filter.Status = status
	}
	if p := q.Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return filter, errors.New("page must be a positive integer")
		}
		filter.Page = n
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	if v := q.Get("payload"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("payload must be a boolean")
		}
		filter.WithPayload = b
	}
	return filter, nil
}

func writeFailedOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrFailedOrderNotFound):
		writeError(w, http.StatusNotFound, codeFailedOrderMissing, err.Error())
	case errors.Is(err, domain.ErrFieldNotAllowed):
		writeError(w, http.StatusBadRequest, codeFieldNotAllowed, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, codeInvalidStatus, err.Error())
	case errors.Is(err, domain.ErrInvalidField):
		writeError(w, http.StatusBadRequest, codeInvalidField, err.Error())
	case errors.Is(err, domain.ErrUnsupportedWebsite):
		writeError(w, http.StatusUnprocessableEntity, codeUnsupportedWebsite, err.Error())
	case errors.Is(err, domain.ErrRetryInProgress):
		writeError(w, http.StatusConflict, codeRetryInProgress, err.Error())
	default:
		slog.Error("Failed order request failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

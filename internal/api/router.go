package api

import (
	"net/http"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	FailedOrders FailedOrderService
	Trigger      RetryTrigger
	Intake       OrderIntake
	Orders       OrderStateService
	AdminToken   string
}

// Register mounts the admin and order routes on mux.
func Register(mux *http.ServeMux, d Deps) {
	admin := func(h http.HandlerFunc) http.Handler {
		return RequireAdmin(d.AdminToken, h)
	}

	mux.Handle("GET /failed-orders", admin(HandleListFailedOrders(d.FailedOrders)))
	mux.Handle("GET /failed-orders/{id}", admin(HandleGetFailedOrder(d.FailedOrders)))
	mux.Handle("PATCH /failed-orders/{id}", admin(HandlePatchFailedOrder(d.FailedOrders)))
	mux.Handle("POST /failed-orders/retry/{id}", admin(HandleRetryFailedOrder(d.Trigger)))

	mux.Handle("POST /orders", admin(HandleSubmitOrder(d.Intake)))
	mux.Handle("GET /orders/{website}/{orderId}", admin(HandleGetOrder(d.Orders)))
	mux.Handle("PATCH /orders/{website}/{orderId}", admin(HandleUpdateOrder(d.Orders)))
}

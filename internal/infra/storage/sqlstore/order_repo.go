package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/infra/storage"
)

const orderColumns = `order_id, website_name, payload, status, triggered_machine,
	service_charges_status, service_charges_error, failure_reason, triggerable,
	created_at, updated_at`

// OrderRepo implements storage.OrderRepository over SQL.
type OrderRepo struct {
	db    *DB
	clock clock.Clock
}

// NewOrderRepo creates a new SQL order repository.
func NewOrderRepo(db *DB, clk clock.Clock) *OrderRepo {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &OrderRepo{db: db, clock: clk}
}

var _ storage.OrderRepository = (*OrderRepo)(nil)

// Create inserts an order. A duplicate key is not an error.
func (r *OrderRepo) Create(ctx context.Context, order *domain.OrderRecord) (bool, error) {
	if order.OrderID == "" || order.WebsiteName == "" {
		return false, domain.ErrInvalidOrder
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusNotTriggered
	}
	if order.ServiceChargesStatus == "" {
		order.ServiceChargesStatus = domain.ServiceChargesNotTriggered
	}
	now := r.clock.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	query := r.db.Rebind(`INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(
		ctx,
		query,
		order.OrderID,
		order.WebsiteName,
		order.Payload,
		string(order.Status),
		order.TriggeredMachine,
		string(order.ServiceChargesStatus),
		order.ServiceChargesError,
		order.FailureReason,
		order.Triggerable,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create order: %w", err)
	}
	return true, nil
}

// Get retrieves an order by its natural key.
func (r *OrderRepo) Get(ctx context.Context, key domain.OrderKey) (*domain.OrderRecord, error) {
	query := r.db.Rebind(`SELECT ` + orderColumns + `
		FROM orders WHERE order_id = ? AND website_name = ?`)

	var order domain.OrderRecord
	err := r.db.GetContext(ctx, &order, query, key.OrderID, key.WebsiteName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// CompareAndSetStatus moves the order to next if it is still in expected.
// failure_reason is only overwritten when reason is non-nil.
func (r *OrderRepo) CompareAndSetStatus(
	ctx context.Context,
	key domain.OrderKey,
	expected, next domain.OrderStatus,
	reason *string,
) (bool, error) {
	sets := "status = ?, updated_at = ?"
	args := []any{string(next), r.clock.Now()}
	if reason != nil {
		sets += ", failure_reason = ?"
		args = append(args, *reason)
	}
	args = append(args, key.OrderID, key.WebsiteName, string(expected))

	query := r.db.Rebind(`UPDATE orders SET ` + sets + `
		WHERE order_id = ? AND website_name = ? AND status = ?`)
	return r.casExec(ctx, key, query, args)
}

// CompareAndSetServiceCharges moves the service charge status to next if it
// is still in expected.
func (r *OrderRepo) CompareAndSetServiceCharges(
	ctx context.Context,
	key domain.OrderKey,
	expected, next domain.ServiceChargesStatus,
	errMsg *string,
) (bool, error) {
	sets := "service_charges_status = ?, updated_at = ?"
	args := []any{string(next), r.clock.Now()}
	if errMsg != nil {
		sets += ", service_charges_error = ?"
		args = append(args, *errMsg)
	}
	args = append(args, key.OrderID, key.WebsiteName, string(expected))

	query := r.db.Rebind(`UPDATE orders SET ` + sets + `
		WHERE order_id = ? AND website_name = ? AND service_charges_status = ?`)
	return r.casExec(ctx, key, query, args)
}

// SetTriggeredMachine records which instance last attempted the order.
func (r *OrderRepo) SetTriggeredMachine(
	ctx context.Context,
	key domain.OrderKey,
	machine string,
) error {
	query := r.db.Rebind(`UPDATE orders SET triggered_machine = ?, updated_at = ?
		WHERE order_id = ? AND website_name = ?`)
	res, err := r.db.ExecContext(ctx, query, machine, r.clock.Now(), key.OrderID, key.WebsiteName)
	if err != nil {
		return fmt.Errorf("failed to set triggered machine: %w", err)
	}
	return expectRow(res, domain.ErrOrderNotFound)
}

func (r *OrderRepo) casExec(
	ctx context.Context,
	key domain.OrderKey,
	query string,
	args []any,
) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing order
	if _, err := r.Get(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/ticketbot/internal/core/clock"
	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/infra/storage"
)

const failedOrderColumns = `id, order_id, website_name, payload, webhook_url, failure_count,
	failure_reason, retryable, status, notes, created_at, updated_at`

const failedOrderColumnsNoPayload = `id, order_id, website_name, webhook_url, failure_count,
	failure_reason, retryable, status, notes, created_at, updated_at`

// FailedOrderRepo implements storage.FailedOrderRepository over SQL.
type FailedOrderRepo struct {
	db    *DB
	clock clock.Clock
}

// NewFailedOrderRepo creates a new SQL failed order repository.
func NewFailedOrderRepo(db *DB, clk clock.Clock) *FailedOrderRepo {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &FailedOrderRepo{db: db, clock: clk}
}

var _ storage.FailedOrderRepository = (*FailedOrderRepo)(nil)

// RecordFailure upserts the failure in a single statement so concurrent
// failures of the same order never lose an increment.
func (r *FailedOrderRepo) RecordFailure(
	ctx context.Context,
	in domain.FailureInput,
) (*domain.FailedOrder, error) {
	if in.OrderID == "" || in.WebsiteName == "" {
		return nil, domain.ErrInvalidOrder
	}
	status := in.Status
	if status == "" {
		status = domain.FailedOrderStatusFailed
	}
	now := r.clock.Now()

	query := r.db.Rebind(`
		INSERT INTO failed_orders
			(id, order_id, website_name, payload, webhook_url, failure_count,
			 failure_reason, retryable, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, '', ?, ?)
		ON CONFLICT (order_id, website_name) DO UPDATE SET
			failure_count  = failed_orders.failure_count + 1,
			failure_reason = excluded.failure_reason,
			retryable      = excluded.retryable,
			status         = excluded.status,
			webhook_url    = CASE WHEN excluded.webhook_url <> '' THEN excluded.webhook_url
			                      ELSE failed_orders.webhook_url END,
			updated_at     = excluded.updated_at
	`)

	_, err := r.db.ExecContext(
		ctx,
		query,
		uuid.NewString(),
		in.OrderID,
		in.WebsiteName,
		in.Payload,
		in.WebhookURL,
		in.Reason,
		in.Retryable,
		string(status),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}

	return r.FindByKey(ctx, domain.OrderKey{OrderID: in.OrderID, WebsiteName: in.WebsiteName})
}

// FindByID retrieves a failed order.
func (r *FailedOrderRepo) FindByID(ctx context.Context, id string) (*domain.FailedOrder, error) {
	query := r.db.Rebind(`SELECT ` + failedOrderColumns + ` FROM failed_orders WHERE id = ?`)

	var fo domain.FailedOrder
	err := r.db.GetContext(ctx, &fo, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFailedOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed order: %w", err)
	}
	return &fo, nil
}

// FindByKey retrieves the failed order of an order.
func (r *FailedOrderRepo) FindByKey(
	ctx context.Context,
	key domain.OrderKey,
) (*domain.FailedOrder, error) {
	query := r.db.Rebind(`SELECT ` + failedOrderColumns + `
		FROM failed_orders WHERE order_id = ? AND website_name = ?`)

	var fo domain.FailedOrder
	err := r.db.GetContext(ctx, &fo, query, key.OrderID, key.WebsiteName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFailedOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed order: %w", err)
	}
	return &fo, nil
}

// Find lists failed orders page by page.
func (r *FailedOrderRepo) Find(
	ctx context.Context,
	filter domain.FailedOrderFilter,
) (*domain.FailedOrderPage, error) {
	filter = storage.NormalizeFilter(filter)

	var (
		conds []string
		args  []any
	)
	if filter.WebsiteName != "" {
		conds = append(conds, "website_name = ?")
		args = append(args, filter.WebsiteName)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := r.db.Rebind(`SELECT COUNT(*) FROM failed_orders` + where)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to count failed orders: %w", err)
	}

	columns := failedOrderColumnsNoPayload
	if filter.WithPayload {
		columns = failedOrderColumns
	}
	column, desc := storage.ParseSort(filter.Sort)
	direction := "ASC"
	if desc {
		direction = "DESC"
	}

	listQuery := r.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM failed_orders%s ORDER BY %s %s, id ASC LIMIT ? OFFSET ?`,
		columns, where, column, direction,
	))
	listArgs := append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	items := make([]*domain.FailedOrder, 0, filter.Limit)
	if err := r.db.SelectContext(ctx, &items, listQuery, listArgs...); err != nil {
		return nil, fmt.Errorf("failed to list failed orders: %w", err)
	}

	return &domain.FailedOrderPage{
		Items: items,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}, nil
}

// Update applies an operator patch.
func (r *FailedOrderRepo) Update(
	ctx context.Context,
	id string,
	patch domain.FailedOrderPatch,
) (*domain.FailedOrder, error) {
	if patch.Empty() {
		return r.FindByID(ctx, id)
	}

	sets := []string{"updated_at = ?"}
	args := []any{r.clock.Now()}
	if patch.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *patch.Notes)
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, *patch.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	args = append(args, id)

	query := r.db.Rebind(`UPDATE failed_orders SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update failed order: %w", err)
	}
	if err := expectRow(res, domain.ErrFailedOrderNotFound); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindEligible returns orders ready for a scheduled retry, oldest first.
func (r *FailedOrderRepo) FindEligible(
	ctx context.Context,
	threshold, limit int,
) ([]*domain.FailedOrder, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := r.db.Rebind(`SELECT ` + failedOrderColumns + `
		FROM failed_orders
		WHERE status = ? AND retryable = ? AND failure_count = ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`)

	var rows []*domain.FailedOrder
	err := r.db.SelectContext(
		ctx,
		&rows,
		query,
		string(domain.FailedOrderStatusFailed),
		true,
		threshold,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find eligible orders: %w", err)
	}
	return rows, nil
}

// Claim is a compare-and-swap: it only succeeds while the row is still
// failed, retryable and at expectedCount.
func (r *FailedOrderRepo) Claim(
	ctx context.Context,
	id string,
	expectedCount int,
	note string,
) (bool, error) {
	query := r.db.Rebind(`
		UPDATE failed_orders SET
			status        = ?,
			failure_count = failure_count + 1,
			notes         = CASE WHEN notes = '' THEN ? ELSE notes || ? END,
			updated_at    = ?
		WHERE id = ? AND status = ? AND retryable = ? AND failure_count = ?
	`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		string(domain.FailedOrderStatusRetried),
		note,
		"\n"+note,
		r.clock.Now(),
		id,
		string(domain.FailedOrderStatusFailed),
		true,
		expectedCount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim failed order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim failed order: %w", err)
	}
	return n == 1, nil
}

// MarkRetrying moves an order to retrying unless it already is.
func (r *FailedOrderRepo) MarkRetrying(ctx context.Context, id string) error {
	query := r.db.Rebind(`
		UPDATE failed_orders SET status = ?, updated_at = ?
		WHERE id = ? AND status <> ?
	`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		string(domain.FailedOrderStatusRetrying),
		r.clock.Now(),
		id,
		string(domain.FailedOrderStatusRetrying),
	)
	if err != nil {
		return fmt.Errorf("failed to mark retrying: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark retrying: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrRetryInProgress
}

// MarkRetried records a failed retry.
func (r *FailedOrderRepo) MarkRetried(
	ctx context.Context,
	id string,
	reason string,
	increment bool,
) error {
	inc := 0
	if increment {
		inc = 1
	}
	query := r.db.Rebind(`
		UPDATE failed_orders SET
			status         = ?,
			failure_reason = ?,
			failure_count  = failure_count + ?,
			updated_at     = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		string(domain.FailedOrderStatusRetried),
		reason,
		inc,
		r.clock.Now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark retried: %w", err)
	}
	return expectRow(res, domain.ErrFailedOrderNotFound)
}

// Resolve marks an order as successfully retried.
func (r *FailedOrderRepo) Resolve(ctx context.Context, id string) error {
	query := r.db.Rebind(`UPDATE failed_orders SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		string(domain.FailedOrderStatusResolved),
		r.clock.Now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve failed order: %w", err)
	}
	return expectRow(res, domain.ErrFailedOrderNotFound)
}

// Delete removes a failed order.
func (r *FailedOrderRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM failed_orders WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete failed order: %w", err)
	}
	return expectRow(res, domain.ErrFailedOrderNotFound)
}

// CountByStatus returns row counts grouped by status.
func (r *FailedOrderRepo) CountByStatus(
	ctx context.Context,
) (map[domain.FailedOrderStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM failed_orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed orders: %w", err)
	}

	counts := make(map[domain.FailedOrderStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.FailedOrderStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// PruneResolved deletes resolved rows last updated before cutoff.
func (r *FailedOrderRepo) PruneResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	query := r.db.Rebind(`DELETE FROM failed_orders WHERE status = ? AND updated_at < ?`)
	res, err := r.db.ExecContext(ctx, query, string(domain.FailedOrderStatusResolved), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune resolved orders: %w", err)
	}
	return res.RowsAffected()
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

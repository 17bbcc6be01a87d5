package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/target/placement-fulfillment/internal/domain/model"
	apperrors "github.com/target/placement-fulfillment/internal/errors"
)

// OrderRepo persists orders. Status writes are compare-and-set on the stored status.
type OrderRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewOrderRepo constructs an OrderRepo.
func NewOrderRepo(db *sql.DB, tp TimeProvider) *OrderRepo {
	return &OrderRepo{DB: db, timeProvider: timeOrNow(tp)}
}

const orderColumns = `id, user_id, kind, status, payment_status, quantity, metadata, created_at, updated_at`

func scanOrder(scanner rowScanner) (*model.Order, error) {
	var (
		o    model.Order
		meta []byte
	)
	if err := scanner.Scan(&o.ID, &o.UserID, &o.Kind, &o.Status, &o.PaymentStatus,
		&o.Quantity, &meta, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return nil, fmt.Errorf("decode order metadata: %w", err)
		}
	}
	return &o, nil
}

// GetByID loads an order.
func (r *OrderRepo) GetByID(ctx context.Context, id string) (*model.Order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrOrderIDRequired
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateStatus moves an order from u.From to u.To, replacing the metadata when
// u.Metadata is set. It reports model.ErrTransitionConflict when the stored
// status no longer equals u.From.
func (r *OrderRepo) UpdateStatus(ctx context.Context, u model.StatusUpdate) (*model.Order, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	var meta any
	if u.Metadata != nil {
		b, err := json.Marshal(u.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode order metadata: %w", err)
		}
		meta = string(b)
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $3,
		    metadata = COALESCE($4::jsonb, metadata),
		    updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		u.OrderID, string(u.From), string(u.To), meta, r.timeProvider.Now().UTC())
	o, err := scanOrder(row)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	current, getErr := r.GetByID(ctx, u.OrderID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: expected %s, found %s", model.ErrTransitionConflict, u.From, current.Status)
}

// ListStale returns orders in q.Status last updated before q.Before, oldest first.
func (r *OrderRepo) ListStale(ctx context.Context, q model.StaleOrderQuery) ([]*model.Order, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(q.Status), q.Before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Order
	for rows.Next() {
		o, scanErr := scanOrder(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan stale order: %w", scanErr)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Create inserts an order. Orders normally arrive from the upstream front
// door; this path serves seeding and tests.
func (r *OrderRepo) Create(ctx context.Context, o *model.Order) (*model.Order, error) {
	if o == nil {
		return nil, errors.New("order is required")
	}
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode order metadata: %w", err)
	}
	status := o.Status
	if status == "" {
		status = model.OrderPending
	}
	kind := o.Kind
	if kind == "" {
		kind = model.OrderKindPaid
	}
	quantity := max(o.Quantity, 1)
	payment := o.PaymentStatus
	if payment == "" {
		payment = "pending"
	}
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, kind, status, payment_status, quantity, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING `+orderColumns,
		o.UserID, string(kind), string(status), payment, quantity, string(meta))
	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", apperrors.MapDBError(err))
	}
	return created, nil
}

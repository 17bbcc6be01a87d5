package reststore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

const ordersTable = "orders"

var errOrderIDRequired = errors.New("order id is required")

// OrderStore implements core.OrderRepository over the orders table.
type OrderStore struct {
	c *Client
}

var _ core.OrderRepository = (*OrderStore)(nil)

// NewOrderStore wraps c.
func NewOrderStore(c *Client) *OrderStore { return &OrderStore{c: c} }

// GetByID loads one order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (*model.Order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errOrderIDRequired
	}
	var rows []model.Order
	found, err := s.c.do(ctx, request{
		method: http.MethodGet,
		table:  ordersTable,
		query:  url.Values{"id": {eq(id)}, "limit": {"1"}},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if !found || len(rows) == 0 {
		return nil, model.ErrOrderNotFound
	}
	return &rows[0], nil
}

type orderPatch struct {
	Status    model.OrderStatus    `json:"status"`
	Metadata  *model.OrderMetadata `json:"metadata,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// UpdateStatus patches the order only while status still equals u.From. An
// empty representation means no row matched: the order is re-read to tell a
// lost race from a missing order.
func (s *OrderStore) UpdateStatus(ctx context.Context, u model.StatusUpdate) (*model.Order, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	var rows []model.Order
	found, err := s.c.do(ctx, request{
		method: http.MethodPatch,
		table:  ordersTable,
		query:  url.Values{"id": {eq(u.OrderID)}, "status": {eq(string(u.From))}},
		body:   orderPatch{Status: u.To, Metadata: u.Metadata, UpdatedAt: s.c.now().UTC()},
		prefer: "return=representation",
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	if found && len(rows) > 0 {
		return &rows[0], nil
	}

	current, err := s.GetByID(ctx, u.OrderID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: expected %s, found %s", model.ErrTransitionConflict, u.From, current.Status)
}

// ListStale returns orders in q.Status last updated before q.Before, oldest first.
func (s *OrderStore) ListStale(ctx context.Context, q model.StaleOrderQuery) ([]*model.Order, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows []model.Order
	if _, err := s.c.do(ctx, request{
		method: http.MethodGet,
		table:  ordersTable,
		query: url.Values{
			"status":     {eq(string(q.Status))},
			"updated_at": {"lt." + q.Before.UTC().Format(time.RFC3339Nano)},
			"order":      {"updated_at.asc"},
			"limit":      {strconv.Itoa(limit)},
		},
	}, &rows); err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	out := make([]*model.Order, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

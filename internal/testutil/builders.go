// Package testutil provides database, Redis and fixture helpers for the
// placement fulfillment tests.
package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/target/placement-fulfillment/internal/domain/model"
)

// EnqueueRequestBuilder provides a fluent interface for building EnqueueRequest values.
type EnqueueRequestBuilder struct {
	req model.EnqueueRequest
}

// NewEnqueueRequest starts a fulfill_order request for orderID.
func NewEnqueueRequest(orderID string) *EnqueueRequestBuilder {
	return &EnqueueRequestBuilder{
		req: model.EnqueueRequest{
			Name:   model.TaskFulfillOrder,
			Kwargs: map[string]any{"order_id": orderID},
		},
	}
}

// WithName sets the task name.
func (b *EnqueueRequestBuilder) WithName(name model.TaskName) *EnqueueRequestBuilder {
	b.req.Name = name
	return b
}

// WithQueue overrides the routed queue.
func (b *EnqueueRequestBuilder) WithQueue(queue string) *EnqueueRequestBuilder {
	b.req.Queue = queue
	return b
}

// WithNotBefore delays the task.
func (b *EnqueueRequestBuilder) WithNotBefore(at time.Time) *EnqueueRequestBuilder {
	b.req.NotBefore = &at
	return b
}

// WithMaxRetries sets the retry budget.
func (b *EnqueueRequestBuilder) WithMaxRetries(n int) *EnqueueRequestBuilder {
	b.req.MaxRetries = &n
	return b
}

// Build returns the constructed request.
func (b *EnqueueRequestBuilder) Build() *model.EnqueueRequest {
	req := b.req
	return &req
}

// OrderFixture describes an order row to insert.
type OrderFixture struct {
	Status   model.OrderStatus
	Quantity int
	Metadata model.OrderMetadata
	Email    string
}

// DefaultOrderFixture is a pending single placement with valid metadata.
func DefaultOrderFixture() OrderFixture {
	return OrderFixture{
		Status:   model.OrderPending,
		Quantity: 1,
		Metadata: model.OrderMetadata{
			TargetURL: "https://client.example.net/landing",
			Keyword:   "garden tools",
		},
		Email: "owner@example.net",
	}
}

// InsertOrder inserts a user and an order and returns the order id.
func InsertOrder(t TestingTB, db *sql.DB, f OrderFixture) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if f.Email == "" {
		f.Email = "owner@example.net"
	}
	if f.Status == "" {
		f.Status = model.OrderPending
	}
	if f.Quantity <= 0 {
		f.Quantity = 1
	}
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		t.Fatalf("encode order metadata: %v", err)
	}

	var userID, orderID string
	if err := db.QueryRowContext(ctx, `INSERT INTO users (email) VALUES ($1) RETURNING id`, f.Email).Scan(&userID); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := db.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, status, quantity, metadata)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING id`, userID, string(f.Status), f.Quantity, string(meta)).Scan(&orderID); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return orderID
}

// SetOrderUpdatedAt backdates an order.
func SetOrderUpdatedAt(t TestingTB, db *sql.DB, orderID string, at time.Time) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(),
		`UPDATE orders SET updated_at = $2 WHERE id = $1`, orderID, at.UTC()); err != nil {
		t.Fatalf("backdate order: %v", err)
	}
}

// ProviderFixture describes a provider row to insert.
type ProviderFixture struct {
	Domain       string
	Status       model.ProviderStatus
	SuccessCount int
	LastUsedAt   *time.Time
}

// InsertProvider inserts a provider and returns its id.
func InsertProvider(t TestingTB, db *sql.DB, f ProviderFixture) string {
	t.Helper()
	if f.Status == "" {
		f.Status = model.ProviderActive
	}
	var id string
	if err := db.QueryRowContext(context.Background(), `
		INSERT INTO providers (domain, username, app_password, status, success_count, last_used_at)
		VALUES ($1, 'publisher', 'app-pass', $2, $3, $4)
		RETURNING id`, f.Domain, string(f.Status), f.SuccessCount, f.LastUsedAt).Scan(&id); err != nil {
		t.Fatalf("insert provider: %v", err)
	}
	return id
}

// SetTaskResultCreatedAt backdates a task result row.
func SetTaskResultCreatedAt(t TestingTB, db *sql.DB, taskID string, at time.Time) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(),
		`UPDATE task_results SET created_at = $2 WHERE task_id = $1`, taskID, at.UTC()); err != nil {
		t.Fatalf("backdate task result: %v", err)
	}
}

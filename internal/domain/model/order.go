package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// OrderStatus is the fulfillment state of an order.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type OrderStatus string

// OrderKind distinguishes trial orders from paid ones.
type OrderKind string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderPartial    OrderStatus = "partial"
	OrderCancelled  OrderStatus = "cancelled"

	OrderKindTrial OrderKind = "trial"
	OrderKindPaid  OrderKind = "paid"
)

var (
	// ErrOrderNotFound is returned when an order id does not resolve.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition is returned for any edge outside the order state machine.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrTransitionConflict is returned when a conditional status update lost a race.
	ErrTransitionConflict = errors.New("order status changed concurrently")
	// ErrInvalidOrder is returned when an order lacks required fulfillment fields.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrTransient marks a fulfillment failure that a later queue retry may clear.
	ErrTransient = errors.New("transient fulfillment failure")
)

// orderEdges lists every legal status edge. Edges out of a terminal state are
// administrative retries back to pending.
var orderEdges = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderCompleted, OrderFailed, OrderPartial, OrderCancelled},
	OrderFailed:     {OrderPending},
	OrderPartial:    {OrderPending},
}

// Valid returns true if the OrderStatus is known.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderCompleted, OrderFailed, OrderPartial, OrderCancelled:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *OrderStatus) UnmarshalText(text []byte) error {
	v := OrderStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid OrderStatus: %q", v)
	}
	*s = v
	return nil
}

// Terminal reports whether no automatic transition leaves this status.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed || s == OrderPartial || s == OrderCancelled
}

// CanTransition reports whether from -> to is an edge of the state machine.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for illegal edges.
func CheckTransition(from, to OrderStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Order identifies one fulfillment request.
type Order struct {
	ID            string        `json:"id"             db:"id"`
	UserID        string        `json:"user_id"        db:"user_id"`
	Kind          OrderKind     `json:"kind"           db:"kind"`
	Status        OrderStatus   `json:"status"         db:"status"`
	PaymentStatus string        `json:"payment_status" db:"payment_status"`
	Quantity      int           `json:"quantity"       db:"quantity"`
	Metadata      OrderMetadata `json:"metadata"       db:"metadata"`
	CreatedAt     time.Time     `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"     db:"updated_at"`
}

// RequestedQuantity returns the number of placements, never less than one.
func (o *Order) RequestedQuantity() int {
	if o.Metadata.RequestedQuantity > 0 {
		return o.Metadata.RequestedQuantity
	}
	if o.Quantity > 0 {
		return o.Quantity
	}
	return 1
}

// ValidateForFulfillment checks the fields the pipeline cannot run without.
func (o *Order) ValidateForFulfillment() error {
	target := strings.TrimSpace(o.Metadata.TargetURL)
	if target == "" {
		return fmt.Errorf("%w: target url is required", ErrInvalidOrder)
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: target url must be an absolute http(s) url", ErrInvalidOrder)
	}
	if strings.TrimSpace(o.Metadata.Keyword) == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidOrder)
	}
	return nil
}

// OrderMetadata holds the known fulfillment fields plus one opaque extension map.
type OrderMetadata struct {
	TargetURL         string         `json:"target_url,omitempty"`
	Keyword           string         `json:"keyword,omitempty"`
	PreferredDomain   string         `json:"preferred_domain,omitempty"`
	ProviderDomain    string         `json:"pbn_site,omitempty"`
	ResultURL         string         `json:"backlink_url,omitempty"`
	PostID            string         `json:"post_id,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	ExcludedProviders []string       `json:"excluded_providers,omitempty"`
	Attempts          int            `json:"attempts,omitempty"`
	TaskID            string         `json:"task_id,omitempty"`
	Retryable         bool           `json:"retryable,omitempty"`
	Degraded          bool           `json:"content_degraded,omitempty"`
	RequestedQuantity int            `json:"requested_quantity,omitempty"`
	SuccessfulCount   int            `json:"successful_count,omitempty"`
	Items             []ItemResult   `json:"created_backlinks,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ItemResult records one placement of a multi-item order.
type ItemResult struct {
	Index          int      `json:"index"`
	ProviderDomain string   `json:"pbn_site,omitempty"`
	URL            string   `json:"backlink_url,omitempty"`
	Error          string   `json:"error,omitempty"`
	Tried          []string `json:"tried,omitempty"`
}

// StatusUpdate is a conditional status write: applied only while the stored
// status still equals From.
type StatusUpdate struct {
	OrderID  string
	From     OrderStatus
	To       OrderStatus
	Metadata *OrderMetadata
}

// Validate rejects updates outside the state machine.
func (u StatusUpdate) Validate() error {
	if strings.TrimSpace(u.OrderID) == "" {
		return errors.New("order id is required")
	}
	return CheckTransition(u.From, u.To)
}

// StaleOrderQuery selects orders stuck in a status since before a cutoff.
type StaleOrderQuery struct {
	Status OrderStatus
	Before time.Time
	Limit  int
}

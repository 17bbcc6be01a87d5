package model

import "errors"

// OrderNotification is the payload of a send_order_notification task.
type OrderNotification struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	ResultURL string      `json:"backlink_url,omitempty"`
	URLs      []string    `json:"pbn_urls,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Provider  string      `json:"pbn_domain,omitempty"`
	Keyword   string      `json:"keyword,omitempty"`
	TargetURL string      `json:"target_url,omitempty"`
}

// Success reports whether at least one placement was published.
func (n OrderNotification) Success() bool {
	return n.Status == OrderCompleted || n.Status == OrderPartial
}

// Kwargs encodes the notification as task keyword arguments.
func (n OrderNotification) Kwargs() map[string]any {
	kw := map[string]any{
		"order_id": n.OrderID,
		"status":   string(n.Status),
	}
	if n.ResultURL != "" {
		kw["backlink_url"] = n.ResultURL
	}
	if len(n.URLs) > 0 {
		kw["pbn_urls"] = n.URLs
	}
	if n.Reason != "" {
		kw["reason"] = n.Reason
	}
	if n.Provider != "" {
		kw["pbn_domain"] = n.Provider
	}
	if n.Keyword != "" {
		kw["keyword"] = n.Keyword
	}
	if n.TargetURL != "" {
		kw["target_url"] = n.TargetURL
	}
	return kw
}

// FulfillArgs is the payload of fulfill_order and fulfill_order_multi tasks.
type FulfillArgs struct {
	OrderID string `json:"order_id"`
}

// ErrUserNotFound is returned when an order owner has no directory entry.
var ErrUserNotFound = errors.New("user not found")

// EmailMessage is one outbound transactional email.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

var (
	subjectTemplate = template.Must(template.New("subject").Parse(
		`{{if .Success}}[Placement] Your order for "{{.Keyword}}" is live{{else}}[Placement] Your order for "{{.Keyword}}" could not be completed{{end}}`,
	))

	completedTemplate = template.Must(template.New("completed").Parse(`Hello,

{{if eq .Status "partial"}}Part of your order has been published.{{else}}Your order has been published.{{end}}

Order:      {{.OrderID}}
Keyword:    {{.Keyword}}
Target URL: {{.TargetURL}}
{{range .URLs}}
  - {{.}}
{{- end}}
{{if .Reason}}
Note: {{.Reason}}
{{end}}
Track your orders at {{.DashboardURL}}
`))

	failedTemplate = template.Must(template.New("failed").Parse(`Hello,

We could not place your order.

Order:      {{.OrderID}}
Keyword:    {{.Keyword}}
Target URL: {{.TargetURL}}
Reason:     {{.Reason}}

Our team has been notified. Track your orders at {{.DashboardURL}}
`))
)

// NotificationServiceOptions groups dependencies for NotificationService.
type NotificationServiceOptions struct {
	Orders core.OrderRepository // Required: order lookup
	Users  core.UserDirectory   // Required: owner email lookup
	Mailer core.Mailer          // Required: email transport
	Config config.MailConfig
	Logger *slog.Logger
}

// NotificationService emails order owners when fulfillment finishes.
type NotificationService struct {
	orders    core.OrderRepository
	users     core.UserDirectory
	mailer    core.Mailer
	dashboard string
	logger    *slog.Logger
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(opts NotificationServiceOptions) (*NotificationService, error) {
	switch {
	case opts.Orders == nil:
		return nil, errors.New("OrderRepository is required")
	case opts.Users == nil:
		return nil, errors.New("UserDirectory is required")
	case opts.Mailer == nil:
		return nil, errors.New("mailer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationService{
		orders:    opts.Orders,
		users:     opts.Users,
		mailer:    opts.Mailer,
		dashboard: strings.TrimSpace(opts.Config.DashboardURL),
		logger:    logger.With("component", "notification_service"),
	}, nil
}

type emailView struct {
	model.OrderNotification
	DashboardURL string
}

// Send renders and delivers the email for n. An owner without a directory
// entry is skipped, not retried.
func (s *NotificationService) Send(ctx context.Context, n model.OrderNotification) error {
	order, err := s.orders.GetByID(ctx, n.OrderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", n.OrderID, err)
	}
	if n.Keyword == "" {
		n.Keyword = order.Metadata.Keyword
	}
	if n.TargetURL == "" {
		n.TargetURL = order.Metadata.TargetURL
	}
	if n.Status == "" {
		n.Status = order.Status
	}

	to, err := s.users.Email(ctx, order.UserID)
	if errors.Is(err, model.ErrUserNotFound) || (err == nil && strings.TrimSpace(to) == "") {
		s.logger.WarnContext(ctx, "order owner has no email, skipping notification", "order_id", order.ID, "user_id", order.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup owner of order %s: %w", order.ID, err)
	}

	msg, err := renderOrderEmail(emailView{OrderNotification: n, DashboardURL: s.dashboard})
	if err != nil {
		return err
	}
	msg.To = to

	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send notification for order %s: %w", order.ID, err)
	}
	s.logger.InfoContext(ctx, "order notification sent", "order_id", order.ID, "status", n.Status)
	return nil
}

func renderOrderEmail(v emailView) (model.EmailMessage, error) {
	var subject, body bytes.Buffer
	if err := subjectTemplate.Execute(&subject, v); err != nil {
		return model.EmailMessage{}, fmt.Errorf("render subject: %w", err)
	}
	tmpl := failedTemplate
	if v.Success() {
		tmpl = completedTemplate
	}
	if err := tmpl.Execute(&body, v); err != nil {
		return model.EmailMessage{}, fmt.Errorf("render body: %w", err)
	}
	return model.EmailMessage{Subject: subject.String(), Body: body.String()}, nil
}

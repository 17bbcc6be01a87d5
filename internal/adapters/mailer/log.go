package mailer

import (
	"context"
	"log/slog"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// Log writes each message to the logger instead of sending it.
type Log struct {
	logger *slog.Logger
}

var _ core.Mailer = (*Log)(nil)

// NewLog returns a mailer for development environments.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "log_mailer")}
}

// Send logs msg and never fails.
func (l *Log) Send(ctx context.Context, msg model.EmailMessage) error {
	l.logger.InfoContext(ctx, "email message",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}

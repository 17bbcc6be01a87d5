// Package notify defines the payload and sink contract for terminal task
// failure alerts.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// TaskFailurePayload is the canonical data emitted when a task gives up.
type TaskFailurePayload struct {
	TaskID     string
	TaskName   string
	Queue      string
	OrderID    string
	Attempts   int
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming task failure notifications.
type Sink interface {
	SendTaskFailure(ctx context.Context, payload TaskFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload TaskFailurePayload) error

// SendTaskFailure implements the Sink interface.
func (f SinkFunc) SendTaskFailure(ctx context.Context, payload TaskFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// RetryDelivery calls send up to retries+1 times with a linear backoff,
// stopping early when ctx ends.
func RetryDelivery(ctx context.Context, retries int, send func(context.Context) error) error {
	attempts := max(retries, 0) + 1
	var lastErr error
	for attempt := range attempts {
		err := send(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/service"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retryable. The task fails on its first delivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried. Missing and invalid
// orders are permanent whether or not the handler marked them.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		errors.Is(err, model.ErrOrderNotFound) ||
		errors.Is(err, model.ErrInvalidOrder)
}

type fulfillFunc func(ctx context.Context, req service.FulfillRequest) (*service.FulfillmentOutcome, error)

func fulfillHandler(run fulfillFunc) HandlerFunc {
	return func(ctx context.Context, task *model.Task) (any, error) {
		var args model.FulfillArgs
		if err := task.DecodeKwargs(&args); err != nil {
			return nil, Permanent(err)
		}
		if strings.TrimSpace(args.OrderID) == "" {
			return nil, Permanent(fmt.Errorf("%w: order_id is required", model.ErrInvalidOrder))
		}
		out, err := run(ctx, service.FulfillRequest{OrderID: args.OrderID, TaskID: task.ID})
		return out, err
	}
}

func notificationHandler(n *service.NotificationService) HandlerFunc {
	return func(ctx context.Context, task *model.Task) (any, error) {
		var note model.OrderNotification
		if err := task.DecodeKwargs(&note); err != nil {
			return nil, Permanent(err)
		}
		if strings.TrimSpace(note.OrderID) == "" {
			return nil, Permanent(fmt.Errorf("%w: order_id is required", model.ErrInvalidOrder))
		}
		if err := n.Send(ctx, note); err != nil {
			return nil, err
		}
		return map[string]any{"order_id": note.OrderID, "status": note.Status}, nil
	}
}

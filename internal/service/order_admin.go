package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

var (
	// ErrCancelRequiresForce is returned when cancelling a processing order without force.
	ErrCancelRequiresForce = errors.New("order is processing; cancel requires force")
	// ErrFulfillmentInFlight is returned when an order already has a live fulfillment task.
	ErrFulfillmentInFlight = errors.New("fulfillment task already in flight")
)

// TaskCanceller revokes tasks that have not been reserved yet.
type TaskCanceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// OrderAdminServiceOptions groups dependencies for OrderAdminService.
type OrderAdminServiceOptions struct {
	Orders    core.OrderRepository      // Required
	Enqueuer  core.TaskEnqueuer         // Required
	Results   core.TaskResultRepository // Optional: in-flight detection
	Canceller TaskCanceller             // Optional: revoke the queued task on cancel
	Logger    *slog.Logger
}

// OrderAdminService implements the administrative order actions of the API.
type OrderAdminService struct {
	orders    core.OrderRepository
	enqueuer  core.TaskEnqueuer
	results   core.TaskResultRepository
	canceller TaskCanceller
	logger    *slog.Logger
}

// NewOrderAdminService constructs an OrderAdminService.
func NewOrderAdminService(opts OrderAdminServiceOptions) (*OrderAdminService, error) {
	if opts.Orders == nil {
		return nil, errors.New("OrderRepository is required")
	}
	if opts.Enqueuer == nil {
		return nil, errors.New("TaskEnqueuer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderAdminService{
		orders:    opts.Orders,
		enqueuer:  opts.Enqueuer,
		results:   opts.Results,
		canceller: opts.Canceller,
		logger:    logger.With("component", "order_admin"),
	}, nil
}

// EnqueuedFulfillment identifies the task created for an order.
type EnqueuedFulfillment struct {
	OrderID  string         `json:"order_id"`
	TaskID   string         `json:"task_id"`
	TaskName model.TaskName `json:"task_name"`
}

// fulfillTaskName picks the single or multi-item fulfillment task.
func fulfillTaskName(order *model.Order) model.TaskName {
	if order.RequestedQuantity() > 1 {
		return model.TaskFulfillOrderMulti
	}
	return model.TaskFulfillOrder
}

// Get loads one order.
func (s *OrderAdminService) Get(ctx context.Context, id string) (*model.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// Fulfill enqueues fulfillment for a pending order. It refuses when a
// fulfillment task for the order is already pending or running.
func (s *OrderAdminService) Fulfill(ctx context.Context, id string) (*EnqueuedFulfillment, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderPending {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, order.ID, order.Status)
	}
	if s.results != nil {
		live, err := s.results.LiveTaskExists(ctx, core.LiveTaskQuery{Names: fulfillTaskNames, OrderID: order.ID})
		if err != nil {
			return nil, fmt.Errorf("check live fulfillment: %w", err)
		}
		if live {
			return nil, fmt.Errorf("%w: order %s", ErrFulfillmentInFlight, order.ID)
		}
	}
	return s.enqueue(ctx, order)
}

func (s *OrderAdminService) enqueue(ctx context.Context, order *model.Order) (*EnqueuedFulfillment, error) {
	name := fulfillTaskName(order)
	taskID, err := s.enqueuer.Enqueue(ctx, model.EnqueueRequest{
		Name:   name,
		Kwargs: map[string]any{"order_id": order.ID},
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "fulfillment enqueued", "order_id", order.ID, "task_id", taskID, "task_name", name)
	return &EnqueuedFulfillment{OrderID: order.ID, TaskID: taskID, TaskName: name}, nil
}

// Cancel moves a pending order to cancelled. A processing order is only
// cancelled with force; the in-flight attempt then loses its final write and
// its redelivery is skipped.
func (s *OrderAdminService) Cancel(ctx context.Context, id string, force bool) (*model.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case model.OrderPending:
	case model.OrderProcessing:
		if !force {
			return nil, ErrCancelRequiresForce
		}
	default:
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, order.ID, order.Status)
	}

	updated, err := s.orders.UpdateStatus(ctx, model.StatusUpdate{
		OrderID: order.ID, From: order.Status, To: model.OrderCancelled,
	})
	if err != nil {
		return nil, err
	}

	if taskID := order.Metadata.TaskID; taskID != "" && s.canceller != nil {
		if _, err := s.canceller.Cancel(ctx, taskID); err != nil {
			s.logger.WarnContext(ctx, "revoke fulfillment task failed", "order_id", order.ID, "task_id", taskID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "order cancelled", "order_id", order.ID, "from", order.Status, "force", force)
	return updated, nil
}

// Retry resets a failed or partial order to pending with a clean fallback
// history and enqueues a fresh fulfillment. Items a partial order already
// placed are kept, so the next run only places the rest. When the enqueue fails the order
// stays pending and requeue_stale_orders picks it up later.
func (s *OrderAdminService) Retry(ctx context.Context, id string) (*EnqueuedFulfillment, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderFailed && order.Status != model.OrderPartial {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, order.ID, order.Status)
	}

	meta := order.Metadata
	meta.FailureReason = ""
	meta.FailedAt = nil
	meta.Retryable = false
	meta.ExcludedProviders = nil
	meta.Attempts = 0
	meta.TaskID = ""
	reset, err := s.orders.UpdateStatus(ctx, model.StatusUpdate{
		OrderID: order.ID, From: order.Status, To: model.OrderPending, Metadata: &meta,
	})
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, reset)
}

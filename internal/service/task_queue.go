package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
	domaintask "github.com/target/placement-fulfillment/internal/domain/task"
	"github.com/target/placement-fulfillment/internal/observability/notify"
	"github.com/target/placement-fulfillment/internal/service/failurenotifier"
)

// DefaultEnqueueTimeout bounds a single enqueue call.
const DefaultEnqueueTimeout = 5 * time.Second

// TaskQueueOptions groups dependencies for TaskQueue.
type TaskQueueOptions struct {
	Broker          core.TaskBroker            // Required: durable broker
	DefaultLease    time.Duration              // Required unless LeasePolicy is set
	LeasePolicy     *domaintask.LeasePolicy    // Optional: per-queue leases
	Tracker         core.TaskTracker           // Optional: lifecycle tracking
	EnqueueTimeout  time.Duration              // Optional: defaults to DefaultEnqueueTimeout
	Logger          *slog.Logger               // Optional: structured logger
	FailureNotifier *failurenotifier.Service   // Optional: failure notification fan-out
	Notifier        domaintask.Notifier        // Optional: custom wakeup notifier
	NotifierOptions domaintask.NotifierOptions // Optional: configure default notifier behaviour
}

// TaskQueue wraps a TaskBroker with routing defaults, enqueue deadlines,
// lifecycle tracking and worker wakeups.
type TaskQueue struct {
	broker          core.TaskBroker
	leasePolicy     *domaintask.LeasePolicy
	tracker         core.TaskTracker
	enqueueTimeout  time.Duration
	notifier        domaintask.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

var _ core.TaskEnqueuer = (*TaskQueue)(nil)

// NewTaskQueue constructs a new TaskQueue.
func NewTaskQueue(opts TaskQueueOptions) (*TaskQueue, error) {
	if opts.Broker == nil {
		return nil, errors.New("TaskBroker is required")
	}

	leasePolicy := opts.LeasePolicy
	if leasePolicy == nil {
		var err error
		leasePolicy, err = domaintask.NewLeasePolicy(opts.DefaultLease, nil)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Broker
		}
		var err error
		notifier, err = domaintask.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create task notifier: %w", err)
		}
	}

	timeout := opts.EnqueueTimeout
	if timeout <= 0 {
		timeout = DefaultEnqueueTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "task_queue")

	return &TaskQueue{
		broker:          opts.Broker,
		leasePolicy:     leasePolicy,
		tracker:         opts.Tracker,
		enqueueTimeout:  timeout,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewTaskQueue constructs a new TaskQueue and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewTaskQueue(opts TaskQueueOptions) *TaskQueue {
	q, err := NewTaskQueue(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create TaskQueue: %v", err))
	}
	return q
}

// Enqueue puts a task on its queue and returns the broker-assigned id. A
// broker that cannot be reached within the enqueue timeout yields
// model.ErrQueueUnavailable.
func (q *TaskQueue) Enqueue(ctx context.Context, req model.EnqueueRequest) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.Name, err)
	}

	enqCtx, cancel := context.WithTimeout(ctx, q.enqueueTimeout)
	defer cancel()

	task, err := q.broker.Enqueue(enqCtx, &req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, model.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: enqueue timed out after %s: %w", model.ErrQueueUnavailable, q.enqueueTimeout, err)
		}
		q.logger.WarnContext(ctx, "enqueue failed", "task_name", req.Name, "queue", req.Queue, "error", err)
		return "", fmt.Errorf("enqueue %s: %w", req.Name, err)
	}

	if q.tracker != nil {
		q.tracker.TrackPending(ctx, task)
	}

	q.logger.DebugContext(ctx, "task enqueued",
		"task_id", task.ID,
		"task_name", task.Name,
		"queue", task.Queue,
		"not_before", task.NotBefore,
	)
	return task.ID, nil
}

// Reserve leases the next due task on queue.
func (q *TaskQueue) Reserve(ctx context.Context, queue string, lease time.Duration) (*model.Task, error) {
	decision := q.leasePolicy.Resolve(queue, lease)
	if decision.Clamped() {
		q.logger.DebugContext(ctx, "clamped lease duration",
			"requested_duration", decision.Requested,
			"queue", queue)
	}

	task, err := q.broker.Reserve(ctx, queue, decision.Seconds)
	if err != nil {
		if errors.Is(err, model.ErrNoTasksAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve on %s: %w", queue, err)
	}

	q.logger.DebugContext(ctx, "task reserved",
		"task_id", task.ID,
		"task_name", task.Name,
		"queue", queue,
		"lease_seconds", decision.Seconds,
	)
	return task, nil
}

// Lease returns the lease a worker on queue holds a task for.
func (q *TaskQueue) Lease(queue string) time.Duration {
	return q.leasePolicy.Resolve(queue, 0).Duration()
}

// Subscribe creates a subscription for wakeups on queue.
// Returns an unsubscribe function and a channel that receives notifications.
func (q *TaskQueue) Subscribe(queue string) (func(), <-chan struct{}) {
	if q.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return q.notifier.Subscribe(queue)
}

// Complete acknowledges a task.
func (q *TaskQueue) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := q.broker.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}
	if completed {
		q.logger.DebugContext(ctx, "task completed", "task_id", id)
	}
	return completed, nil
}

// Retry schedules another delivery of task after delay.
func (q *TaskQueue) Retry(ctx context.Context, task *model.Task, nextCount int, delay time.Duration, cause error) (bool, error) {
	msg := errorMessage(cause)
	ok, err := q.broker.Retry(ctx, core.RetryTaskParams{
		TaskID:     task.ID,
		RetryCount: nextCount,
		NotBefore:  time.Now().Add(delay),
		Error:      msg,
	})
	if err != nil {
		return false, fmt.Errorf("retry task %s: %w", task.ID, err)
	}
	if ok {
		q.logger.InfoContext(ctx, "task scheduled for retry",
			"task_id", task.ID,
			"task_name", task.Name,
			"retry_count", nextCount,
			"max_retries", task.MaxRetries,
			"delay", delay,
			"error", msg,
		)
	}
	return ok, nil
}

// TaskFailureDetails captures optional context for failure notifications.
type TaskFailureDetails struct {
	ErrorClass string
	Metadata   map[string]string
	Severity   string
	OccurredAt time.Time
}

// Fail acknowledges a task that will not be delivered again and propagates
// the failure to the notifier.
func (q *TaskQueue) Fail(ctx context.Context, task *model.Task, errMsg string, details TaskFailureDetails) (bool, error) {
	if strings.TrimSpace(errMsg) == "" {
		return false, errors.New("error message required")
	}

	failed, err := q.broker.Fail(ctx, task.ID, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", task.ID, err)
	}

	if failed {
		q.logger.DebugContext(ctx, "task failed", "task_id", task.ID, "error", errMsg)
		if q.failureNotifier != nil {
			q.failureNotifier.NotifyTaskFailure(ctx, buildTaskFailurePayload(task, errMsg, details))
		}
	}
	return failed, nil
}

// Cancel revokes a task that no worker has picked up yet.
func (q *TaskQueue) Cancel(ctx context.Context, id string) (bool, error) {
	revoked, err := q.broker.Cancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	if revoked && q.tracker != nil {
		q.tracker.TrackRevoked(ctx, id)
	}
	return revoked, nil
}

// Stats returns the broker state counts of queue.
func (q *TaskQueue) Stats(ctx context.Context, queue string) (*model.TaskStats, error) {
	stats, err := q.broker.Stats(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("get task stats for queue %s: %w", queue, err)
	}
	return stats, nil
}

// StopAllListeners stops all active wakeup listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (q *TaskQueue) StopAllListeners() {
	q.logger.Info("stopping all task listeners")
	if q.notifier != nil {
		q.notifier.StopAll()
	}
}

func buildTaskFailurePayload(task *model.Task, errMsg string, details TaskFailureDetails) notify.TaskFailurePayload {
	payload := notify.TaskFailurePayload{
		TaskID:     task.ID,
		TaskName:   string(task.Name),
		Queue:      task.Queue,
		OrderID:    orderIDOf(task),
		Attempts:   task.RetryCount + 1,
		Error:      errMsg,
		ErrorClass: details.ErrorClass,
		Severity:   details.Severity,
		OccurredAt: details.OccurredAt,
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now()
	}
	payload.Metadata = mergeMetadata(details.Metadata, map[string]string{
		"retry_count": strconv.Itoa(task.RetryCount),
		"max_retries": strconv.Itoa(task.MaxRetries),
		"error_class": details.ErrorClass,
	})
	return payload
}

// orderIDOf extracts the order id carried by fulfillment and notification tasks.
func orderIDOf(task *model.Task) string {
	if task == nil || len(task.Kwargs) == 0 {
		return ""
	}
	var kw struct {
		OrderID string `json:"order_id"`
	}
	if err := task.DecodeKwargs(&kw); err != nil {
		return ""
	}
	return kw.OrderID
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for _, src := range []map[string]string{base, extra} {
		for k, v := range src {
			key, val := strings.TrimSpace(k), strings.TrimSpace(v)
			if key == "" || val == "" {
				continue
			}
			out[key] = val
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

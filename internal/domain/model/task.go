// Package model defines the core data types shared by the placement fulfillment pipeline.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskName identifies the handler a queued task is dispatched to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskName string

// TaskState is the broker-side delivery state of a task.
type TaskState string

const (
	// TaskFulfillOrder drives a single-item order to a terminal state.
	TaskFulfillOrder TaskName = "fulfill_order"
	// TaskFulfillOrderMulti drives an order with quantity > 1.
	TaskFulfillOrderMulti TaskName = "fulfill_order_multi"
	// TaskSendOrderNotification emails the order owner about an outcome.
	TaskSendOrderNotification TaskName = "send_order_notification"
	// TaskCheckProviderHealth probes every active provider.
	TaskCheckProviderHealth TaskName = "check_provider_health"
	// TaskCleanupTaskResults deletes terminal task results past retention.
	TaskCleanupTaskResults TaskName = "cleanup_task_results"
	// TaskRequeueStaleOrders re-enqueues pending orders with no live task.
	TaskRequeueStaleOrders TaskName = "requeue_stale_orders"
	// TaskGenerateDailyReport logs the task summary and system health.
	TaskGenerateDailyReport TaskName = "generate_daily_report"

	// TaskStatePending indicates a task is waiting for a worker.
	TaskStatePending TaskState = "pending"
	// TaskStateRunning indicates a worker holds the task lease.
	TaskStateRunning TaskState = "running"
	// TaskStateCompleted indicates the task was acknowledged.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the task exhausted its retries.
	TaskStateFailed TaskState = "failed"
)

// Named queues. Slow notification delivery never starves publishing work.
const (
	QueuePublish      = "publish"
	QueueNotification = "notification"
	QueueMaintenance  = "maintenance"
)

// Default retry budgets.
const (
	DefaultFulfillmentMaxRetries = 3
	DefaultSecondaryMaxRetries   = 2
)

var (
	// ErrNoTasksAvailable is returned when no tasks are available for reservation.
	ErrNoTasksAvailable = errors.New("no tasks available")
	// ErrQueueUnavailable is returned when the broker cannot accept work.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrTaskNotFound is returned when a task id is unknown to the broker.
	ErrTaskNotFound = errors.New("task not found")
)

type taskRoute struct {
	queue      string
	maxRetries int
}

var taskRoutes = map[TaskName]taskRoute{
	TaskFulfillOrder:          {queue: QueuePublish, maxRetries: DefaultFulfillmentMaxRetries},
	TaskFulfillOrderMulti:     {queue: QueuePublish, maxRetries: DefaultSecondaryMaxRetries},
	TaskSendOrderNotification: {queue: QueueNotification, maxRetries: DefaultSecondaryMaxRetries},
	TaskCheckProviderHealth:   {queue: QueueMaintenance, maxRetries: DefaultSecondaryMaxRetries},
	TaskCleanupTaskResults:    {queue: QueueMaintenance, maxRetries: DefaultSecondaryMaxRetries},
	TaskRequeueStaleOrders:    {queue: QueueMaintenance, maxRetries: DefaultSecondaryMaxRetries},
	TaskGenerateDailyReport:   {queue: QueueMaintenance, maxRetries: DefaultSecondaryMaxRetries},
}

// Valid returns true if the TaskName has a registered route.
func (n TaskName) Valid() bool {
	_, ok := taskRoutes[n]
	return ok
}

// UnmarshalText implements encoding.TextUnmarshaler for TaskName to allow env parsing.
func (n *TaskName) UnmarshalText(text []byte) error {
	v := TaskName(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid TaskName: %q", v)
	}
	*n = v
	return nil
}

// DefaultQueue returns the queue a task is routed to when the caller names none.
func (n TaskName) DefaultQueue() string {
	if r, ok := taskRoutes[n]; ok {
		return r.queue
	}
	return QueuePublish
}

// DefaultMaxRetries returns the retry budget for the task name.
func (n TaskName) DefaultMaxRetries() int {
	if r, ok := taskRoutes[n]; ok {
		return r.maxRetries
	}
	return DefaultFulfillmentMaxRetries
}

// Valid returns true if the TaskState is valid.
func (s TaskState) Valid() bool {
	return s == TaskStatePending || s == TaskStateRunning || s == TaskStateCompleted ||
		s == TaskStateFailed
}

// Task is one unit of queued work.
type Task struct {
	ID             string          `json:"id"                         db:"id"`
	Name           TaskName        `json:"name"                       db:"name"`
	Queue          string          `json:"queue"                      db:"queue"`
	State          TaskState       `json:"state"                      db:"state"`
	Args           json.RawMessage `json:"args"                       db:"args"`
	Kwargs         json.RawMessage `json:"kwargs"                     db:"kwargs"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	NotBefore      time.Time       `json:"not_before"                 db:"not_before"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// CanRetry reports whether another delivery fits the retry budget.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// DecodeKwargs unmarshals the task's keyword arguments into dst.
func (t *Task) DecodeKwargs(dst any) error {
	if len(t.Kwargs) == 0 {
		return errors.New("task has no kwargs")
	}
	if err := json.Unmarshal(t.Kwargs, dst); err != nil {
		return fmt.Errorf("decode kwargs for %s: %w", t.Name, err)
	}
	return nil
}

// EnqueueRequest describes a task to put on a queue.
type EnqueueRequest struct {
	Name       TaskName       `json:"name"`
	Queue      string         `json:"queue,omitempty"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	NotBefore  *time.Time     `json:"not_before,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

// Normalize fills routing defaults in place.
func (r *EnqueueRequest) Normalize() {
	if r.Queue == "" {
		r.Queue = r.Name.DefaultQueue()
	}
	if r.MaxRetries == nil {
		n := r.Name.DefaultMaxRetries()
		r.MaxRetries = &n
	}
}

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if !r.Name.Valid() {
		return fmt.Errorf("invalid task name %q", r.Name)
	}
	if strings.TrimSpace(r.Queue) == "" {
		return errors.New("queue is required")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// EncodeArgs marshals positional and keyword arguments to their stored JSON form.
func (r *EnqueueRequest) EncodeArgs() (json.RawMessage, json.RawMessage, error) {
	args := r.Args
	if args == nil {
		args = []any{}
	}
	kwargs := r.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("encode args: %w", err)
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode kwargs: %w", err)
	}
	return a, k, nil
}

// TaskStats represents counts of tasks per broker state on one queue.
type TaskStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Package taskrunner drives queue workers that reserve tasks and execute the
// registered handler for each task name.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
	domaintask "github.com/target/placement-fulfillment/internal/domain/task"
	obserrors "github.com/target/placement-fulfillment/internal/observability/errors"
	"github.com/target/placement-fulfillment/internal/observability/metrics"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
	"github.com/target/placement-fulfillment/internal/service"
)

// HandlerFunc executes one task. The returned value is stored as the task
// result. A non-nil error is retried per policy unless it is Permanent.
type HandlerFunc func(ctx context.Context, task *model.Task) (any, error)

// Queue is the part of service.TaskQueue the runner consumes.
type Queue interface {
	Reserve(ctx context.Context, queue string, lease time.Duration) (*model.Task, error)
	Lease(queue string) time.Duration
	Subscribe(queue string) (func(), <-chan struct{})
	Complete(ctx context.Context, id string) (bool, error)
	Retry(ctx context.Context, task *model.Task, nextCount int, delay time.Duration, cause error) (bool, error)
	Fail(ctx context.Context, task *model.Task, errMsg string, details service.TaskFailureDetails) (bool, error)
}

var _ Queue = (*service.TaskQueue)(nil)

// RunnerOptions configures a runner for one queue.
type RunnerOptions struct {
	Queue     Queue  // Required
	QueueName string // Required: broker queue to consume
	Logger    *slog.Logger

	Concurrency   int           // worker goroutines; defaults to 1
	PollInterval  time.Duration // wait between reservations without a wakeup; defaults to 5s
	RetryDelay    time.Duration // base redelivery delay; defaults to domaintask.DefaultRetryDelay
	ShutdownGrace time.Duration // how long in-flight handlers run after shutdown; defaults to 30s

	Tracker core.TaskTracker
	Limiter core.RateLimiter
	Metrics statsd.Sink

	// Handlers registered for the task names they serve. Nil services are skipped.
	Orchestrator  *service.Orchestrator
	Notifications *service.NotificationService
	Maintenance   *service.MaintenanceService
}

// Runner pulls tasks from one queue and executes them using registered handlers.
type Runner struct {
	queue    Queue
	name     string
	logger   *slog.Logger
	workers  int
	poll     time.Duration
	grace    time.Duration
	retry    domaintask.RetryPolicy
	tracker  core.TaskTracker
	limiter  core.RateLimiter
	metrics  statsd.Sink
	worker   string
	mu       sync.RWMutex
	handlers map[model.TaskName]HandlerFunc
}

// NewRunner constructs a runner and registers the handlers of every
// configured service.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	r := &Runner{
		queue:    opts.Queue,
		name:     opts.QueueName,
		logger:   logger.With("component", "task_runner", "queue", opts.QueueName),
		workers:  workers,
		poll:     poll,
		grace:    grace,
		retry:    domaintask.NewRetryPolicy(opts.RetryDelay),
		tracker:  opts.Tracker,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		worker:   workerName(opts.QueueName),
		handlers: make(map[model.TaskName]HandlerFunc),
	}

	if o := opts.Orchestrator; o != nil {
		r.Handle(model.TaskFulfillOrder, fulfillHandler(o.Fulfill))
		r.Handle(model.TaskFulfillOrderMulti, fulfillHandler(o.FulfillMulti))
	}
	if n := opts.Notifications; n != nil {
		r.Handle(model.TaskSendOrderNotification, notificationHandler(n))
	}
	if m := opts.Maintenance; m != nil {
		r.Handle(model.TaskCheckProviderHealth, func(ctx context.Context, _ *model.Task) (any, error) {
			return m.CheckProviderHealth(ctx)
		})
		r.Handle(model.TaskCleanupTaskResults, func(ctx context.Context, _ *model.Task) (any, error) {
			return m.CleanupTaskResults(ctx)
		})
		r.Handle(model.TaskRequeueStaleOrders, func(ctx context.Context, _ *model.Task) (any, error) {
			return m.RequeueStaleOrders(ctx)
		})
		r.Handle(model.TaskGenerateDailyReport, func(ctx context.Context, _ *model.Task) (any, error) {
			return m.GenerateDailyReport(ctx)
		})
	}
	return r, nil
}

func workerName(queue string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s@%s:%d", queue, host, os.Getpid())
}

// Handle registers fn for name, replacing any earlier handler.
func (r *Runner) Handle(name model.TaskName, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *Runner) handler(name model.TaskName) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Run starts worker goroutines and processes tasks until the context is
// cancelled. It returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting task runner", "workers", r.workers, "lease", r.queue.Lease(r.name))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, ch := r.queue.Subscribe(r.name)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		task, err := r.queue.Reserve(ctx, r.name, 0)
		switch {
		case err == nil:
			if task != nil {
				r.processTask(ctx, task)
			}
		case errors.Is(err, model.ErrNoTasksAvailable):
			var ok bool
			if notify, ok = r.waitForWork(ctx, notify); !ok {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

// waitForWork blocks until a wakeup or the poll interval. A closed wakeup
// channel is dropped so the worker falls back to polling.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) (<-chan struct{}, bool) {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return notify, false
	case _, open := <-notify:
		if !open {
			return nil, true
		}
		return notify, true
	case <-timer.C:
		return notify, true
	}
}

// handlerContext keeps running for the shutdown grace after parent is cancelled.
func (r *Runner) handlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.AfterFunc(r.grace, cancel)
		context.AfterFunc(ctx, func() { t.Stop() })
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *Runner) processTask(parent context.Context, task *model.Task) {
	ctx, cancel := r.handlerContext(parent)
	defer cancel()

	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitTaskLifecycle(r.metrics, metrics.TaskMetric{
			TaskName:   string(task.Name),
			Queue:      task.Queue,
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(parent, string(task.Name)); err != nil {
			// The lease expires and the reaper hands the task to another worker.
			r.logger.WarnContext(ctx, "rate limiter wait aborted", "task_id", task.ID, "task_name", task.Name, "error", err)
			return
		}
	}

	if r.tracker != nil {
		r.tracker.TrackStart(ctx, task, r.worker)
	}

	result, trace, err := r.invoke(ctx, task)
	if err != nil {
		r.handleFailure(ctx, task, err, trace, emit)
		return
	}

	completed, cerr := r.queue.Complete(ctx, task.ID)
	if cerr != nil {
		r.logger.ErrorContext(ctx, "complete task error", "task_id", task.ID, "error", cerr)
		emit(metrics.TransitionCompleted, metrics.ResultError, cerr)
		return
	}
	if r.tracker != nil {
		r.tracker.TrackSuccess(ctx, task, result)
	}
	res := metrics.ResultNoop
	if completed {
		res = metrics.ResultSuccess
	}
	emit(metrics.TransitionCompleted, res, nil)
}

func (r *Runner) invoke(ctx context.Context, task *model.Task) (result any, trace string, err error) {
	h, ok := r.handler(task.Name)
	if !ok {
		return nil, "", Permanent(fmt.Errorf("no handler for task %s on queue %s", task.Name, r.name))
	}
	defer func() {
		if p := recover(); p != nil {
			trace = string(debug.Stack())
			err = Permanent(fmt.Errorf("handler panic: %v", p))
		}
	}()
	result, err = h(ctx, task)
	return result, "", err
}

func (r *Runner) handleFailure(ctx context.Context, task *model.Task, cause error, trace string, emit func(string, string, error)) {
	if !IsPermanent(cause) {
		d := r.retry.Next(task.RetryCount, task.MaxRetries)
		if d.Retry {
			ok, err := r.queue.Retry(ctx, task, d.NextCount, d.Delay, cause)
			if err == nil {
				if ok && r.tracker != nil {
					next := *task
					next.RetryCount = d.NextCount
					next.NotBefore = time.Now().Add(d.Delay)
					r.tracker.TrackRetry(ctx, &next, cause)
				}
				emit(metrics.TransitionRetried, metrics.ResultRetry, cause)
				return
			}
			r.logger.ErrorContext(ctx, "retry task error", "task_id", task.ID, "error", err, "original_error", cause)
		}
	}

	if _, err := r.queue.Fail(ctx, task, cause.Error(), service.TaskFailureDetails{
		ErrorClass: obserrors.Classify(cause),
		Metadata: map[string]string{
			"component": "task_runner",
			"worker":    r.worker,
		},
	}); err != nil {
		r.logger.ErrorContext(ctx, "fail task error", "task_id", task.ID, "error", err, "original_error", cause)
	}
	if r.tracker != nil {
		r.tracker.TrackFailure(ctx, task, cause, trace)
	}
	r.logger.WarnContext(ctx, "task failed",
		"task_id", task.ID,
		"task_name", task.Name,
		"retry_count", task.RetryCount,
		"error", cause,
	)
	emit(metrics.TransitionFailed, metrics.ResultError, cause)
}

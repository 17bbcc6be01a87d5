// Package scheduler provides adapters for running the periodic task scheduler.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/data"
	"github.com/target/placement-fulfillment/internal/domain/model"
	obserrors "github.com/target/placement-fulfillment/internal/observability/errors"
	"github.com/target/placement-fulfillment/internal/observability/metrics"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
	"github.com/target/placement-fulfillment/internal/service"
)

// Runner drives the periodic schedule (provider health, result cleanup and
// stale order requeue) until its context ends.
type Runner struct {
	scheduler *service.PeriodicScheduler
	logger    *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	// DB backs the advisory lock and the recent-result check when Locker or
	// Results are not injected. Without any of them each instance fires alone.
	DB       *sql.DB
	Enqueuer core.TaskEnqueuer
	Config   config.PeriodicConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink

	Locker  core.AdvisoryLocker
	Results core.TaskResultRepository
	Jitter  func(max time.Duration) time.Duration
	Now     func() time.Time
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Enqueuer == nil {
		return nil, errors.New("task enqueuer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DB != nil {
		if opts.Locker == nil {
			opts.Locker = data.NewAdvisoryLocker(opts.DB)
		}
		if opts.Results == nil {
			opts.Results = data.NewTaskResultRepo(opts.DB)
		}
	}

	enqueuer := opts.Enqueuer
	if opts.Metrics != nil {
		enqueuer = &meteredEnqueuer{next: opts.Enqueuer, metrics: opts.Metrics}
	}

	s, err := service.NewPeriodicScheduler(service.PeriodicSchedulerOptions{
		Enqueuer: enqueuer,
		Locker:   opts.Locker,
		Results:  opts.Results,
		Config:   opts.Config,
		Logger:   opts.Logger,
		Jitter:   opts.Jitter,
		Now:      opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("wire periodic scheduler: %w", err)
	}
	return &Runner{scheduler: s, logger: opts.Logger}, nil
}

// Run starts the schedule and returns nil once ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for _, job := range r.scheduler.Jobs() {
		r.logger.InfoContext(ctx, "periodic task scheduled", "task_name", job.Name, "interval", job.Interval)
	}
	return r.scheduler.Run(ctx)
}

// FireNow enqueues the named periodic task once, honouring the schedule lock.
func (r *Runner) FireNow(ctx context.Context, name model.TaskName) (bool, error) {
	for _, job := range r.scheduler.Jobs() {
		if job.Name == name {
			return r.scheduler.Fire(ctx, job)
		}
	}
	return false, fmt.Errorf("%q is not a periodic task", name)
}

// meteredEnqueuer counts every periodic enqueue.
type meteredEnqueuer struct {
	next    core.TaskEnqueuer
	metrics statsd.Sink
}

func (m *meteredEnqueuer) Enqueue(ctx context.Context, req model.EnqueueRequest) (string, error) {
	start := time.Now()
	id, err := m.next.Enqueue(ctx, req)

	tags := map[string]string{"task_name": string(req.Name), "result": metrics.ResultSuccess}
	if err != nil {
		tags["result"] = metrics.ResultError
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	m.metrics.Count("scheduler.tick", 1, tags)
	m.metrics.Timing("scheduler.enqueue_duration", time.Since(start), metrics.CloneTags(tags))
	if err == nil {
		m.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
	return id, err
}

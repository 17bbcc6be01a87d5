package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// PeriodicJob is one entry of the periodic schedule.
type PeriodicJob struct {
	Name     model.TaskName
	Interval time.Duration
}

// PeriodicSchedulerOptions groups dependencies for PeriodicScheduler.
type PeriodicSchedulerOptions struct {
	Enqueuer core.TaskEnqueuer         // Required: task producer
	Locker   core.AdvisoryLocker       // Optional: serialises firing across instances
	Results  core.TaskResultRepository // Optional: suppresses a tick another instance already fired
	Config   config.PeriodicConfig
	Logger   *slog.Logger
	// Jitter returns the delay added to a tick. Defaults to a uniform draw up to Config.Jitter.
	Jitter func(max time.Duration) time.Duration
	Now    func() time.Time
}

// PeriodicScheduler enqueues the maintenance tasks on their intervals.
type PeriodicScheduler struct {
	enqueuer core.TaskEnqueuer
	locker   core.AdvisoryLocker
	results  core.TaskResultRepository
	jobs     []PeriodicJob
	maxDelay time.Duration
	jitter   func(max time.Duration) time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewPeriodicScheduler constructs a PeriodicScheduler.
func NewPeriodicScheduler(opts PeriodicSchedulerOptions) (*PeriodicScheduler, error) {
	if opts.Enqueuer == nil {
		return nil, errors.New("TaskEnqueuer is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &PeriodicScheduler{
		enqueuer: opts.Enqueuer,
		locker:   opts.Locker,
		results:  opts.Results,
		jobs: []PeriodicJob{
			{Name: model.TaskCheckProviderHealth, Interval: cfg.ProviderHealthInterval},
			{Name: model.TaskCleanupTaskResults, Interval: cfg.CleanupInterval},
			{Name: model.TaskRequeueStaleOrders, Interval: cfg.RequeueStaleInterval},
			{Name: model.TaskGenerateDailyReport, Interval: cfg.DailyReportInterval},
		},
		maxDelay: cfg.Jitter,
		jitter:   opts.Jitter,
		now:      opts.Now,
		logger:   logger.With("component", "periodic_scheduler"),
	}
	if s.jitter == nil {
		s.jitter = uniformJitter
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// Jobs returns the schedule.
func (s *PeriodicScheduler) Jobs() []PeriodicJob {
	return append([]PeriodicJob(nil), s.jobs...)
}

// Run ticks every job until ctx is canceled. Returns nil on graceful shutdown.
func (s *PeriodicScheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting periodic scheduler", "jobs", len(s.jobs))
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	err := g.Wait()
	s.logger.InfoContext(ctx, "periodic scheduler stopping", "reason", ctx.Err())
	return err
}

func (s *PeriodicScheduler) loop(ctx context.Context, job PeriodicJob) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sleepContext(ctx, s.jitter(s.maxDelay)); err != nil {
				return
			}
			if _, err := s.Fire(ctx, job); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "periodic enqueue failed", "task_name", job.Name, "error", err)
			}
		}
	}
}

// Fire enqueues job once. It reports false when another instance holds the
// schedule lock or already fired within the last half interval.
func (s *PeriodicScheduler) Fire(ctx context.Context, job PeriodicJob) (bool, error) {
	var fired bool
	fire := func(ctx context.Context) error {
		recent, err := s.firedRecently(ctx, job)
		if err != nil {
			return err
		}
		if recent {
			s.logger.DebugContext(ctx, "periodic task already fired", "task_name", job.Name)
			return nil
		}
		id, err := s.enqueuer.Enqueue(ctx, model.EnqueueRequest{Name: job.Name})
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", job.Name, err)
		}
		fired = true
		s.logger.InfoContext(ctx, "periodic task enqueued", "task_name", job.Name, "task_id", id)
		return nil
	}

	if s.locker == nil {
		return fired, fire(ctx)
	}
	if _, err := s.locker.TryWithLock(ctx, "periodic:"+string(job.Name), fire); err != nil {
		return false, err
	}
	return fired, nil
}

func (s *PeriodicScheduler) firedRecently(ctx context.Context, job PeriodicJob) (bool, error) {
	if s.results == nil {
		return false, nil
	}
	rows, err := s.results.Recent(ctx, s.now().Add(-job.Interval/2), model.RecentTasksQuery{Name: job.Name, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("recent %s results: %w", job.Name, err)
	}
	return len(rows) > 0, nil
}

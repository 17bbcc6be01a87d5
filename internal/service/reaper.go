package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
	obserrors "github.com/target/placement-fulfillment/internal/observability/errors"
	"github.com/target/placement-fulfillment/internal/observability/metrics"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
)

// AbandonedFulfillmentReason is recorded on orders the reaper takes out of processing.
const AbandonedFulfillmentReason = "fulfillment attempt abandoned"

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo     core.ReaperRepository // Required: reaper repository
	Requeuer core.LeaseRequeuer    // Optional: lapsed lease sweeper (postgres broker)
	Queues   []string              // Optional: queues swept by Requeuer; defaults to all
	Config   config.ReaperConfig   // Required: reaper configuration
	Logger   *slog.Logger          // Optional: structured logger
	Metrics  statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService keeps the task and order tables healthy.
//
// Each pass:
// - Returns running tasks with a lapsed lease to pending.
// - Fails pending tasks that were never picked up.
// - Deletes old completed and failed tasks.
// - Fails orders left in processing by a worker that died.
type ReaperService struct {
	repo     core.ReaperRepository
	requeuer core.LeaseRequeuer
	queues   []string
	config   config.ReaperConfig
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Config.BatchSize <= 0 {
		return nil, errors.New("reaper batch size must be greater than zero")
	}

	queues := opts.Queues
	if len(queues) == 0 {
		queues = []string{model.QueuePublish, model.QueueNotification, model.QueueMaintenance}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"pending_max_age", opts.Config.PendingMaxAge,
		"completed_max_age", opts.Config.CompletedMaxAge,
		"failed_max_age", opts.Config.FailedMaxAge,
		"stale_processing_age", opts.Config.StaleProcessingAge,
	)

	return &ReaperService{
		repo:     opts.Repo,
		requeuer: opts.Requeuer,
		queues:   queues,
		config:   opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Spread instances that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(ctx, err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(ctx, err, "cleanup")
			}
		}
	}
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

type reaperStep struct {
	operation string
	run       func(context.Context) (int64, error)
}

type reaperStepResult struct {
	operation string
	count     int64
	err       error
}

func (s *ReaperService) steps() []reaperStep {
	steps := make([]reaperStep, 0, 5)
	if s.requeuer != nil {
		steps = append(steps, reaperStep{"requeue_expired", s.requeueExpired})
	}
	return append(steps,
		reaperStep{"fail_pending", s.failStalePendingTasks},
		reaperStep{"delete_completed", s.deleteOldTasks(model.TaskStateCompleted, s.config.CompletedMaxAge)},
		reaperStep{"delete_failed", s.deleteOldTasks(model.TaskStateFailed, s.config.FailedMaxAge)},
		reaperStep{"fail_stale_processing", s.failStaleProcessingOrders},
	)
}

// RunOnce performs one cleanup pass. Every step runs even when an earlier
// one fails; the errors are joined.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	var (
		errs        []error
		allCanceled = true
		results     []reaperStepResult
	)

	for _, step := range s.steps() {
		count, err := step.run(ctx)
		results = append(results, reaperStepResult{
			operation: step.operation,
			count:     count,
			err:       suppressContextCancellation(err),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.operation, err))
			allCanceled = allCanceled && isContextCancellation(err)
		}
	}

	s.emitCleanupMetrics(results, time.Since(start))

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allCanceled {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}
	return nil
}

// drain repeats a batched operation until it affects no rows.
func drain(ctx context.Context, batch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		n, err := batch(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *ReaperService) requeueExpired(ctx context.Context) (int64, error) {
	return s.requeuer.RequeueExpired(ctx, s.queues...)
}

func (s *ReaperService) failStalePendingTasks(ctx context.Context) (int64, error) {
	total, err := drain(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.FailStalePendingTasks(ctx, s.config.PendingMaxAge, s.config.BatchSize)
	})
	if total > 0 {
		s.logger.InfoContext(ctx, "failed stale pending tasks",
			"count", total,
			"max_age", s.config.PendingMaxAge,
		)
	}
	return total, err
}

func (s *ReaperService) deleteOldTasks(state model.TaskState, maxAge time.Duration) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		total, err := drain(ctx, func(ctx context.Context) (int64, error) {
			return s.repo.DeleteOldTasks(ctx, core.DeleteOldTasksParams{
				State:     state,
				MaxAge:    maxAge,
				BatchSize: s.config.BatchSize,
			})
		})
		if total > 0 {
			s.logger.InfoContext(ctx, "deleted old tasks",
				"state", state,
				"count", total,
				"max_age", maxAge,
			)
		}
		return total, err
	}
}

func (s *ReaperService) failStaleProcessingOrders(ctx context.Context) (int64, error) {
	total, err := drain(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.FailStaleProcessingOrders(ctx, core.FailStaleOrdersParams{
			MaxAge:    s.config.StaleProcessingAge,
			BatchSize: s.config.BatchSize,
			Reason:    AbandonedFulfillmentReason,
		})
	})
	if total > 0 {
		s.logger.WarnContext(ctx, "failed orders abandoned in processing",
			"count", total,
			"max_age", s.config.StaleProcessingAge,
		)
	}
	return total, err
}

func (s *ReaperService) emitCleanupMetrics(results []reaperStepResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		total    int64
		firstErr error
	)
	for _, r := range results {
		total += r.count
		if firstErr == nil && r.err != nil {
			firstErr = r.err
		}
	}

	tags := map[string]string{"result": stepResult(total, firstErr)}
	if firstErr != nil {
		tags["error_class"] = obserrors.Classify(firstErr)
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, r := range results {
		opTags := map[string]string{
			"operation": r.operation,
			"result":    stepResult(r.count, r.err),
		}
		if r.err != nil {
			opTags["error_class"] = obserrors.Classify(r.err)
		}
		s.metrics.Count("reaper.cleanup_operation", 1, opTags)
		if r.err == nil && r.count > 0 {
			s.metrics.Count("reaper.rows_processed", r.count, metrics.CloneTags(opTags))
		}
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func stepResult(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func (s *ReaperService) logCleanupError(ctx context.Context, err error, label string) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// MaintenanceServiceOptions groups dependencies for MaintenanceService.
type MaintenanceServiceOptions struct {
	Orders    core.OrderRepository      // Required: stale order lookup
	Results   core.TaskResultRepository // Required: live task lookup
	Enqueuer  core.TaskEnqueuer         // Required: re-enqueue target
	Providers *ProviderDirectory        // Optional: check_provider_health
	Tracker   *TaskTracker              // Optional: cleanup_task_results, generate_daily_report
	Periodic  config.PeriodicConfig
	Retention config.TrackerConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

// MaintenanceService implements the maintenance queue tasks.
type MaintenanceService struct {
	orders    core.OrderRepository
	results   core.TaskResultRepository
	enqueuer  core.TaskEnqueuer
	providers *ProviderDirectory
	tracker   *TaskTracker
	periodic  config.PeriodicConfig
	retention config.TrackerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewMaintenanceService constructs a MaintenanceService.
func NewMaintenanceService(opts MaintenanceServiceOptions) (*MaintenanceService, error) {
	switch {
	case opts.Orders == nil:
		return nil, errors.New("OrderRepository is required")
	case opts.Results == nil:
		return nil, errors.New("TaskResultRepository is required")
	case opts.Enqueuer == nil:
		return nil, errors.New("TaskEnqueuer is required")
	}
	periodic, retention := opts.Periodic, opts.Retention
	periodic.Sanitize()
	retention.Sanitize()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MaintenanceService{
		orders:    opts.Orders,
		results:   opts.Results,
		enqueuer:  opts.Enqueuer,
		providers: opts.Providers,
		tracker:   opts.Tracker,
		periodic:  periodic,
		retention: retention,
		logger:    logger.With("component", "maintenance"),
		now:       now,
	}, nil
}

// RequeueReport summarises one requeue_stale_orders run.
type RequeueReport struct {
	Scanned   int      `json:"scanned"`
	Requeued  []string `json:"requeued,omitempty"`
	Live      int      `json:"live"`
	Failures  int      `json:"failures"`
	OlderThan string   `json:"older_than"`
}

var fulfillTaskNames = []model.TaskName{model.TaskFulfillOrder, model.TaskFulfillOrderMulti}

// RequeueStaleOrders re-enqueues fulfillment for pending orders older than
// the stale age that have no task in flight.
func (s *MaintenanceService) RequeueStaleOrders(ctx context.Context) (RequeueReport, error) {
	report := RequeueReport{OlderThan: s.periodic.StaleOrderAge.String()}
	stale, err := s.orders.ListStale(ctx, model.StaleOrderQuery{
		Status: model.OrderPending,
		Before: s.now().Add(-s.periodic.StaleOrderAge),
		Limit:  s.periodic.StaleOrderBatchSize,
	})
	if err != nil {
		return report, fmt.Errorf("list stale orders: %w", err)
	}
	report.Scanned = len(stale)

	for _, order := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		live, err := s.results.LiveTaskExists(ctx, core.LiveTaskQuery{Names: fulfillTaskNames, OrderID: order.ID})
		if err != nil {
			s.logger.WarnContext(ctx, "live task lookup failed", "order_id", order.ID, "error", err)
			report.Failures++
			continue
		}
		if live {
			report.Live++
			continue
		}

		if _, err := s.enqueuer.Enqueue(ctx, model.EnqueueRequest{
			Name:   fulfillTaskName(order),
			Kwargs: map[string]any{"order_id": order.ID},
		}); err != nil {
			if errors.Is(err, model.ErrQueueUnavailable) {
				return report, err
			}
			s.logger.WarnContext(ctx, "requeue stale order failed", "order_id", order.ID, "error", err)
			report.Failures++
			continue
		}
		report.Requeued = append(report.Requeued, order.ID)
	}

	if len(report.Requeued) > 0 {
		s.logger.InfoContext(ctx, "requeued stale orders", "count", len(report.Requeued), "scanned", report.Scanned)
	}
	return report, nil
}

// CheckProviderHealth runs the provider health check.
func (s *MaintenanceService) CheckProviderHealth(ctx context.Context) (HealthReport, error) {
	if s.providers == nil {
		return HealthReport{}, errors.New("provider directory not configured")
	}
	return s.providers.CheckHealth(ctx)
}

// CleanupTaskResults deletes terminal task results past their retention.
func (s *MaintenanceService) CleanupTaskResults(ctx context.Context) (CleanupReport, error) {
	if s.tracker == nil {
		return CleanupReport{}, errors.New("task tracker not configured")
	}
	return s.tracker.Cleanup(ctx, CleanupRequest{
		RetentionDays:       s.retention.RetentionDays,
		FailedRetentionDays: s.retention.FailedRetentionDays,
		BatchSize:           s.retention.CleanupBatchSize,
	})
}

// DailyReport is the result of generate_daily_report.
type DailyReport struct {
	Summary model.TaskSummary  `json:"summary"`
	Health  model.SystemHealth `json:"health"`
}

// GenerateDailyReport builds the task summary and health snapshot and logs
// it. The report is also stored as the task result.
func (s *MaintenanceService) GenerateDailyReport(ctx context.Context) (DailyReport, error) {
	if s.tracker == nil {
		return DailyReport{}, errors.New("task tracker not configured")
	}
	summary, err := s.tracker.Summary(ctx)
	if err != nil {
		return DailyReport{}, fmt.Errorf("task summary: %w", err)
	}
	health, err := s.tracker.Health(ctx)
	if err != nil {
		return DailyReport{}, fmt.Errorf("system health: %w", err)
	}

	s.logger.InfoContext(ctx, "daily task report",
		"tasks_24h", summary.Last24Hours.Total,
		"success_rate_24h", summary.Last24Hours.SuccessRate,
		"tasks_7d", summary.Last7Days.Total,
		"success_rate_7d", summary.Last7Days.SuccessRate,
		"recent_failures", summary.RecentFailuresCount,
		"health", health.Band,
		"failure_rate_percent", health.FailureRatePercent,
	)
	return DailyReport{Summary: summary, Health: health}, nil
}

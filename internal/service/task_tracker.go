package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// Query bounds for the monitoring surface.
const (
	DefaultStatisticsDays  = 7
	MaxStatisticsDays      = 365
	DefaultFailedLimit     = 50
	MaxFailedLimit         = 200
	DefaultRecentHours     = 24
	MaxRecentHours         = 168
	DefaultRecentLimit     = 100
	MaxRecentLimit         = 500
	MinRetentionDays       = 7
	MaxRetentionDays       = 365
	DefaultRetentionDays   = 30
	healthWindow           = 24 * time.Hour
	healthActivityWindow   = time.Hour
	databaseStatusUp       = "connected"
	databaseStatusDown     = "disconnected"
	taskSystemStatusActive = "active"
	taskSystemStatusIdle   = "idle"
	summaryFailureLimit    = 10
	summaryTopTaskNames    = 5
)

// ErrInvalidRetention is returned for cleanup retention outside the allowed range.
var ErrInvalidRetention = fmt.Errorf("retention days must be between %d and %d", MinRetentionDays, MaxRetentionDays)

// criticalTasks are the task names whose failures page operators.
var criticalTasks = map[model.TaskName]bool{
	model.TaskFulfillOrder:      true,
	model.TaskFulfillOrderMulti: true,
}

// TaskTrackerOptions groups dependencies for TaskTracker.
type TaskTrackerOptions struct {
	Repo   core.TaskResultRepository // Required: result persistence
	Logger *slog.Logger              // Optional: structured logger
	Now    func() time.Time          // Optional: clock, defaults to time.Now
}

// TaskTracker records task lifecycle transitions and answers monitoring queries.
type TaskTracker struct {
	repo   core.TaskResultRepository
	logger *slog.Logger
	now    func() time.Time
}

var _ core.TaskTracker = (*TaskTracker)(nil)

// NewTaskTracker constructs a TaskTracker.
func NewTaskTracker(opts TaskTrackerOptions) (*TaskTracker, error) {
	if opts.Repo == nil {
		return nil, errors.New("TaskResultRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TaskTracker{
		repo:   opts.Repo,
		logger: logger.With("component", "task_tracker"),
		now:    now,
	}, nil
}

func (t *TaskTracker) transition(task *model.Task, status model.TaskResultStatus) *model.TaskTransition {
	return &model.TaskTransition{
		TaskID:     task.ID,
		TaskName:   task.Name,
		QueueName:  task.Queue,
		Status:     status,
		RetryCount: task.RetryCount,
		MaxRetries: task.MaxRetries,
		IsCritical: criticalTasks[task.Name],
		Args:       task.Args,
		Kwargs:     task.Kwargs,
		At:         t.now(),
	}
}

// record writes tr; tracking failures are logged and never fail the task.
func (t *TaskTracker) record(ctx context.Context, tr *model.TaskTransition) {
	if err := t.repo.Upsert(ctx, tr); err != nil {
		t.logger.WarnContext(ctx, "track task transition failed",
			"task_id", tr.TaskID,
			"status", tr.Status,
			"error", err,
		)
	}
}

// TrackPending records a freshly enqueued task.
func (t *TaskTracker) TrackPending(ctx context.Context, task *model.Task) {
	tr := t.transition(task, model.TaskResultPending)
	if !task.NotBefore.IsZero() && task.NotBefore.After(tr.At) {
		eta := task.NotBefore
		tr.ETA = &eta
	}
	t.record(ctx, tr)
}

// TrackStart records a worker picking the task up.
func (t *TaskTracker) TrackStart(ctx context.Context, task *model.Task, worker string) {
	tr := t.transition(task, model.TaskResultStarted)
	tr.WorkerName = worker
	t.record(ctx, tr)
}

// TrackSuccess records a completed task with its JSON result.
func (t *TaskTracker) TrackSuccess(ctx context.Context, task *model.Task, result any) {
	tr := t.transition(task, model.TaskResultSuccess)
	tr.Result = encodeResult(result)
	t.record(ctx, tr)
}

// TrackRetry records a scheduled redelivery. task.RetryCount is the count of
// the next delivery and task.NotBefore its eta.
func (t *TaskTracker) TrackRetry(ctx context.Context, task *model.Task, cause error) {
	tr := t.transition(task, model.TaskResultRetry)
	tr.Error = errorMessage(cause)
	if !task.NotBefore.IsZero() {
		eta := task.NotBefore
		tr.ETA = &eta
	}
	t.record(ctx, tr)
}

// TrackFailure records a task that will not run again.
func (t *TaskTracker) TrackFailure(ctx context.Context, task *model.Task, cause error, trace string) {
	tr := t.transition(task, model.TaskResultFailure)
	tr.Error = errorMessage(cause)
	tr.Traceback = trace
	t.record(ctx, tr)
}

// TrackRevoked records a cancelled task.
func (t *TaskTracker) TrackRevoked(ctx context.Context, taskID string) {
	t.record(ctx, &model.TaskTransition{TaskID: taskID, Status: model.TaskResultRevoked, At: t.now()})
}

func encodeResult(result any) json.RawMessage {
	switch v := result.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	}
	raw, err := json.Marshal(result)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"repr": fmt.Sprint(result)})
	}
	if string(raw) == "null" {
		return nil
	}
	if raw[0] != '{' {
		raw, _ = json.Marshal(map[string]json.RawMessage{"value": raw})
	}
	return raw
}

// Statistics summarises results created in the last days days.
func (t *TaskTracker) Statistics(ctx context.Context, days int) (model.TaskStatistics, error) {
	days = boundOrDefault(days, DefaultStatisticsDays, MaxStatisticsDays)
	since := t.now().Add(-time.Duration(days) * 24 * time.Hour)

	rows, err := t.repo.StatusCounts(ctx, since)
	if err != nil {
		return model.TaskStatistics{}, fmt.Errorf("task status counts: %w", err)
	}
	avg, err := t.repo.AverageDuration(ctx, since)
	if err != nil {
		return model.TaskStatistics{}, fmt.Errorf("task average duration: %w", err)
	}
	return model.BuildTaskStatistics(days, rows, avg), nil
}

// FailedTasks lists the most recent FAILURE results.
func (t *TaskTracker) FailedTasks(ctx context.Context, limit int, criticalOnly bool) ([]*model.TaskResult, error) {
	q := model.FailedTasksQuery{
		Limit:        boundOrDefault(limit, DefaultFailedLimit, MaxFailedLimit),
		CriticalOnly: criticalOnly,
	}
	out, err := t.repo.Failed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed tasks: %w", err)
	}
	return out, nil
}

// RecentTasks lists results created in the last hours hours, newest first.
func (t *TaskTracker) RecentTasks(ctx context.Context, q model.RecentTasksQuery) ([]*model.TaskResult, error) {
	q.Hours = boundOrDefault(q.Hours, DefaultRecentHours, MaxRecentHours)
	q.Limit = boundOrDefault(q.Limit, DefaultRecentLimit, MaxRecentLimit)
	since := t.now().Add(-time.Duration(q.Hours) * time.Hour)

	out, err := t.repo.Recent(ctx, since, q)
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	return out, nil
}

// Get returns the result for one task id.
func (t *TaskTracker) Get(ctx context.Context, taskID string) (*model.TaskResult, error) {
	return t.repo.Get(ctx, taskID)
}

// CleanupRequest selects terminal results to delete.
type CleanupRequest struct {
	RetentionDays int
	// FailedRetentionDays keeps FAILURE rows longer; zero uses RetentionDays.
	FailedRetentionDays int
	BatchSize           int
	DryRun              bool
}

// CleanupReport is the outcome of Cleanup.
type CleanupReport struct {
	DryRun              bool      `json:"dry_run"`
	RetentionDays       int       `json:"retention_days"`
	FailedRetentionDays int       `json:"failed_retention_days"`
	Cutoff              time.Time `json:"cutoff_date"`
	Success             int64     `json:"success"`
	Failure             int64     `json:"failure"`
	Total               int64     `json:"total"`
}

// Cleanup deletes SUCCESS and FAILURE results past retention, or counts them
// when DryRun is set. Other statuses are never deleted.
func (t *TaskTracker) Cleanup(ctx context.Context, req CleanupRequest) (CleanupReport, error) {
	if req.RetentionDays == 0 {
		req.RetentionDays = DefaultRetentionDays
	}
	if req.FailedRetentionDays == 0 {
		req.FailedRetentionDays = req.RetentionDays
	}
	for _, d := range []int{req.RetentionDays, req.FailedRetentionDays} {
		if d < MinRetentionDays || d > MaxRetentionDays {
			return CleanupReport{}, ErrInvalidRetention
		}
	}

	now := t.now()
	policy := model.CleanupPolicy{
		SuccessBefore: now.Add(-time.Duration(req.RetentionDays) * 24 * time.Hour),
		FailureBefore: now.Add(-time.Duration(req.FailedRetentionDays) * 24 * time.Hour),
		BatchSize:     req.BatchSize,
	}

	var (
		res core.CleanupResult
		err error
	)
	if req.DryRun {
		res, err = t.repo.CleanupPreview(ctx, policy)
	} else {
		res, err = t.repo.Cleanup(ctx, policy)
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("cleanup task results: %w", err)
	}

	report := CleanupReport{
		DryRun:              req.DryRun,
		RetentionDays:       req.RetentionDays,
		FailedRetentionDays: req.FailedRetentionDays,
		Cutoff:              policy.SuccessBefore,
		Success:             res.Success,
		Failure:             res.Failure,
		Total:               res.Total(),
	}
	if !req.DryRun {
		t.logger.InfoContext(ctx, "cleaned up task results",
			"success", res.Success,
			"failure", res.Failure,
			"retention_days", req.RetentionDays,
			"failed_retention_days", req.FailedRetentionDays,
		)
	}
	return report, nil
}

// Summary compares the last day with the last week and counts the most
// recent failures.
func (t *TaskTracker) Summary(ctx context.Context) (model.TaskSummary, error) {
	day, err := t.Statistics(ctx, 1)
	if err != nil {
		return model.TaskSummary{}, err
	}
	week, err := t.Statistics(ctx, 7)
	if err != nil {
		return model.TaskSummary{}, err
	}
	failures, err := t.FailedTasks(ctx, summaryFailureLimit, false)
	if err != nil {
		return model.TaskSummary{}, err
	}
	return model.TaskSummary{
		Last24Hours:         model.PeriodSummary{Total: day.Total, SuccessRate: day.SuccessRate()},
		Last7Days:           model.PeriodSummary{Total: week.Total, SuccessRate: week.SuccessRate()},
		TopTaskNames:        week.TopTaskNames(summaryTopTaskNames),
		RecentFailuresCount: len(failures),
		GeneratedAt:         t.now(),
	}, nil
}

// Health derives the health band from the last 24h of results.
func (t *TaskTracker) Health(ctx context.Context) (model.SystemHealth, error) {
	now := t.now()
	health := model.SystemHealth{CheckedAt: now, Database: databaseStatusUp}

	if err := t.repo.Ping(ctx); err != nil {
		t.logger.WarnContext(ctx, "task result store unreachable", "error", err)
		health.Database = databaseStatusDown
		health.Band = model.HealthCritical
		health.TaskSystem = taskSystemStatusIdle
		return health, nil
	}

	rows, err := t.repo.StatusCounts(ctx, now.Add(-healthWindow))
	if err != nil {
		return health, fmt.Errorf("task status counts: %w", err)
	}
	avg, err := t.repo.AverageDuration(ctx, now.Add(-healthWindow))
	if err != nil {
		return health, fmt.Errorf("task average duration: %w", err)
	}
	stats := model.BuildTaskStatistics(1, rows, avg)

	recent, err := t.repo.Recent(ctx, now.Add(-healthActivityWindow), model.RecentTasksQuery{Limit: MaxRecentLimit})
	if err != nil {
		return health, fmt.Errorf("recent tasks: %w", err)
	}

	health.TotalTasks24h = stats.Total
	health.FailedTasks24h = stats.ByStatus[model.TaskResultFailure]
	rate := stats.FailureRate()
	health.FailureRatePercent = roundPercent(rate)
	health.Band = model.HealthBandFor(rate)
	health.AverageDuration = stats.AverageDurationSeconds
	health.RecentTasks1h = len(recent)
	health.TaskSystem = taskSystemStatusIdle
	if len(recent) > 0 {
		health.TaskSystem = taskSystemStatusActive
	}
	return health, nil
}

func roundPercent(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// boundOrDefault returns def for non-positive v and caps v at limit.
func boundOrDefault(v, def, limit int) int {
	if v <= 0 {
		return def
	}
	if v > limit {
		return limit
	}
	return v
}

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// TaskResultStatus is the lifecycle status tracked for a dispatched task.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskResultStatus string

const (
	TaskResultPending TaskResultStatus = "PENDING"
	TaskResultStarted TaskResultStatus = "STARTED"
	TaskResultSuccess TaskResultStatus = "SUCCESS"
	TaskResultFailure TaskResultStatus = "FAILURE"
	TaskResultRetry   TaskResultStatus = "RETRY"
	TaskResultRevoked TaskResultStatus = "REVOKED"
)

// ErrTaskResultNotFound is returned when no result row exists for a task id.
var ErrTaskResultNotFound = errors.New("task result not found")

// Valid returns true if the status is known.
func (s TaskResultStatus) Valid() bool {
	switch s {
	case TaskResultPending, TaskResultStarted, TaskResultSuccess,
		TaskResultFailure, TaskResultRetry, TaskResultRevoked:
		return true
	}
	return false
}

// UnmarshalText accepts statuses case-insensitively.
func (s *TaskResultStatus) UnmarshalText(text []byte) error {
	v := TaskResultStatus(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid TaskResultStatus: %q", v)
	}
	*s = v
	return nil
}

// Terminal reports whether completed_at must be set for this status.
func (s TaskResultStatus) Terminal() bool {
	return s == TaskResultSuccess || s == TaskResultFailure || s == TaskResultRevoked
}

// TaskResult is the tracked lifecycle record for one task id.
type TaskResult struct {
	TaskID       string           `json:"task_id"                 db:"task_id"`
	TaskName     TaskName         `json:"task_name"               db:"task_name"`
	QueueName    string           `json:"queue_name"              db:"queue_name"`
	Status       TaskResultStatus `json:"status"                  db:"status"`
	Result       json.RawMessage  `json:"result,omitempty"        db:"result"`
	ErrorMessage *string          `json:"error_message,omitempty" db:"error_message"`
	Traceback    *string          `json:"traceback,omitempty"     db:"traceback"`
	WorkerName   *string          `json:"worker_name,omitempty"   db:"worker_name"`
	RetryCount   int              `json:"retry_count"             db:"retry_count"`
	MaxRetries   int              `json:"max_retries"             db:"max_retries"`
	IsCritical   bool             `json:"is_critical"             db:"is_critical"`
	Args         json.RawMessage  `json:"args,omitempty"          db:"args"`
	Kwargs       json.RawMessage  `json:"kwargs,omitempty"        db:"kwargs"`
	ETA          *time.Time       `json:"eta,omitempty"           db:"eta"`
	StartedAt    *time.Time       `json:"started_at,omitempty"    db:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"  db:"completed_at"`
	CreatedAt    time.Time        `json:"created_at"              db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"              db:"updated_at"`
}

// Duration returns completed_at - started_at when both are present.
func (r *TaskResult) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// ClampRetry returns n bounded to [0, maxRetries].
func ClampRetry(n, maxRetries int) int {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if n < 0 {
		return 0
	}
	if n > maxRetries {
		return maxRetries
	}
	return n
}

// TaskTransition carries one tracked lifecycle change.
type TaskTransition struct {
	TaskID     string
	TaskName   TaskName
	QueueName  string
	Status     TaskResultStatus
	Result     json.RawMessage
	Error      string
	Traceback  string
	WorkerName string
	RetryCount int
	MaxRetries int
	IsCritical bool
	Args       json.RawMessage
	Kwargs     json.RawMessage
	ETA        *time.Time
	At         time.Time
}

// Validate checks the transition before it is written.
func (t *TaskTransition) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return errors.New("task id is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.At.IsZero() {
		return errors.New("transition time is required")
	}
	return nil
}

// TaskNameStats aggregates outcomes for one task name.
type TaskNameStats struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failure     int     `json:"failure"`
	SuccessRate float64 `json:"success_rate"`
}

// TaskStatistics summarises task results over a window.
type TaskStatistics struct {
	PeriodDays             int                        `json:"period_days"`
	Total                  int                        `json:"total_tasks"`
	ByStatus               map[TaskResultStatus]int   `json:"status_breakdown"`
	ByTaskName             map[TaskName]TaskNameStats `json:"task_breakdown"`
	AverageDurationSeconds float64                    `json:"average_duration_seconds"`
}

// TaskStatusCount is one aggregate row: count of a status for a task name.
type TaskStatusCount struct {
	TaskName TaskName         `db:"task_name"`
	Status   TaskResultStatus `db:"status"`
	Count    int              `db:"count"`
}

// BuildTaskStatistics folds aggregate rows into a TaskStatistics.
func BuildTaskStatistics(days int, rows []TaskStatusCount, avgDuration float64) TaskStatistics {
	stats := TaskStatistics{
		PeriodDays:             days,
		ByStatus:               make(map[TaskResultStatus]int),
		ByTaskName:             make(map[TaskName]TaskNameStats),
		AverageDurationSeconds: roundTo(avgDuration, 2),
	}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByStatus[row.Status] += row.Count

		ns := stats.ByTaskName[row.TaskName]
		ns.Total += row.Count
		switch row.Status {
		case TaskResultSuccess:
			ns.Success += row.Count
		case TaskResultFailure:
			ns.Failure += row.Count
		}
		stats.ByTaskName[row.TaskName] = ns
	}
	for name, ns := range stats.ByTaskName {
		if ns.Total > 0 {
			ns.SuccessRate = roundTo(float64(ns.Success)/float64(ns.Total)*100, 2)
		}
		stats.ByTaskName[name] = ns
	}
	return stats
}

// FailureRate returns the FAILURE share of all tracked tasks as a percentage.
func (s TaskStatistics) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.ByStatus[TaskResultFailure]) / float64(s.Total) * 100
}

// SuccessRate returns the SUCCESS share of all tracked tasks as a percentage.
func (s TaskStatistics) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return roundTo(float64(s.ByStatus[TaskResultSuccess])/float64(s.Total)*100, 2)
}

// TopTaskNames returns up to n task names with the most results, busiest
// first. Ties break on name.
func (s TaskStatistics) TopTaskNames(n int) []TaskNameCount {
	out := make([]TaskNameCount, 0, len(s.ByTaskName))
	for name, ns := range s.ByTaskName {
		out = append(out, TaskNameCount{TaskName: name, Total: ns.Total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].TaskName < out[j].TaskName
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TaskNameCount pairs a task name with its result count.
type TaskNameCount struct {
	TaskName TaskName `json:"task_name"`
	Total    int      `json:"total"`
}

// PeriodSummary is the volume and success rate of one window.
type PeriodSummary struct {
	Total       int     `json:"total_tasks"`
	SuccessRate float64 `json:"success_rate"`
}

// TaskSummary compares the last day with the last week.
type TaskSummary struct {
	Last24Hours         PeriodSummary   `json:"last_24_hours"`
	Last7Days           PeriodSummary   `json:"last_7_days"`
	TopTaskNames        []TaskNameCount `json:"top_task_types"`
	RecentFailuresCount int             `json:"recent_failures_count"`
	GeneratedAt         time.Time       `json:"generated_at"`
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// HealthBand is the qualitative health derived from the recent failure rate.
type HealthBand string

const (
	HealthExcellent HealthBand = "excellent"
	HealthGood      HealthBand = "good"
	HealthWarning   HealthBand = "warning"
	HealthCritical  HealthBand = "critical"
)

// HealthBandFor maps a failure rate percentage to a band.
func HealthBandFor(failureRatePct float64) HealthBand {
	switch {
	case failureRatePct < 5:
		return HealthExcellent
	case failureRatePct < 15:
		return HealthGood
	case failureRatePct < 30:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// SystemHealth is the monitoring summary.
type SystemHealth struct {
	Band               HealthBand `json:"health_status"`
	FailureRatePercent float64    `json:"failure_rate_percent"`
	TotalTasks24h      int        `json:"total_tasks_24h"`
	FailedTasks24h     int        `json:"failed_tasks_24h"`
	AverageDuration    float64    `json:"average_duration_seconds"`
	Database           string     `json:"database"`
	TaskSystem         string     `json:"task_system"`
	RecentTasks1h      int        `json:"recent_tasks_count"`
	CheckedAt          time.Time  `json:"last_check"`
}

// RecentTasksQuery filters the recent task listing.
type RecentTasksQuery struct {
	Hours  int
	Status *TaskResultStatus
	Name   TaskName
	Limit  int
}

// FailedTasksQuery filters the failed task listing.
type FailedTasksQuery struct {
	Limit        int
	CriticalOnly bool
}

// CleanupPolicy selects terminal results for deletion.
type CleanupPolicy struct {
	SuccessBefore time.Time
	FailureBefore time.Time
	BatchSize     int
}

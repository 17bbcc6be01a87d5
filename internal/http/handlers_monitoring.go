package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/service"
)

// MonitoringService is the read and cleanup surface of the task result tracker.
type MonitoringService interface {
	Statistics(ctx context.Context, days int) (model.TaskStatistics, error)
	FailedTasks(ctx context.Context, limit int, criticalOnly bool) ([]*model.TaskResult, error)
	RecentTasks(ctx context.Context, q model.RecentTasksQuery) ([]*model.TaskResult, error)
	Get(ctx context.Context, taskID string) (*model.TaskResult, error)
	Summary(ctx context.Context) (model.TaskSummary, error)
	Health(ctx context.Context) (model.SystemHealth, error)
	Cleanup(ctx context.Context, req service.CleanupRequest) (service.CleanupReport, error)
}

var _ MonitoringService = (*service.TaskTracker)(nil)

// MonitoringHandlers serves /api/monitoring.
type MonitoringHandlers struct {
	Svc MonitoringService
	// FailedRetentionDays keeps FAILURE rows at least this long on cleanup.
	FailedRetentionDays int
	Logger              *slog.Logger
}

type taskList struct {
	Tasks []*model.TaskResult `json:"tasks"`
	Count int                 `json:"count"`
}

func newTaskList(tasks []*model.TaskResult) taskList {
	if tasks == nil {
		tasks = []*model.TaskResult{}
	}
	return taskList{Tasks: tasks, Count: len(tasks)}
}

// Statistics handles GET /api/monitoring/tasks/statistics?days=7.
func (h *MonitoringHandlers) Statistics(w http.ResponseWriter, r *http.Request) {
	days := parseIntQuery(r, "days", service.DefaultStatisticsDays)
	stats, err := h.Svc.Statistics(r.Context(), days)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// Failed handles GET /api/monitoring/tasks/failed?limit=50&critical_only=false.
func (h *MonitoringHandlers) Failed(w http.ResponseWriter, r *http.Request) {
	criticalOnly, err := boolQuery(r, "critical_only", false)
	if err != nil {
		writeBadParam(w, err)
		return
	}
	limit := parseIntQuery(r, "limit", service.DefaultFailedLimit)
	tasks, err := h.Svc.FailedTasks(r.Context(), limit, criticalOnly)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newTaskList(tasks))
}

// Recent handles GET /api/monitoring/tasks/recent?hours=24&status=&task_name=&limit=100.
func (h *MonitoringHandlers) Recent(w http.ResponseWriter, r *http.Request) {
	q := model.RecentTasksQuery{
		Hours: parseIntQuery(r, "hours", service.DefaultRecentHours),
		Limit: parseIntQuery(r, "limit", service.DefaultRecentLimit),
		Name:  model.TaskName(strings.TrimSpace(r.URL.Query().Get("task_name"))),
	}
	if raw := r.URL.Query().Get("status"); strings.TrimSpace(raw) != "" {
		var st model.TaskResultStatus
		if err := st.UnmarshalText([]byte(raw)); err != nil {
			writeBadParam(w, err)
			return
		}
		q.Status = &st
	}
	tasks, err := h.Svc.RecentTasks(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newTaskList(tasks))
}

// Task handles GET /api/monitoring/tasks/{id}.
func (h *MonitoringHandlers) Task(w http.ResponseWriter, r *http.Request) {
	res, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Summary handles GET /api/monitoring/tasks/summary.
func (h *MonitoringHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Svc.Summary(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

// Health handles GET /api/monitoring/system/health.
func (h *MonitoringHandlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.Svc.Health(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, health)
}

// Cleanup handles POST /api/monitoring/tasks/cleanup?days=30&dry_run=true.
// Without an explicit dry_run=false nothing is deleted.
func (h *MonitoringHandlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	days, err := strictIntQuery(r, "days", service.DefaultRetentionDays)
	if err != nil {
		writeBadParam(w, err)
		return
	}
	if days < service.MinRetentionDays || days > service.MaxRetentionDays {
		writeBadParam(w, fmt.Errorf("days must be between %d and %d", service.MinRetentionDays, service.MaxRetentionDays))
		return
	}
	dryRun, err := boolQuery(r, "dry_run", true)
	if err != nil {
		writeBadParam(w, err)
		return
	}

	report, err := h.Svc.Cleanup(r.Context(), service.CleanupRequest{
		RetentionDays:       days,
		FailedRetentionDays: max(days, min(h.FailedRetentionDays, service.MaxRetentionDays)),
		DryRun:              dryRun,
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

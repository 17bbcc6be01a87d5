package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/placement-fulfillment/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the monitoring and admin HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModePublishWorker runs workers on the publish queue.
	ServiceModePublishWorker ServiceMode = "publish-worker"
	// ServiceModeNotificationWorker runs workers on the notification queue.
	ServiceModeNotificationWorker ServiceMode = "notification-worker"
	// ServiceModeMaintenanceWorker runs workers on the maintenance queue.
	ServiceModeMaintenanceWorker ServiceMode = "maintenance-worker"
	// ServiceModeScheduler runs the periodic task scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the task and order reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

var workerModes = []ServiceMode{
	ServiceModePublishWorker,
	ServiceModeNotificationWorker,
	ServiceModeMaintenanceWorker,
}

// Queue returns the queue a worker mode consumes, or "" for non-worker modes.
func (m ServiceMode) Queue() string {
	switch m {
	case ServiceModePublishWorker:
		return model.QueuePublish
	case ServiceModeNotificationWorker:
		return model.QueueNotification
	case ServiceModeMaintenanceWorker:
		return model.QueueMaintenance
	default:
		return ""
	}
}

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModePublishWorker,
		ServiceModeNotificationWorker,
		ServiceModeMaintenanceWorker,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModePublishWorker,
			ServiceModeNotificationWorker,
			ServiceModeMaintenanceWorker,
			ServiceModeScheduler,
			ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, publish-worker, notification-worker, maintenance-worker, scheduler, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// PeriodicConfig controls the periodic task schedule.
type PeriodicConfig struct {
	// ProviderHealthInterval schedules check_provider_health.
	ProviderHealthInterval time.Duration `env:"PROVIDER_HEALTH_INTERVAL" envDefault:"24h"`

	// CleanupInterval schedules cleanup_task_results.
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// RequeueStaleInterval schedules requeue_stale_orders.
	RequeueStaleInterval time.Duration `env:"REQUEUE_STALE_INTERVAL" envDefault:"30m"`

	// DailyReportInterval schedules generate_daily_report.
	DailyReportInterval time.Duration `env:"DAILY_REPORT_INTERVAL" envDefault:"24h"`

	// StaleOrderAge is how long an order may sit in pending with no live task.
	StaleOrderAge time.Duration `env:"STALE_ORDER_AGE" envDefault:"30m"`

	// StaleOrderBatchSize bounds the orders re-enqueued per run.
	StaleOrderBatchSize int `env:"STALE_ORDER_BATCH_SIZE" envDefault:"100"`

	// Jitter is the maximum random delay added to each tick.
	Jitter time.Duration `env:"JITTER" envDefault:"30s"`
}

// Sanitize applies guardrails to periodic schedule values.
func (p *PeriodicConfig) Sanitize() {
	if p.ProviderHealthInterval < time.Minute {
		p.ProviderHealthInterval = time.Minute
	}
	if p.CleanupInterval < time.Minute {
		p.CleanupInterval = time.Minute
	}
	if p.RequeueStaleInterval < time.Minute {
		p.RequeueStaleInterval = time.Minute
	}
	if p.DailyReportInterval < time.Minute {
		p.DailyReportInterval = time.Minute
	}
	if p.StaleOrderAge < time.Minute {
		p.StaleOrderAge = time.Minute
	}
	if p.StaleOrderBatchSize < 1 {
		p.StaleOrderBatchSize = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
}

// ReaperConfig contains task reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending tasks before they are marked as failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"24h"`

	// CompletedMaxAge is the maximum age for completed tasks before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed tasks before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"720h"` // 30 days

	// StaleProcessingAge is how long an order may stay in processing before
	// it is considered abandoned by a dead worker.
	StaleProcessingAge time.Duration `env:"REAPER_STALE_PROCESSING_AGE" envDefault:"2h"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.StaleProcessingAge < 10*time.Minute {
		r.StaleProcessingAge = 10 * time.Minute
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

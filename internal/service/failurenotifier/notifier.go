// Package failurenotifier fans terminal task failures out to alerting sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// SkipQueues suppresses alerts for tasks on these queues.
	SkipQueues []string
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger     *slog.Logger
	sinks      []SinkRegistration
	skipQueues map[string]struct{}
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	skip := make(map[string]struct{}, len(opts.SkipQueues))
	for _, q := range opts.SkipQueues {
		skip[q] = struct{}{}
	}

	return &Service{
		logger:     logger.With("component", "failure_notifier"),
		sinks:      sinks,
		skipQueues: skip,
	}
}

// NotifyTaskFailure fans the payload out to all sinks and waits for them.
func (s *Service) NotifyTaskFailure(ctx context.Context, payload notify.TaskFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if _, skip := s.skipQueues[payload.Queue]; skip {
		s.logger.DebugContext(ctx, "skipping failure notification for muted queue",
			"task_id", payload.TaskID,
			"queue", payload.Queue,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = defaultSeverity(payload.Queue)
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendTaskFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"task_id", payload.TaskID,
					"task_name", payload.TaskName,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

// Customer-facing work pages; housekeeping only warns.
func defaultSeverity(queue string) string {
	if queue == model.QueueMaintenance {
		return notify.SeverityWarning
	}
	return notify.SeverityCritical
}

package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/observability/notify"
)

type captureSink struct {
	mu       sync.Mutex
	received []notify.TaskFailurePayload
}

func (c *captureSink) SendTaskFailure(_ context.Context, p notify.TaskFailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, p)
	return nil
}

func TestServiceNotifyTaskFailure(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}})

	svc.NotifyTaskFailure(context.Background(), notify.TaskFailurePayload{
		TaskID:   "123",
		TaskName: string(model.TaskFulfillOrder),
		Queue:    model.QueuePublish,
	})
	svc.NotifyTaskFailure(context.Background(), notify.TaskFailurePayload{
		TaskID:   "456",
		TaskName: string(model.TaskCleanupTaskResults),
		Queue:    model.QueueMaintenance,
	})

	if len(sink.received) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(sink.received))
	}
	severities := map[string]string{}
	for _, p := range sink.received {
		severities[p.TaskID] = p.Severity
	}
	if severities["123"] != notify.SeverityCritical {
		t.Fatalf("publish failures should be critical, got %s", severities["123"])
	}
	if severities["456"] != notify.SeverityWarning {
		t.Fatalf("maintenance failures should warn, got %s", severities["456"])
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no sinks registered")
	}
	var nilSvc *Service
	nilSvc.NotifyTaskFailure(context.Background(), notify.TaskFailurePayload{})
}

func TestServiceLogsErrors(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{{
			Name: "fail",
			Sink: notify.SinkFunc(func(context.Context, notify.TaskFailurePayload) error {
				return errors.New("boom")
			}),
		}},
	})

	svc.NotifyTaskFailure(context.Background(), notify.TaskFailurePayload{TaskID: "123"})
}

func TestServiceSkipsMutedQueue(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{
		Sinks:      []SinkRegistration{{Name: "capture", Sink: sink}},
		SkipQueues: []string{model.QueueNotification},
	})

	svc.NotifyTaskFailure(context.Background(), notify.TaskFailurePayload{
		TaskID: "mail-1",
		Queue:  model.QueueNotification,
	})

	if len(sink.received) != 0 {
		t.Fatal("expected sink not to be invoked for a muted queue")
	}
}

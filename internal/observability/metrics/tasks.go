// Package metrics emits the standard task lifecycle metrics.
package metrics

import (
	"time"

	obserrors "github.com/target/placement-fulfillment/internal/observability/errors"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultRetry   = "retry"
	ResultNoop    = "noop"
)

// Transition names.
const (
	TransitionCompleted = "completed"
	TransitionRetried   = "retried"
	TransitionFailed    = "failed"
)

// TaskMetric captures details about a task lifecycle event for metric emission.
type TaskMetric struct {
	TaskName   string
	Queue      string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitTaskLifecycle emits standardised task lifecycle metrics.
func EmitTaskLifecycle(sink statsd.Sink, in TaskMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"task_name":  in.TaskName,
		"queue":      in.Queue,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result != ResultSuccess {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("task.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("task.duration", in.Duration, CloneTags(tags))
	}
}

// FulfillmentMetric describes one finished fulfillment.
type FulfillmentMetric struct {
	Status   string
	Attempts int
	Excluded int
}

// EmitFulfillment records the terminal order status and how many providers it took.
func EmitFulfillment(sink statsd.Sink, in FulfillmentMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{"status": in.Status}
	sink.Count("fulfillment.outcome", 1, tags)
	sink.Gauge("fulfillment.attempts", float64(in.Attempts), CloneTags(tags))
	sink.Gauge("fulfillment.excluded_providers", float64(in.Excluded), CloneTags(tags))
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Package errors classifies errors into short labels for metric tags and logs.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/placement-fulfillment/internal/domain/model"
)

var sentinelClasses = []struct {
	err   error
	class string
}{
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "canceled"},
	{model.ErrQueueUnavailable, "queue_unavailable"},
	{model.ErrTransient, "transient"},
	{model.ErrInvalidOrder, "invalid_order"},
	{model.ErrOrderNotFound, "order_not_found"},
	{model.ErrInvalidTransition, "invalid_transition"},
	{model.ErrTransitionConflict, "transition_conflict"},
}

// Classify returns a normalized error name suitable for tagging metrics/logs.
// Known sentinels map to fixed labels; anything else is named after the
// innermost concrete error type.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range sentinelClasses {
		if goerrors.Is(err, s.err) {
			return s.class
		}
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}

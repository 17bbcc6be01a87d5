package data

import (
	"errors"
	"fmt"

	"github.com/target/placement-fulfillment/internal/data/pgxutil"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// Shared sentinel errors for data-layer repositories.
var (
	ErrTaskResultsNotConfigured = errors.New("task results repository not configured")
	ErrTaskIDRequired           = errors.New("task_id is required")
	ErrOrderIDRequired          = errors.New("order_id is required")
	ErrProviderIDRequired       = errors.New("provider_id is required")
)

// queueError tags connection-class failures with model.ErrQueueUnavailable so
// producers can tell an unreachable broker from a rejected request.
func queueError(op string, err error) error {
	if err == nil {
		return nil
	}
	if pgxutil.IsConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrQueueUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

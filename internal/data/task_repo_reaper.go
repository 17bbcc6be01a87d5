package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations, used with the two-argument
// pg_try_advisory_xact_lock(major, minor).
const (
	advisoryLockReaperMajor          = 1000
	advisoryLockReaperFailPending    = 1
	advisoryLockReaperDelete         = 2
	advisoryLockReaperStaleProcessed = 3
)

// withReaperLock runs fn in a transaction holding the reaper lock minor. When
// another reaper holds it, fn is skipped and zero rows are reported.
func (r *TaskRepo) withReaperLock(ctx context.Context, minor int, fn func(*sql.Tx) (sql.Result, error)) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			res, err := fn(tx)
			if err != nil {
				return err
			}
			rowsAffected, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// FailStalePendingTasks marks pending tasks older than maxAge as failed, at
// most batchSize per call.
func (r *TaskRepo) FailStalePendingTasks(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	now := r.timeProvider.Now().UTC()
	cutoff := now.Add(-maxAge)
	return r.withReaperLock(ctx, advisoryLockReaperFailPending, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = 'failed',
				last_error = 'Task timed out in pending state',
				completed_at = $1,
				updated_at = $1
			WHERE id IN (
				SELECT id FROM tasks
				WHERE state = 'pending'
				  AND created_at < $2
				ORDER BY created_at
				LIMIT $3
			)
		`, now, cutoff, batchSize)
		if err != nil {
			return nil, fmt.Errorf("fail stale pending tasks: %w", err)
		}
		return res, nil
	})
}

// DeleteOldTasks deletes tasks in params.State that finished before MaxAge ago.
func (r *TaskRepo) DeleteOldTasks(ctx context.Context, params core.DeleteOldTasksParams) (int64, error) {
	if !params.State.Valid() {
		return 0, fmt.Errorf("invalid task state: %s", params.State)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()
	return r.withReaperLock(ctx, advisoryLockReaperDelete, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE id IN (
				SELECT id FROM tasks
				WHERE state = $1
				  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
				ORDER BY COALESCE(completed_at, updated_at)
				LIMIT $3
			)
		`, params.State, cutoff, params.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("delete old tasks: %w", err)
		}
		return res, nil
	})
}

// FailStaleProcessingOrders moves orders left in processing by a dead worker
// to failed. They are flagged retryable so the redelivered task can reset them.
func (r *TaskRepo) FailStaleProcessingOrders(ctx context.Context, params core.FailStaleOrdersParams) (int64, error) {
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	now := r.timeProvider.Now().UTC()
	cutoff := now.Add(-params.MaxAge)
	return r.withReaperLock(ctx, advisoryLockReaperStaleProcessed, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = 'failed',
				metadata = metadata || jsonb_build_object(
					'failure_reason', $3::text,
					'failed_at', to_jsonb($1::timestamptz),
					'retryable', true
				),
				updated_at = $1
			WHERE id IN (
				SELECT id FROM orders
				WHERE status = 'processing'
				  AND updated_at < $2
				ORDER BY updated_at
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			AND status = 'processing'
		`, now, cutoff, params.Reason, params.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("fail stale processing orders: %w", err)
		}
		return res, nil
	})
}

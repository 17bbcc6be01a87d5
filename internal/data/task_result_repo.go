package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/data/pgxutil"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// TaskResultRepo persists the tracked lifecycle of every dispatched task.
type TaskResultRepo struct {
	DB *sql.DB
}

// NewTaskResultRepo constructs a TaskResultRepo.
func NewTaskResultRepo(db *sql.DB) *TaskResultRepo {
	return &TaskResultRepo{DB: db}
}

const taskResultColumns = `
  task_id, task_name, queue_name, status, result, error_message, traceback,
  worker_name, retry_count, max_retries, is_critical, args, kwargs, eta,
  started_at, completed_at, created_at, updated_at`

// completed_at follows the status: set on terminal statuses, cleared otherwise.
// A PENDING write that finds a row only fills in missing fields: the enqueue
// bookkeeping can land after the worker already reported STARTED or a
// terminal status. Retry counters only grow and stay within max_retries.
const upsertTaskResultSQL = `
	INSERT INTO task_results (
		task_id, task_name, queue_name, status, result, error_message, traceback,
		worker_name, retry_count, max_retries, is_critical, args, kwargs, eta,
		started_at, completed_at, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		CASE WHEN $4 = 'STARTED' THEN $15::timestamptz END,
		CASE WHEN $4 IN ('SUCCESS', 'FAILURE', 'REVOKED') THEN $15::timestamptz END,
		$15, $15
	)
	ON CONFLICT (task_id) DO UPDATE SET
		task_name     = COALESCE(NULLIF(EXCLUDED.task_name, ''), task_results.task_name),
		queue_name    = COALESCE(NULLIF(EXCLUDED.queue_name, ''), task_results.queue_name),
		status        = CASE WHEN EXCLUDED.status = 'PENDING' THEN task_results.status
		                     ELSE EXCLUDED.status END,
		result        = COALESCE(EXCLUDED.result, task_results.result),
		error_message = CASE WHEN EXCLUDED.status = 'SUCCESS' THEN NULL
		                     ELSE COALESCE(EXCLUDED.error_message, task_results.error_message) END,
		traceback     = COALESCE(EXCLUDED.traceback, task_results.traceback),
		worker_name   = COALESCE(EXCLUDED.worker_name, task_results.worker_name),
		max_retries   = GREATEST(EXCLUDED.max_retries, task_results.max_retries),
		retry_count   = LEAST(
		                  GREATEST(EXCLUDED.retry_count, task_results.retry_count),
		                  GREATEST(EXCLUDED.max_retries, task_results.max_retries)),
		is_critical   = EXCLUDED.is_critical OR task_results.is_critical,
		args          = COALESCE(EXCLUDED.args, task_results.args),
		kwargs        = COALESCE(EXCLUDED.kwargs, task_results.kwargs),
		eta           = COALESCE(EXCLUDED.eta, task_results.eta),
		started_at    = CASE WHEN EXCLUDED.status = 'STARTED' THEN EXCLUDED.updated_at
		                     ELSE task_results.started_at END,
		completed_at  = CASE WHEN EXCLUDED.status = 'PENDING' THEN task_results.completed_at
		                     WHEN EXCLUDED.status IN ('SUCCESS', 'FAILURE', 'REVOKED')
		                     THEN EXCLUDED.updated_at END,
		updated_at    = CASE WHEN EXCLUDED.status = 'PENDING' THEN task_results.updated_at
		                     ELSE EXCLUDED.updated_at END`

// Upsert records one lifecycle transition keyed by task id.
func (r *TaskResultRepo) Upsert(ctx context.Context, t *model.TaskTransition) error {
	if r == nil || r.DB == nil {
		return ErrTaskResultsNotConfigured
	}
	if t == nil {
		return errors.New("transition is required")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	maxRetries := max(t.MaxRetries, 0)
	retryCount := model.ClampRetry(t.RetryCount, maxRetries)

	_, err := r.DB.ExecContext(ctx, upsertTaskResultSQL,
		t.TaskID,
		string(t.TaskName),
		t.QueueName,
		string(t.Status),
		nullJSON(t.Result),
		nullIfEmpty(t.Error),
		nullIfEmpty(t.Traceback),
		nullIfEmpty(t.WorkerName),
		retryCount,
		maxRetries,
		t.IsCritical,
		nullJSON(t.Args),
		nullJSON(t.Kwargs),
		t.ETA,
		t.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert task_results: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Get returns the result row for one task id.
func (r *TaskResultRepo) Get(ctx context.Context, taskID string) (*model.TaskResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrTaskResultsNotConfigured
	}
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrTaskIDRequired
	}
	rows, err := r.collect(ctx, `SELECT `+taskResultColumns+` FROM task_results WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task_results: %w", err)
	}
	if len(rows) == 0 {
		return nil, model.ErrTaskResultNotFound
	}
	return rows[0], nil
}

func (r *TaskResultRepo) collect(ctx context.Context, query string, args ...any) ([]*model.TaskResult, error) {
	var out []*model.TaskResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		collected, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.TaskResult])
		if err != nil {
			return err
		}
		out = collected
		return nil
	})
	return out, err
}

// StatusCounts aggregates results created since the cutoff by name and status.
func (r *TaskResultRepo) StatusCounts(ctx context.Context, since time.Time) ([]model.TaskStatusCount, error) {
	var out []model.TaskStatusCount
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT task_name, status, count(*)::int AS count
			FROM task_results
			WHERE created_at >= $1
			GROUP BY task_name, status
			ORDER BY task_name, status`, since.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.TaskStatusCount])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("task status counts: %w", err)
	}
	return out, nil
}

// AverageDuration returns the mean run time in seconds of successful tasks
// created since the cutoff, or 0 when there are none.
func (r *TaskResultRepo) AverageDuration(ctx context.Context, since time.Time) (float64, error) {
	var avg float64
	err := r.DB.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)::float8
		FROM task_results
		WHERE created_at >= $1
		  AND status = 'SUCCESS'
		  AND started_at IS NOT NULL
		  AND completed_at IS NOT NULL`, since.UTC()).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average task duration: %w", err)
	}
	return avg, nil
}

// Failed lists FAILURE rows, newest first.
func (r *TaskResultRepo) Failed(ctx context.Context, q model.FailedTasksQuery) ([]*model.TaskResult, error) {
	query := `SELECT ` + taskResultColumns + ` FROM task_results WHERE status = 'FAILURE'`
	if q.CriticalOnly {
		query += ` AND is_critical`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`
	rows, err := r.collect(ctx, query, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed task_results: %w", err)
	}
	return rows, nil
}

// Recent lists results created since the cutoff, optionally for one status
// or task name.
func (r *TaskResultRepo) Recent(ctx context.Context, since time.Time, q model.RecentTasksQuery) ([]*model.TaskResult, error) {
	query := `SELECT ` + taskResultColumns + ` FROM task_results WHERE created_at >= $1`
	args := []any{since.UTC()}
	if q.Status != nil {
		args = append(args, string(*q.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if q.Name != "" {
		args = append(args, string(q.Name))
		query += fmt.Sprintf(` AND task_name = $%d`, len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.collect(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent task_results: %w", err)
	}
	return rows, nil
}

// Cleanup deletes SUCCESS rows created before SuccessBefore and FAILURE rows
// created before FailureBefore. Other statuses are never touched. With a
// positive BatchSize rows are deleted in batches until none remain.
func (r *TaskResultRepo) Cleanup(ctx context.Context, p model.CleanupPolicy) (core.CleanupResult, error) {
	var res core.CleanupResult
	success, err := r.deleteBefore(ctx, model.TaskResultSuccess, p.SuccessBefore, p.BatchSize)
	if err != nil {
		return res, err
	}
	res.Success = success
	failure, err := r.deleteBefore(ctx, model.TaskResultFailure, p.FailureBefore, p.BatchSize)
	if err != nil {
		return res, err
	}
	res.Failure = failure
	return res, nil
}

func (r *TaskResultRepo) deleteBefore(ctx context.Context, status model.TaskResultStatus, cutoff time.Time, batchSize int) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	if batchSize <= 0 {
		res, err := r.DB.ExecContext(ctx,
			`DELETE FROM task_results WHERE status = $1 AND created_at < $2`, string(status), cutoff.UTC())
		if err != nil {
			return 0, fmt.Errorf("cleanup task_results: %w", err)
		}
		return res.RowsAffected()
	}

	var total int64
	for {
		res, err := r.DB.ExecContext(ctx, `
			DELETE FROM task_results
			WHERE task_id IN (
				SELECT task_id FROM task_results
				WHERE status = $1 AND created_at < $2
				ORDER BY created_at
				LIMIT $3
			)`, string(status), cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup task_results: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("cleanup rows affected: %w", err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// CleanupPreview counts the rows Cleanup would delete.
func (r *TaskResultRepo) CleanupPreview(ctx context.Context, p model.CleanupPolicy) (core.CleanupResult, error) {
	var res core.CleanupResult
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'SUCCESS' AND $1::timestamptz IS NOT NULL AND created_at < $1),
			count(*) FILTER (WHERE status = 'FAILURE' AND $2::timestamptz IS NOT NULL AND created_at < $2)
		FROM task_results
		WHERE status IN ('SUCCESS', 'FAILURE')`,
		nullTime(p.SuccessBefore), nullTime(p.FailureBefore)).Scan(&res.Success, &res.Failure)
	if err != nil {
		return res, fmt.Errorf("cleanup preview: %w", err)
	}
	return res, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// LiveTaskExists reports whether a PENDING, STARTED or RETRY result exists for
// the order under one of the given task names.
func (r *TaskResultRepo) LiveTaskExists(ctx context.Context, q core.LiveTaskQuery) (bool, error) {
	if strings.TrimSpace(q.OrderID) == "" {
		return false, ErrOrderIDRequired
	}
	names := make([]string, len(q.Names))
	for i, n := range q.Names {
		names[i] = string(n)
	}
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM task_results
			WHERE kwargs->>'order_id' = $1
			  AND status IN ('PENDING', 'STARTED', 'RETRY')
			  AND (cardinality($2::text[]) = 0 OR task_name = ANY($2::text[]))
		)`, q.OrderID, names).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("live task lookup: %w", err)
	}
	return exists, nil
}

// Ping checks the database connection.
func (r *TaskResultRepo) Ping(ctx context.Context) error {
	if r == nil || r.DB == nil {
		return ErrTaskResultsNotConfigured
	}
	return r.DB.PingContext(ctx)
}

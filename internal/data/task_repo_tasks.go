package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/data/pgxutil"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// SQL used by Reserve to atomically take the next due task of a queue.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM tasks
    WHERE queue = $1 AND state = 'pending' AND not_before <= $2
    ORDER BY not_before ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE tasks t
  SET
    state = 'running',
    started_at = $2,
    lease_expires_at = $3,
    updated_at = $2
  FROM cte
  WHERE t.id = cte.id
  RETURNING t.id, t.name, t.queue, t.state, t.args, t.kwargs, t.retry_count, t.max_retries,
            t.not_before, t.lease_expires_at, t.started_at, t.completed_at, t.last_error,
            t.created_at, t.updated_at`

const insertTaskSQL = `
  INSERT INTO tasks (name, queue, args, kwargs, max_retries, not_before)
  VALUES ($1, $2, $3, $4, $5, $6)
  RETURNING ` + taskColumns

// Enqueue inserts a pending task and wakes listeners on its queue.
func (r *TaskRepo) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	args, kwargs, err := req.EncodeArgs()
	if err != nil {
		return nil, err
	}

	notBefore := r.timeProvider.Now().UTC()
	if req.NotBefore != nil {
		notBefore = req.NotBefore.UTC()
	}

	var task *model.Task
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, insertTaskSQL,
				req.Name, req.Queue, []byte(args), []byte(kwargs), *req.MaxRetries, notBefore)
			if qerr != nil {
				return qerr
			}
			t, cerr := collectTaskFromRows(rows)
			rows.Close()
			if cerr != nil {
				return cerr
			}
			if _, nerr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, notifyChannel(req.Queue), t.ID); nerr != nil {
				return fmt.Errorf("send task notification: %w", nerr)
			}
			task = t
			return nil
		},
	})
	if txErr != nil {
		return nil, queueError("enqueue task", txErr)
	}
	return task, nil
}

// Advisory lock namespace for requeueExpired, one minor key per queue.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(queue string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(queue))
	return int64(h.Sum32() & uint32(math.MaxInt32))
}

// requeueExpired returns running tasks whose lease lapsed to pending.
func (r *TaskRepo) requeueExpired(ctx context.Context, queue string) (int64, error) {
	var requeued int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRequeueMajor, advisoryLockRequeueMinor(queue)).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET state = 'pending', lease_expires_at = NULL, updated_at = $2
				WHERE queue = $1 AND state = 'running'
				  AND lease_expires_at IS NOT NULL
				  AND lease_expires_at < $2
			`, queue, r.timeProvider.Now().UTC())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			requeued, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		r.logger.InfoContext(ctx, "requeued expired task leases", "queue", queue, "count", requeued)
	}
	return requeued, nil
}

// RequeueExpired sweeps every queue named for lapsed leases.
func (r *TaskRepo) RequeueExpired(ctx context.Context, queues ...string) (int64, error) {
	var total int64
	for _, q := range queues {
		n, err := r.requeueExpired(ctx, q)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Reserve leases the next due task on queue for leaseSeconds.
func (r *TaskRepo) Reserve(ctx context.Context, queue string, leaseSeconds int) (*model.Task, error) {
	if strings.TrimSpace(queue) == "" {
		return nil, errors.New("queue is required")
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}
	if _, err := r.requeueExpired(ctx, queue); err != nil {
		return nil, queueError("requeue expired tasks", err)
	}

	var task *model.Task
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			lease := now.Add(time.Duration(leaseSeconds) * time.Second)
			rows, qerr := tx.Query(ctx, reserveNextUpdateSQL, queue, now, lease)
			if qerr != nil {
				return qerr
			}
			defer rows.Close()
			t, cerr := collectTaskFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoTasksAvailable
			}
			if cerr != nil {
				return cerr
			}
			task = t
			return nil
		},
	})
	if errors.Is(err, model.ErrNoTasksAvailable) {
		return nil, model.ErrNoTasksAvailable
	}
	if err != nil {
		return nil, queueError("reserve task", err)
	}
	return task, nil
}

// Complete acknowledges a running task.
func (r *TaskRepo) Complete(ctx context.Context, taskID string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND state = 'running'
	`, taskID, now)
	return affected(res, err, "complete task")
}

// Retry puts a running task back to pending with a new retry count and due time.
// The update is refused once the count would exceed max_retries.
func (r *TaskRepo) Retry(ctx context.Context, p core.RetryTaskParams) (bool, error) {
	if strings.TrimSpace(p.TaskID) == "" {
		return false, ErrTaskIDRequired
	}
	now := r.timeProvider.Now().UTC()
	notBefore := p.NotBefore.UTC()
	if p.NotBefore.IsZero() {
		notBefore = now
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'pending',
		    retry_count = $2,
		    not_before = $3,
		    last_error = $4,
		    lease_expires_at = NULL,
		    updated_at = $5
		WHERE id = $1 AND state = 'running' AND $2 <= max_retries
	`, p.TaskID, p.RetryCount, notBefore, p.Error, now)
	return affected(res, err, "retry task")
}

// Fail acknowledges a task that will not be delivered again.
func (r *TaskRepo) Fail(ctx context.Context, taskID, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'failed',
		    last_error = $2,
		    completed_at = $3,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND state IN ('running', 'pending')
	`, taskID, errMsg, now)
	return affected(res, err, "fail task")
}

// Cancel revokes a task that no worker has reserved.
func (r *TaskRepo) Cancel(ctx context.Context, taskID string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'failed',
		    last_error = 'revoked',
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND state = 'pending'
	`, taskID, now)
	return affected(res, err, "cancel task")
}

func affected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, queueError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n > 0, nil
}

// Stats returns counts of tasks per state on one queue.
func (r *TaskRepo) Stats(ctx context.Context, queue string) (*model.TaskStats, error) {
	var s model.TaskStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE state = 'pending')   AS pending,
    count(*) FILTER (WHERE state = 'running')   AS running,
    count(*) FILTER (WHERE state = 'completed') AS completed,
    count(*) FILTER (WHERE state = 'failed')    AS failed
  FROM tasks
  WHERE queue = $1
  `, queue).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, queueError("task stats", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a task is enqueued on queue or ctx ends.
func (r *TaskRepo) WaitForNotification(ctx context.Context, queue string) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return queueError("get conn from pool", err)
	}
	defer func() { _ = conn.Close() }()

	channel := notifyChannel(queue)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID loads one task.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		task, err = collectTaskFromRows(rows)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func collectTaskFromRows(rows pgx.Rows) (*model.Task, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	task, err := scanTask(rows)
	if err != nil {
		return nil, err
	}
	return task, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (*model.Task, error) {
	var (
		t                                 model.Task
		args, kwargs                      []byte
		lastError                         sql.NullString
		leaseExpiresAt, startedAt, doneAt sql.NullTime
	)
	if err := scanner.Scan(
		&t.ID, &t.Name, &t.Queue, &t.State, &args, &kwargs,
		&t.RetryCount, &t.MaxRetries, &t.NotBefore,
		&leaseExpiresAt, &startedAt, &doneAt, &lastError,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Args = cloneJSON(args, `[]`)
	t.Kwargs = cloneJSON(kwargs, `{}`)
	t.LastError = nullableString(lastError)
	t.LeaseExpiresAt = nullableTime(leaseExpiresAt)
	t.StartedAt = nullableTime(startedAt)
	t.CompletedAt = nullableTime(doneAt)
	return &t, nil
}

func cloneJSON(raw []byte, empty string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(empty)
	}
	return append(json.RawMessage(nil), raw...)
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

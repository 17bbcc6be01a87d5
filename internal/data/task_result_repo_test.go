package data

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/testutil"
)

func transition(id string, status model.TaskResultStatus, at time.Time) *model.TaskTransition {
	return &model.TaskTransition{
		TaskID:     id,
		TaskName:   model.TaskFulfillOrder,
		QueueName:  model.QueuePublish,
		Status:     status,
		MaxRetries: 3,
		Kwargs:     []byte(`{"order_id":"order-` + id + `"}`),
		At:         at,
	}
}

func TestTaskResultRepo_UpsertLifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskResultRepo(db)
		ctx := context.Background()
		start := time.Now().UTC().Truncate(time.Millisecond)

		require.NoError(t, repo.Upsert(ctx, transition("t1", model.TaskResultPending, start)))
		got, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskResultPending, got.Status)
		assert.Nil(t, got.CompletedAt)

		started := transition("t1", model.TaskResultStarted, start.Add(time.Second))
		started.WorkerName = "worker-1"
		require.NoError(t, repo.Upsert(ctx, started))

		retry := transition("t1", model.TaskResultRetry, start.Add(2*time.Second))
		retry.RetryCount = 9
		retry.Error = "provider unreachable"
		require.NoError(t, repo.Upsert(ctx, retry))
		got, err = repo.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.RetryCount, "retry count is clamped to max_retries")
		assert.Nil(t, got.CompletedAt)
		require.NotNil(t, got.ErrorMessage)

		done := transition("t1", model.TaskResultSuccess, start.Add(5*time.Second))
		done.Result = []byte(`{"backlink_url":"https://p.example.org/post"}`)
		require.NoError(t, repo.Upsert(ctx, done))
		got, err = repo.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskResultSuccess, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.ErrorMessage)
		require.NotNil(t, got.WorkerName)
		assert.Equal(t, "worker-1", *got.WorkerName)
		d, ok := got.Duration()
		require.True(t, ok)
		assert.Equal(t, 4*time.Second, d)

		_, err = repo.Get(ctx, "missing")
		require.ErrorIs(t, err, model.ErrTaskResultNotFound)
	})
}

func TestTaskResultRepo_LatePendingKeepsTerminalStatus(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskResultRepo(db)
		ctx := context.Background()
		start := time.Now().UTC().Truncate(time.Millisecond)

		require.NoError(t, repo.Upsert(ctx, transition("fast", model.TaskResultStarted, start)))
		require.NoError(t, repo.Upsert(ctx, transition("fast", model.TaskResultSuccess, start.Add(time.Second))))

		late := transition("fast", model.TaskResultPending, start.Add(2*time.Second))
		late.Kwargs = []byte(`{"order_id":"order-fast","quantity":1}`)
		require.NoError(t, repo.Upsert(ctx, late))

		got, err := repo.Get(ctx, "fast")
		require.NoError(t, err)
		assert.Equal(t, model.TaskResultSuccess, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, start.Add(time.Second), *got.CompletedAt, time.Millisecond)
		assert.JSONEq(t, `{"order_id":"order-fast","quantity":1}`, string(got.Kwargs))

		live, err := repo.LiveTaskExists(ctx, core.LiveTaskQuery{
			Names: []model.TaskName{model.TaskFulfillOrder}, OrderID: "order-fast",
		})
		require.NoError(t, err)
		assert.False(t, live)
	})
}

func TestTaskResultRepo_StatisticsInputs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskResultRepo(db)
		ctx := context.Background()
		now := time.Now().UTC()

		for i := range 7 {
			id := fmt.Sprintf("ok-%d", i)
			require.NoError(t, repo.Upsert(ctx, transition(id, model.TaskResultStarted, now)))
			require.NoError(t, repo.Upsert(ctx, transition(id, model.TaskResultSuccess, now.Add(2*time.Second))))
		}
		for i := range 3 {
			require.NoError(t, repo.Upsert(ctx, transition(fmt.Sprintf("bad-%d", i), model.TaskResultFailure, now)))
		}

		rows, err := repo.StatusCounts(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		stats := model.BuildTaskStatistics(7, rows, 0)
		assert.Equal(t, 10, stats.Total)
		byName := stats.ByTaskName[model.TaskFulfillOrder]
		assert.Equal(t, 7, byName.Success)
		assert.Equal(t, 3, byName.Failure)
		assert.InDelta(t, 70.0, byName.SuccessRate, 0.001)

		avg, err := repo.AverageDuration(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.InDelta(t, 2.0, avg, 0.01)

		failed, err := repo.Failed(ctx, model.FailedTasksQuery{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, failed, 2)

		status := model.TaskResultSuccess
		recent, err := repo.Recent(ctx, now.Add(-time.Hour), model.RecentTasksQuery{Status: &status, Limit: 100})
		require.NoError(t, err)
		assert.Len(t, recent, 7)
	})
}

func TestTaskResultRepo_CleanupKeepsNonTerminal(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskResultRepo(db)
		ctx := context.Background()
		now := time.Now().UTC()
		old := now.Add(-40 * 24 * time.Hour)

		for id, status := range map[string]model.TaskResultStatus{
			"old-ok":      model.TaskResultSuccess,
			"old-bad":     model.TaskResultFailure,
			"old-pending": model.TaskResultPending,
			"new-ok":      model.TaskResultSuccess,
		} {
			require.NoError(t, repo.Upsert(ctx, transition(id, status, now)))
		}
		for _, id := range []string{"old-ok", "old-bad", "old-pending"} {
			testutil.SetTaskResultCreatedAt(t, db, id, old)
		}

		policy := model.CleanupPolicy{
			SuccessBefore: now.Add(-30 * 24 * time.Hour),
			FailureBefore: now.Add(-30 * 24 * time.Hour),
			BatchSize:     1,
		}
		preview, err := repo.CleanupPreview(ctx, policy)
		require.NoError(t, err)
		assert.Equal(t, core.CleanupResult{Success: 1, Failure: 1}, preview)

		res, err := repo.Cleanup(ctx, policy)
		require.NoError(t, err)
		assert.EqualValues(t, 2, res.Total())

		_, err = repo.Get(ctx, "old-pending")
		require.NoError(t, err, "pending rows survive cleanup")
		_, err = repo.Get(ctx, "new-ok")
		require.NoError(t, err)
		_, err = repo.Get(ctx, "old-ok")
		require.ErrorIs(t, err, model.ErrTaskResultNotFound)
	})
}

func TestTaskResultRepo_LiveTaskExists(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskResultRepo(db)
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, repo.Upsert(ctx, transition("a", model.TaskResultRetry, now)))
		require.NoError(t, repo.Upsert(ctx, transition("b", model.TaskResultSuccess, now)))

		q := core.LiveTaskQuery{Names: []model.TaskName{model.TaskFulfillOrder}, OrderID: "order-a"}
		live, err := repo.LiveTaskExists(ctx, q)
		require.NoError(t, err)
		assert.True(t, live)

		q.OrderID = "order-b"
		live, err = repo.LiveTaskExists(ctx, q)
		require.NoError(t, err)
		assert.False(t, live)

		_, err = repo.LiveTaskExists(ctx, core.LiveTaskQuery{})
		require.ErrorIs(t, err, ErrOrderIDRequired)
		require.NoError(t, repo.Ping(ctx))
	})
}

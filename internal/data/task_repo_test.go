package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/testutil"
)

func TestTaskRepo_EnqueueAppliesRouting(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskRepo(db, RepoConfig{})
		ctx := context.Background()

		task, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("order-1").Build())
		require.NoError(t, err)
		assert.Equal(t, model.QueuePublish, task.Queue)
		assert.Equal(t, model.TaskStatePending, task.State)
		assert.Equal(t, model.DefaultFulfillmentMaxRetries, task.MaxRetries)

		var kwargs map[string]any
		require.NoError(t, json.Unmarshal(task.Kwargs, &kwargs))
		assert.Equal(t, "order-1", kwargs["order_id"])

		note, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("order-1").
			WithName(model.TaskSendOrderNotification).Build())
		require.NoError(t, err)
		assert.Equal(t, model.QueueNotification, note.Queue)
		assert.Equal(t, model.DefaultSecondaryMaxRetries, note.MaxRetries)

		_, err = repo.Enqueue(ctx, &model.EnqueueRequest{Name: "unknown"})
		require.Error(t, err)
	})
}

func TestTaskRepo_ReserveRespectsQueueAndNotBefore(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(time.Now().UTC())
		repo := NewTaskRepo(db, RepoConfig{TimeProvider: clock})
		ctx := context.Background()

		_, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("later").
			WithNotBefore(clock.Now().Add(time.Hour)).Build())
		require.NoError(t, err)
		first, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("now").Build())
		require.NoError(t, err)

		_, err = repo.Reserve(ctx, model.QueueNotification, 30)
		require.ErrorIs(t, err, model.ErrNoTasksAvailable)

		got, err := repo.Reserve(ctx, model.QueuePublish, 30)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, model.TaskStateRunning, got.State)
		require.NotNil(t, got.LeaseExpiresAt)

		_, err = repo.Reserve(ctx, model.QueuePublish, 30)
		require.ErrorIs(t, err, model.ErrNoTasksAvailable)

		ok, err := repo.Complete(ctx, got.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Complete(ctx, got.ID)
		require.NoError(t, err)
		assert.False(t, ok, "a completed task cannot be completed twice")
	})
}

func TestTaskRepo_RetryIsBoundedByMaxRetries(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(time.Now().UTC())
		repo := NewTaskRepo(db, RepoConfig{TimeProvider: clock})
		ctx := context.Background()

		task, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("order-r").WithMaxRetries(1).Build())
		require.NoError(t, err)

		got, err := repo.Reserve(ctx, model.QueuePublish, 30)
		require.NoError(t, err)

		ok, err := repo.Retry(ctx, core.RetryTaskParams{
			TaskID:     got.ID,
			RetryCount: 1,
			NotBefore:  clock.Now().Add(time.Minute),
			Error:      "provider unreachable",
		})
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = repo.Reserve(ctx, model.QueuePublish, 30)
		require.ErrorIs(t, err, model.ErrNoTasksAvailable, "retry waits for its delay")

		clock.AddTime(2 * time.Minute)
		again, err := repo.Reserve(ctx, model.QueuePublish, 30)
		require.NoError(t, err)
		assert.Equal(t, task.ID, again.ID)
		assert.Equal(t, 1, again.RetryCount)

		ok, err = repo.Retry(ctx, core.RetryTaskParams{TaskID: again.ID, RetryCount: 2})
		require.NoError(t, err)
		assert.False(t, ok, "retry beyond max_retries is refused")

		ok, err = repo.Fail(ctx, again.ID, "exhausted")
		require.NoError(t, err)
		assert.True(t, ok)

		stored, err := repo.GetByID(ctx, again.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStateFailed, stored.State)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "exhausted", *stored.LastError)
	})
}

func TestTaskRepo_ExpiredLeaseIsRedelivered(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(time.Now().UTC())
		repo := NewTaskRepo(db, RepoConfig{TimeProvider: clock})
		ctx := context.Background()

		task, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("order-l").Build())
		require.NoError(t, err)
		_, err = repo.Reserve(ctx, model.QueuePublish, 10)
		require.NoError(t, err)

		clock.AddTime(11 * time.Second)
		again, err := repo.Reserve(ctx, model.QueuePublish, 10)
		require.NoError(t, err)
		assert.Equal(t, task.ID, again.ID)
	})
}

func TestTaskRepo_CancelOnlyPending(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskRepo(db, RepoConfig{})
		ctx := context.Background()

		pending, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("order-c").Build())
		require.NoError(t, err)
		ok, err := repo.Cancel(ctx, pending.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = repo.Enqueue(ctx, testutil.NewEnqueueRequest("order-d").Build())
		require.NoError(t, err)
		running, err := repo.Reserve(ctx, model.QueuePublish, 30)
		require.NoError(t, err)
		ok, err = repo.Cancel(ctx, running.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		stats, err := repo.Stats(ctx, model.QueuePublish)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStats{Running: 1, Failed: 1}, *stats)
	})
}

func TestTaskRepo_WaitForNotification(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskRepo(db, RepoConfig{})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- repo.WaitForNotification(ctx, model.QueueMaintenance) }()

		// Give LISTEN a moment to register before the NOTIFY fires.
		time.Sleep(200 * time.Millisecond)
		_, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("").
			WithName(model.TaskCheckProviderHealth).Build())
		require.NoError(t, err)

		select {
		case waitErr := <-done:
			require.NoError(t, waitErr)
		case <-ctx.Done():
			t.Fatal("notification not received")
		}
	})
}

func TestTaskRepo_Reaper(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(time.Now().UTC())
		repo := NewTaskRepo(db, RepoConfig{TimeProvider: clock})
		ctx := context.Background()

		_, err := repo.Enqueue(ctx, testutil.NewEnqueueRequest("order-s").Build())
		require.NoError(t, err)

		clock.AddTime(2 * time.Hour)
		n, err := repo.FailStalePendingTasks(ctx, time.Hour, 10)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		clock.AddTime(48 * time.Hour)
		n, err = repo.DeleteOldTasks(ctx, core.DeleteOldTasksParams{
			State: model.TaskStateFailed, MaxAge: 24 * time.Hour, BatchSize: 10,
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = repo.DeleteOldTasks(ctx, core.DeleteOldTasksParams{State: "bogus", BatchSize: 1})
		require.Error(t, err)
	})
}

func TestTaskRepo_FailStaleProcessingOrders(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		now := time.Now().UTC()
		repo := NewTaskRepo(db, RepoConfig{TimeProvider: NewFixedTimeProvider(now)})
		orders := NewOrderRepo(db, nil)
		ctx := context.Background()

		fixture := testutil.DefaultOrderFixture()
		fixture.Status = model.OrderProcessing
		stale := testutil.InsertOrder(t, db, fixture)
		fresh := testutil.InsertOrder(t, db, fixture)
		testutil.SetOrderUpdatedAt(t, db, stale, now.Add(-2*time.Hour))

		n, err := repo.FailStaleProcessingOrders(ctx, core.FailStaleOrdersParams{
			MaxAge: time.Hour, BatchSize: 10, Reason: "fulfillment attempt abandoned",
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := orders.GetByID(ctx, stale)
		require.NoError(t, err)
		assert.Equal(t, model.OrderFailed, got.Status)
		assert.Equal(t, "fulfillment attempt abandoned", got.Metadata.FailureReason)
		assert.True(t, got.Metadata.Retryable)
		assert.NotNil(t, got.Metadata.FailedAt)
		assert.Equal(t, fixture.Metadata.Keyword, got.Metadata.Keyword)

		untouched, err := orders.GetByID(ctx, fresh)
		require.NoError(t, err)
		assert.Equal(t, model.OrderProcessing, untouched.Status)
	})
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/placement-fulfillment/internal/domain/model"
	domaintask "github.com/target/placement-fulfillment/internal/domain/task"
	"github.com/target/placement-fulfillment/internal/observability/notify"
	"github.com/target/placement-fulfillment/internal/service/failurenotifier"
)

type stubTaskNotifier struct {
	subscribed []string
	stopped    bool
}

func (s *stubTaskNotifier) Subscribe(queue string) (func(), <-chan struct{}) {
	s.subscribed = append(s.subscribed, queue)
	ch := make(chan struct{})
	return func() { close(ch) }, ch
}

func (s *stubTaskNotifier) StopAll() { s.stopped = true }

var _ domaintask.Notifier = (*stubTaskNotifier)(nil)

func newTestTaskQueue(t *testing.T, broker *fakeBroker, tracker *recordingTracker) *TaskQueue {
	t.Helper()
	opts := TaskQueueOptions{
		Broker:       broker,
		DefaultLease: 30 * time.Second,
		Notifier:     &stubTaskNotifier{},
	}
	if tracker != nil {
		opts.Tracker = tracker
	}
	return MustNewTaskQueue(opts)
}

func TestNewTaskQueue(t *testing.T) {
	_, err := NewTaskQueue(TaskQueueOptions{})
	require.Error(t, err)

	_, err = NewTaskQueue(TaskQueueOptions{Broker: newFakeBroker()})
	require.ErrorIs(t, err, domaintask.ErrInvalidDefaultLease)

	q, err := NewTaskQueue(TaskQueueOptions{Broker: newFakeBroker(), DefaultLease: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, q.Lease(model.QueuePublish))
	q.StopAllListeners()
}

func TestTaskQueueEnqueueRoutesAndTracks(t *testing.T) {
	broker := newFakeBroker()
	tracker := &recordingTracker{}
	q := newTestTaskQueue(t, broker, tracker)

	id, err := q.Enqueue(context.Background(), model.EnqueueRequest{
		Name:   model.TaskSendOrderNotification,
		Kwargs: map[string]any{"order_id": "o-1"},
	})
	require.NoError(t, err)

	task := broker.tasks[id]
	require.NotNil(t, task)
	assert.Equal(t, model.QueueNotification, task.Queue)
	assert.Equal(t, model.DefaultSecondaryMaxRetries, task.MaxRetries)
	assert.Equal(t, []string{"pending:" + id}, tracker.snapshot())
}

func TestTaskQueueEnqueueRejectsUnknownName(t *testing.T) {
	q := newTestTaskQueue(t, newFakeBroker(), nil)
	_, err := q.Enqueue(context.Background(), model.EnqueueRequest{Name: "nope"})
	require.Error(t, err)
}

func TestTaskQueueEnqueueTimeoutIsQueueUnavailable(t *testing.T) {
	broker := newFakeBroker()
	broker.enqueueFn = func(ctx context.Context, _ *model.EnqueueRequest) (*model.Task, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	q := MustNewTaskQueue(TaskQueueOptions{
		Broker:         broker,
		DefaultLease:   time.Second,
		EnqueueTimeout: 20 * time.Millisecond,
		Notifier:       &stubTaskNotifier{},
	})

	start := time.Now()
	_, err := q.Enqueue(context.Background(), model.EnqueueRequest{Name: model.TaskFulfillOrder})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrQueueUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTaskQueueEnqueuePassesThroughQueueUnavailable(t *testing.T) {
	broker := newFakeBroker()
	broker.enqueueFn = func(context.Context, *model.EnqueueRequest) (*model.Task, error) {
		return nil, model.ErrQueueUnavailable
	}
	q := newTestTaskQueue(t, broker, nil)

	_, err := q.Enqueue(context.Background(), model.EnqueueRequest{Name: model.TaskFulfillOrder})
	assert.ErrorIs(t, err, model.ErrQueueUnavailable)
}

func TestTaskQueueReserveCompleteRetry(t *testing.T) {
	broker := newFakeBroker()
	q := newTestTaskQueue(t, broker, nil)
	ctx := context.Background()

	_, err := q.Reserve(ctx, model.QueuePublish, 0)
	require.ErrorIs(t, err, model.ErrNoTasksAvailable)

	id, err := q.Enqueue(ctx, model.EnqueueRequest{Name: model.TaskFulfillOrder})
	require.NoError(t, err)

	task, err := q.Reserve(ctx, model.QueuePublish, 0)
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)

	ok, err := q.Retry(ctx, task, 1, time.Minute, errBoom)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, broker.retries, 1)
	assert.Equal(t, "boom", broker.retries[0].Error)
	assert.WithinDuration(t, time.Now().Add(time.Minute), broker.retries[0].NotBefore, 5*time.Second)

	_, err = q.Reserve(ctx, model.QueuePublish, 0)
	require.ErrorIs(t, err, model.ErrNoTasksAvailable, "retry must wait for not_before")

	ok, err = q.Complete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "pending task cannot be completed")
}

func TestTaskQueueFailNotifies(t *testing.T) {
	broker := newFakeBroker()
	var got []notify.TaskFailurePayload
	fn := failurenotifier.NewService(failurenotifier.Options{Sinks: []failurenotifier.SinkRegistration{{
		Name: "capture",
		Sink: notify.SinkFunc(func(_ context.Context, p notify.TaskFailurePayload) error {
			got = append(got, p)
			return nil
		}),
	}}})
	q := MustNewTaskQueue(TaskQueueOptions{
		Broker:          broker,
		DefaultLease:    time.Second,
		Notifier:        &stubTaskNotifier{},
		FailureNotifier: fn,
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, model.EnqueueRequest{Name: model.TaskFulfillOrder, Kwargs: map[string]any{"order_id": "o-7"}})
	require.NoError(t, err)
	task, err := q.Reserve(ctx, model.QueuePublish, 0)
	require.NoError(t, err)

	_, err = q.Fail(ctx, task, "", TaskFailureDetails{})
	require.Error(t, err)

	ok, err := q.Fail(ctx, task, "exhausted", TaskFailureDetails{ErrorClass: "transient"})
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, got, 1)
	assert.Equal(t, "o-7", got[0].OrderID)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, "transient", got[0].Metadata["error_class"])
	assert.Equal(t, "3", got[0].Metadata["max_retries"])
}

func TestTaskQueueCancelTracksRevoked(t *testing.T) {
	broker := newFakeBroker()
	tracker := &recordingTracker{}
	q := newTestTaskQueue(t, broker, tracker)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.EnqueueRequest{Name: model.TaskFulfillOrder})
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"pending:" + id, "revoked:" + id}, tracker.snapshot())

	stats, err := q.Stats(ctx, model.QueuePublish)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestTaskQueueSubscribeUsesNotifier(t *testing.T) {
	n := &stubTaskNotifier{}
	q := MustNewTaskQueue(TaskQueueOptions{Broker: newFakeBroker(), DefaultLease: time.Second, Notifier: n})

	unsub, ch := q.Subscribe(model.QueueNotification)
	unsub()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, []string{model.QueueNotification}, n.subscribed)

	q.StopAllListeners()
	assert.True(t, n.stopped)
}

func TestOrderIDOf(t *testing.T) {
	assert.Empty(t, orderIDOf(nil))
	assert.Empty(t, orderIDOf(&model.Task{Kwargs: []byte(`not json`)}))
	assert.Equal(t, "o-1", orderIDOf(&model.Task{Kwargs: []byte(`{"order_id":"o-1"}`)}))
}

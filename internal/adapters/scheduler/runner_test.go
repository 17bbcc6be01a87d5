package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	names []model.TaskName
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req model.EnqueueRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, req.Name)
	return "task-1", nil
}

type countSink struct {
	mu     sync.Mutex
	counts map[string][]map[string]string
}

func (s *countSink) Count(name string, _ int64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string][]map[string]string{}
	}
	s.counts[name] = append(s.counts[name], tags)
}
func (s *countSink) Gauge(string, float64, map[string]string)        {}
func (s *countSink) Timing(string, time.Duration, map[string]string) {}

func testConfig() config.PeriodicConfig {
	return config.PeriodicConfig{
		ProviderHealthInterval: time.Hour,
		CleanupInterval:        24 * time.Hour,
		RequeueStaleInterval:   10 * time.Minute,
	}
}

func TestNewRunnerRequiresEnqueuer(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: testConfig()})
	require.Error(t, err)
}

func TestFireNowEnqueuesAndCounts(t *testing.T) {
	enq := &fakeEnqueuer{}
	sink := &countSink{}
	r, err := NewRunner(RunnerOptions{Enqueuer: enq, Config: testConfig(), Metrics: sink})
	require.NoError(t, err)

	fired, err := r.FireNow(context.Background(), model.TaskCheckProviderHealth)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, []model.TaskName{model.TaskCheckProviderHealth}, enq.names)

	require.Len(t, sink.counts["scheduler.tick"], 1)
	assert.Equal(t, "success", sink.counts["scheduler.tick"][0]["result"])
	assert.Equal(t, "check_provider_health", sink.counts["scheduler.tick"][0]["task_name"])
}

func TestFireNowRejectsUnknownTask(t *testing.T) {
	r, err := NewRunner(RunnerOptions{Enqueuer: &fakeEnqueuer{}, Config: testConfig()})
	require.NoError(t, err)

	_, err = r.FireNow(context.Background(), model.TaskFulfillOrder)
	require.Error(t, err)
}

func TestFireNowTagsEnqueueErrors(t *testing.T) {
	sink := &countSink{}
	enq := &fakeEnqueuer{err: errors.New("broker down")}
	r, err := NewRunner(RunnerOptions{Enqueuer: enq, Config: testConfig(), Metrics: sink})
	require.NoError(t, err)

	_, err = r.FireNow(context.Background(), model.TaskRequeueStaleOrders)
	require.Error(t, err)
	require.Len(t, sink.counts["scheduler.tick"], 1)
	assert.Equal(t, "error", sink.counts["scheduler.tick"][0]["result"])
}

func TestRunStopsOnCancel(t *testing.T) {
	r, err := NewRunner(RunnerOptions{Enqueuer: &fakeEnqueuer{}, Config: testConfig()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

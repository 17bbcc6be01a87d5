package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
)

type countingRepo struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRepo) FailStalePendingTasks(context.Context, time.Duration, int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0, nil
}

func (r *countingRepo) DeleteOldTasks(context.Context, core.DeleteOldTasksParams) (int64, error) {
	return 0, nil
}

func (r *countingRepo) FailStaleProcessingOrders(context.Context, core.FailStaleOrdersParams) (int64, error) {
	return 0, nil
}

func (r *countingRepo) passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingRequeuer struct {
	mu     sync.Mutex
	queues []string
}

func (q *countingRequeuer) RequeueExpired(_ context.Context, queues ...string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = append(q.queues, queues...)
	return 0, nil
}

func testConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:           50 * time.Millisecond,
		PendingMaxAge:      time.Hour,
		CompletedMaxAge:    time.Hour,
		FailedMaxAge:       time.Hour,
		StaleProcessingAge: time.Hour,
		BatchSize:          10,
	}
}

func TestNewRunnerRequiresStorage(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: testConfig()})
	require.Error(t, err)
}

func TestNewRunnerRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := NewRunner(RunnerOptions{Config: cfg, Repo: &countingRepo{}})
	require.Error(t, err)
}

func TestRunnerRunsInitialPassAndStops(t *testing.T) {
	repo := &countingRepo{}
	requeuer := &countingRequeuer{}
	r, err := NewRunner(RunnerOptions{
		Config:   testConfig(),
		Repo:     repo,
		Requeuer: requeuer,
		Queues:   []string{"publish"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return repo.passes() > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	requeuer.mu.Lock()
	defer requeuer.mu.Unlock()
	assert.Contains(t, requeuer.queues, "publish")
}

package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus-core/pkg/config"
)

func testConfig() *config.QueueConfig {
	return &config.QueueConfig{
		MaxConcurrent:           1,
		MaxDepth:                10,
		TaskTTL:                 time.Minute,
		HealthInterval:          time.Hour,
		GracefulShutdownTimeout: 2 * time.Second,
	}
}

func startQueue(t *testing.T, cfg *config.QueueConfig) *Queue {
	t.Helper()
	q := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	t.Cleanup(q.Stop)
	return q
}

func TestFIFOOrder(t *testing.T) {
	q := startQueue(t, testConfig())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, q.Enqueue(fmt.Sprintf("task-%d", i), 0, func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}, nil))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "single dispatcher must preserve admission order")
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepth = 2
	q := New(cfg, nil) // not started: nothing drains

	require.NoError(t, q.Enqueue("a", 0, func(context.Context) {}, nil))
	require.NoError(t, q.Enqueue("b", 0, func(context.Context) {}, nil))

	err := q.Enqueue("c", 0, func(context.Context) {}, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Depth())
}

func TestEnqueueRejectsUnderMemoryPressure(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryWatermarkBytes = 1 // any live heap exceeds this
	q := New(cfg, nil)

	err := q.Enqueue("a", 0, func(context.Context) {}, nil)
	assert.ErrorIs(t, err, ErrMemoryPressure)
}

func TestTaskContextCarriesDeadline(t *testing.T) {
	q := startQueue(t, testConfig())

	got := make(chan error, 1)
	require.NoError(t, q.Enqueue("deadline", 10*time.Millisecond, func(ctx context.Context) {
		<-ctx.Done()
		got <- ctx.Err()
	}, nil))

	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task deadline never fired")
	}
}

func TestCancelWaitingTask(t *testing.T) {
	q := New(testConfig(), nil) // not started, so the task stays waiting

	require.NoError(t, q.Enqueue("waiting", 0, func(context.Context) {
		t.Error("cancelled task must not run")
	}, nil))
	require.NoError(t, q.Cancel("waiting"))
	assert.Zero(t, q.Depth())

	assert.ErrorIs(t, q.Cancel("waiting"), ErrUnknownTask)
}

func TestCancelRunningTask(t *testing.T) {
	q := startQueue(t, testConfig())

	started := make(chan struct{})
	stopped := make(chan error, 1)
	require.NoError(t, q.Enqueue("running", 0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
	}, nil))

	<-started
	require.NoError(t, q.Cancel("running"))

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("running task not cancelled")
	}
}

func TestEvictExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTTL = 10 * time.Millisecond
	q := New(cfg, nil) // not started: items age in place

	expired := make(chan error, 1)
	require.NoError(t, q.Enqueue("stale", 0, func(context.Context) {
		t.Error("expired task must not run")
	}, func(err error) { expired <- err }))

	q.evictExpired(time.Now().Add(time.Second))

	select {
	case err := <-expired:
		assert.ErrorIs(t, err, ErrQueueExpired)
	default:
		t.Fatal("onExpired not invoked")
	}
	assert.Zero(t, q.Depth())
}

func TestEvictExpiredKeepsFreshTasks(t *testing.T) {
	q := New(testConfig(), nil)
	require.NoError(t, q.Enqueue("fresh", 0, func(context.Context) {}, func(error) {
		t.Error("fresh task must not expire")
	}))

	q.evictExpired(time.Now())
	assert.Equal(t, 1, q.Depth())
}

func TestStopRejectsNewWork(t *testing.T) {
	q := New(testConfig(), nil)
	q.Start(context.Background())
	q.Stop()

	err := q.Enqueue("late", 0, func(context.Context) {}, nil)
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestConcurrentDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 4
	q := startQueue(t, cfg)

	var wg sync.WaitGroup
	gate := make(chan struct{})
	var running sync.WaitGroup
	running.Add(3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, q.Enqueue(fmt.Sprintf("p-%d", i), 0, func(context.Context) {
			running.Done()
			<-gate
			wg.Done()
		}, nil))
	}

	// All three must be in flight simultaneously.
	done := make(chan struct{})
	go func() { running.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run concurrently")
	}
	assert.Equal(t, 3, q.Running())
	close(gate)
	wg.Wait()
}

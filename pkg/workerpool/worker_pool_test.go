package workerpool

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSubmitTaskRoutesSeriesThroughAWorker(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 2, QueueSize: 4}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	done := make(chan string, 1)
	err := pool.SubmitTask(Task{
		ID: "1.2.840.113619.2.55.series-1",
		Execute: func(ctx context.Context) error {
			done <- "routed"
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case result := <-done:
		assert.Equal(t, "routed", result)
	case <-time.After(time.Second):
		t.Fatal("series was not routed within timeout")
	}

	stats := pool.GetStats()
	assert.Equal(t, int64(1), stats.TotalTasks)
}

func TestSubmitTaskReturnsErrQueueFullWhenSaturated(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker so the queue backs up.
	require.NoError(t, pool.SubmitTask(Task{
		ID: "series-blocking",
		Execute: func(ctx context.Context) error {
			<-block
			return nil
		},
	}))

	// Fill the one queue slot.
	require.NoError(t, pool.SubmitTask(Task{
		ID:      "series-queued",
		Execute: func(ctx context.Context) error { return nil },
	}))

	// A third submission should be rejected rather than block the watcher.
	err := pool.SubmitTask(Task{
		ID:      "series-overflow",
		Execute: func(ctx context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSubmitTaskBeforeStartReturnsErrPoolNotRunning(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1}, testLogger())

	err := pool.SubmitTask(Task{ID: "series-1", Execute: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolNotRunning)
}

func TestSubmitTaskWithTimeoutReturnsErrTimeoutWhenQueueStaysFull(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)

	require.NoError(t, pool.SubmitTask(Task{
		ID:      "series-blocking",
		Execute: func(ctx context.Context) error { <-block; return nil },
	}))
	require.NoError(t, pool.SubmitTask(Task{
		ID:      "series-queued",
		Execute: func(ctx context.Context) error { return nil },
	}))

	err := pool.SubmitTaskWithTimeout(Task{
		ID:      "series-overflow",
		Execute: func(ctx context.Context) error { return nil },
	}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecuteTaskCountsFailuresAndSuccesses(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 2, QueueSize: 4}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	var completed, failed int32
	seriesErr := errors.New("tag document missing StudyInstanceUID")

	require.NoError(t, pool.SubmitTask(Task{
		ID: "series-ok",
		Execute: func(ctx context.Context) error {
			atomic.AddInt32(&completed, 1)
			return nil
		},
	}))
	require.NoError(t, pool.SubmitTask(Task{
		ID: "series-bad-tags",
		Execute: func(ctx context.Context) error {
			atomic.AddInt32(&failed, 1)
			return seriesErr
		},
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&completed) == 1 && atomic.LoadInt32(&failed) == 1
	}, time.Second, 10*time.Millisecond)

	stats := pool.GetStats()
	assert.Equal(t, int64(1), stats.CompletedTasks)
	assert.Equal(t, int64(1), stats.FailedTasks)
}

func TestExecuteTaskRespectsWorkerTimeout(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1, WorkerTimeout: 20 * time.Millisecond}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	ctxErr := make(chan error, 1)
	require.NoError(t, pool.SubmitTask(Task{
		ID: "series-slow-stager",
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			ctxErr <- ctx.Err()
			return ctx.Err()
		},
	}))

	select {
	case err := <-ctxErr:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task did not observe its per-task timeout")
	}
}

func TestStopIsIdempotentAndDrainsRunningTasks(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1, ShutdownTimeout: time.Second}, testLogger())
	require.NoError(t, pool.Start())

	var ran int32
	require.NoError(t, pool.SubmitTask(Task{
		ID: "series-final",
		Execute: func(ctx context.Context) error {
			atomic.StoreInt32(&ran, 1)
			return nil
		},
	}))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Stop())
	require.NoError(t, pool.Stop(), "a second Stop should be a no-op, not an error")

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

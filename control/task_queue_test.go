package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-beamctl/logger"
)

func TestTaskQueue_FIFO(t *testing.T) {
	require := require.New(t)

	q := NewTaskQueue(DefaultTaskQueueLimit, logger.GetLogger(), nil)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)

	results := make([]<-chan TaskResult, 0, 20)
	for i := range 20 {
		results = append(results, q.AddTask(context.Background(), "task", func(context.Context) (any, error) {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)

			time.Sleep(time.Millisecond)

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			return i, nil
		}))
	}

	for i, ch := range results {
		r := <-ch
		require.NoError(r.Err)
		require.Equal(i, r.Value)
	}

	require.False(overlap.Load(), "tasks must never overlap")
	for i, v := range order {
		require.Equal(i, v)
	}
	require.Eventually(func() bool { return !q.IsProcessing() }, time.Second, time.Millisecond)
}

func TestTaskQueue_SlowTaskSettlesFirst(t *testing.T) {
	require := require.New(t)

	q := NewTaskQueue(DefaultTaskQueueLimit, logger.GetLogger(), nil)

	var (
		mu      sync.Mutex
		settled []string
	)

	chA := q.AddTask(context.Background(), "A", func(context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return "a", nil
	})
	chB := q.AddTask(context.Background(), "B", func(context.Context) (any, error) {
		return "b", nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	for _, ch := range []<-chan TaskResult{chA, chB} {
		go func() {
			defer wg.Done()
			r := <-ch
			mu.Lock()
			settled = append(settled, r.Value.(string))
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal([]string{"a", "b"}, settled)
}

func TestTaskQueue_ErrorDoesNotStopQueue(t *testing.T) {
	require := require.New(t)

	q := NewTaskQueue(DefaultTaskQueueLimit, logger.GetLogger(), nil)

	_, err := q.Do(context.Background(), "fail", func(context.Context) (any, error) {
		return nil, errBoom
	})
	require.ErrorIs(err, errBoom)

	_, err = q.Do(context.Background(), "panic", func(context.Context) (any, error) {
		panic("unexpected")
	})
	require.ErrorContains(err, "panicked")

	val, err := q.Do(context.Background(), "ok", func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(err)
	require.Equal(42, val)
}

func TestTaskQueue_Overflow(t *testing.T) {
	require := require.New(t)

	metrics := &SessionMetrics{}
	limit := 3
	q := NewTaskQueue(limit, logger.GetLogger(), metrics)

	release := make(chan struct{})
	started := make(chan struct{})
	inflight := q.AddTask(context.Background(), "blocker", func(context.Context) (any, error) {
		close(started)
		<-release
		return "blocker", nil
	})
	<-started

	backlog := make([]<-chan TaskResult, 0, limit+1)
	for range limit + 1 {
		backlog = append(backlog, q.AddTask(context.Background(), "backlog", func(context.Context) (any, error) {
			return "backlog", nil
		}))
	}
	require.Equal(limit+1, q.Length())

	last := q.AddTask(context.Background(), "last", func(context.Context) (any, error) {
		return "last", nil
	})
	require.Equal(1, q.Length())

	for _, ch := range backlog {
		r := <-ch
		require.ErrorIs(r.Err, ErrTaskQueueOverflow)
	}
	require.Equal(uint64(limit+1), metrics.TaskDropCount.Load())

	close(release)

	r := <-inflight
	require.NoError(r.Err)
	require.Equal("blocker", r.Value)

	r = <-last
	require.NoError(r.Err)
	require.Equal("last", r.Value)
}

func TestTaskQueue_SkipCanceledTask(t *testing.T) {
	assert := assert.New(t)

	q := NewTaskQueue(DefaultTaskQueueLimit, logger.GetLogger(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := q.AddTask(context.Background(), "blocker", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var called atomic.Bool
	skipped := q.AddTask(ctx, "canceled", func(context.Context) (any, error) {
		called.Store(true)
		return nil, nil
	})
	cancel()
	close(release)

	<-blocker
	r := <-skipped
	assert.True(errors.Is(r.Err, context.Canceled))
	assert.False(called.Load())
}

func TestTaskQueue_DoContextDone(t *testing.T) {
	require := require.New(t)

	q := NewTaskQueue(DefaultTaskQueueLimit, logger.GetLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Do(ctx, "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(err, context.DeadlineExceeded)
}

package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/arloliu/go-beamctl/internal/queue"
	"github.com/arloliu/go-beamctl/logger"
)

// TaskFunc is an operation scheduled on a TaskQueue.
type TaskFunc func(ctx context.Context) (any, error)

// TaskResult is the settled outcome of a queued task.
type TaskResult struct {
	Value any
	Err   error
}

type task struct {
	name   string
	ctx    context.Context
	fn     TaskFunc
	result chan TaskResult
}

func (t *task) settle(val any, err error) {
	t.result <- TaskResult{Value: val, Err: err}
}

// TaskQueue serializes operations: exactly one task executes at a time, in arrival order.
//
// When a task is added while more than limit tasks are waiting, the whole backlog is
// dropped and every dropped task settles with ErrTaskQueueOverflow. The task that is
// currently executing is not interrupted and the new task is queued behind it.
type TaskQueue struct {
	mu         sync.Mutex
	pending    queue.Queue[*task]
	processing bool
	limit      int
	logger     logger.Logger
	metrics    *SessionMetrics
}

// NewTaskQueue creates a TaskQueue with the given backlog bound.
//
// metrics may be nil.
func NewTaskQueue(limit int, l logger.Logger, metrics *SessionMetrics) *TaskQueue {
	if limit < 1 {
		limit = DefaultTaskQueueLimit
	}
	if l == nil {
		l = logger.GetLogger()
	}
	if metrics == nil {
		metrics = &SessionMetrics{}
	}

	return &TaskQueue{
		pending: queue.NewSliceQueue[*task](limit + 1),
		limit:   limit,
		logger:  l,
		metrics: metrics,
	}
}

// AddTask enqueues fn and returns a channel that receives its result exactly once.
//
// If the queue is idle the task starts immediately.
func (q *TaskQueue) AddTask(ctx context.Context, name string, fn TaskFunc) <-chan TaskResult {
	t := &task{
		name:   name,
		ctx:    ctx,
		fn:     fn,
		result: make(chan TaskResult, 1),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Length() > q.limit {
		dropped := q.pending.Drain()
		q.metrics.addTaskDropCount(len(dropped))
		q.logger.Error("task queue overflow, dropping backlog", "dropped", len(dropped), "limit", q.limit)

		for _, d := range dropped {
			d.settle(nil, ErrTaskQueueOverflow)
		}
	}

	q.pending.Enqueue(t)

	if !q.processing {
		q.processing = true
		go q.process()
	}

	return t.result
}

// Do enqueues fn and waits for its result or for ctx to be done.
//
// When ctx is done first the task is abandoned: it is skipped if it has not started yet,
// otherwise it observes the same ctx.
func (q *TaskQueue) Do(ctx context.Context, name string, fn TaskFunc) (any, error) {
	resultCh := q.AddTask(ctx, name, fn)

	select {
	case r := <-resultCh:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Length returns the number of tasks waiting to execute.
func (q *TaskQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pending.Length()
}

// IsProcessing reports whether a task is executing or about to.
func (q *TaskQueue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.processing
}

func (q *TaskQueue) process() {
	for {
		q.mu.Lock()
		t, ok := q.pending.Dequeue()
		if !ok {
			q.processing = false
			q.mu.Unlock()

			return
		}
		q.mu.Unlock()

		q.run(t)
	}
}

func (q *TaskQueue) run(t *task) {
	if err := t.ctx.Err(); err != nil {
		q.logger.Debug("skip abandoned task", "task", t.name, "error", err)
		t.settle(nil, err)

		return
	}

	q.metrics.incTaskInflightCount()
	defer q.metrics.decTaskInflightCount()

	val, err := q.callWithRecover(t)
	if err != nil {
		q.logger.Debug("task failed", "task", t.name, "error", err)
	}
	t.settle(val, err)
}

// callWithRecover calls the task with panic protection
func (q *TaskQueue) callWithRecover(t *task) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in task", "task", t.name, "panic", r)
			err = fmt.Errorf("control: task %s panicked: %v", t.name, r)
		}
	}()

	return t.fn(t.ctx)
}

// Package taskmgr manages the goroutines of a transport: read loops, keep-alive
// intervals and their cancellation.
package taskmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-beamctl/logger"
)

// TaskFunc is run repeatedly by the TaskManager. It returns false to stop its goroutine.
type TaskFunc func() bool

// TaskCancelFunc is called once when the goroutine of a task exits.
type TaskCancelFunc func()

// TaskManager starts, stops and waits for the goroutines of one connection.
//
// Stop cancels every task; Wait blocks until they all returned and re-arms the
// manager so it can be reused for the next connection.
//
//	mgr := taskmgr.New(ctx, logger)
//	_ = mgr.Start("reader", func() bool { return readOnce() }, nil)
//	_, _ = mgr.StartInterval("ping", ping, 30*time.Second, false)
//	...
//	mgr.Stop()
//	mgr.Wait()
type TaskManager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map // map[string]*time.Ticker

	mu     sync.RWMutex // protects ctx and cancel
	taskMu sync.RWMutex // blocks task creation during Wait
}

// New creates a TaskManager whose tasks are cancelled with ctx.
func New(ctx context.Context, l logger.Logger) *TaskManager {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context of the current generation of tasks.
func (mgr *TaskManager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start runs taskFunc in a loop on a new goroutine until it returns false or the
// manager stops. cancelFunc, when given, runs when the goroutine exits.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc, cancelFunc TaskCancelFunc) error {
	mgr.logger.Debug("start task", "name", name)

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("taskmgr: manager stopped, cannot start %s", name)
	}

	mgr.spawn(name, func() {
		if cancelFunc != nil {
			defer cancelFunc()
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})

	return nil
}

// StartInterval runs taskFunc every interval until it returns false or the manager
// stops. With runNow the first run happens before StartInterval returns.
func (mgr *TaskManager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration, runNow bool) (*time.Ticker, error) {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return nil, fmt.Errorf("taskmgr: invalid interval %v", interval)
	}

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("taskmgr: manager stopped, cannot start %s", name)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return nil, fmt.Errorf("taskmgr: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.CompareAndDelete(name, ticker)
	}

	if runNow && !mgr.callWithRecover(name, taskFunc) {
		cleanup()
		return ticker, nil
	}

	mgr.spawn(name, func() {
		defer cleanup()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})

	return ticker, nil
}

// StopInterval stops the interval task with the given name.
func (mgr *TaskManager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("taskmgr: interval task %s not found", name)
	}

	val.(*time.Ticker).Stop()

	return nil
}

// Stop signals every running task to return.
func (mgr *TaskManager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		value.(*time.Ticker).Stop()
		return true
	})

	mgr.mu.Lock()
	mgr.cancel()
	mgr.mu.Unlock()
}

// Wait blocks until every task returned, then re-arms the manager.
func (mgr *TaskManager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of running tasks.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *TaskManager) spawn(name string, body func()) {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		body()
	}()
}

// callWithRecover calls fn with panic protection; a panic stops the task.
func (mgr *TaskManager) callWithRecover(name string, fn TaskFunc) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			ok = false
		}
	}()

	return fn()
}

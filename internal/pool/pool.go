// Package pool provides a bounded-parallelism task executor.
//
// Tasks are dispatched in submission order onto at most MaxWorkers
// concurrent slots and results come back in submission order regardless of
// completion order. A failing, panicking or timed-out task never aborts its
// siblings.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/danieljhkim/plugkit/internal/logger"
)

var (
	// ErrTaskTimeout is returned in a Result when a task exceeds the
	// per-task timeout.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrInvalidWorkers is returned by New when MaxWorkers < 1.
	ErrInvalidWorkers = errors.New("max workers must be at least 1")
)

// DefaultMaxWorkers is the worker count of the Default controller.
const DefaultMaxWorkers = 4

// Task is one unit of work.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the settled outcome of one task.
type Result[T any] struct {
	// Index is the task's position in the submitted slice.
	Index    int
	Success  bool
	Value    T
	Err      error
	Duration time.Duration
}

// Options configures a Controller.
type Options struct {
	MaxWorkers int

	// TaskTimeout bounds each task. Zero means unlimited.
	TaskTimeout time.Duration

	Logger *zap.SugaredLogger
}

// Status is a point-in-time view of controller load.
type Status struct {
	Active     int
	Queued     int
	MaxWorkers int
}

// Controller bounds how many tasks run at once. A single Controller may be
// shared by concurrent ExecuteAll calls; the bound applies across all of them.
type Controller struct {
	sem        *semaphore.Weighted
	maxWorkers int
	timeout    time.Duration
	active     atomic.Int64
	queued     atomic.Int64
	logger     *zap.SugaredLogger
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.MaxWorkers < 1 {
		return nil, errors.Wrapf(ErrInvalidWorkers, "got %d", opts.MaxWorkers)
	}
	if opts.TaskTimeout < 0 {
		return nil, errors.Newf("task timeout must not be negative, got %s", opts.TaskTimeout)
	}
	return &Controller{
		sem:        semaphore.NewWeighted(int64(opts.MaxWorkers)),
		maxWorkers: opts.MaxWorkers,
		timeout:    opts.TaskTimeout,
		logger:     logger.OrNop(opts.Logger),
	}, nil
}

// Status returns the number of running and waiting tasks.
func (c *Controller) Status() Status {
	return Status{
		Active:     int(c.active.Load()),
		Queued:     int(c.queued.Load()),
		MaxWorkers: c.maxWorkers,
	}
}

// MaxWorkers returns the concurrency bound.
func (c *Controller) MaxWorkers() int {
	return c.maxWorkers
}

// ExecuteAll runs tasks with bounded concurrency and blocks until every task
// has settled. If ctx is cancelled before a task is dispatched, that task and
// every later one fail with the context error without running.
func ExecuteAll[T any](ctx context.Context, c *Controller, tasks []Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}

	c.queued.Add(int64(len(tasks)))

	var wg sync.WaitGroup
	for i, task := range tasks {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = Result[T]{Index: j, Err: errors.Wrap(err, "task not dispatched")}
			}
			c.queued.Add(-int64(len(tasks) - i))
			break
		}
		c.queued.Add(-1)
		c.active.Add(1)

		wg.Add(1)
		go func(i int, task Task[T]) {
			defer wg.Done()
			results[i] = runTask(ctx, c, i, task)
		}(i, task)
	}
	wg.Wait()

	return results
}

// ExecuteSequential runs groups one after another. Group N+1 starts only
// after every task of group N has settled; tasks inside a group share the
// controller's bound.
func ExecuteSequential[T any](ctx context.Context, c *Controller, groups [][]Task[T]) [][]Result[T] {
	out := make([][]Result[T], len(groups))
	for i, group := range groups {
		out[i] = ExecuteAll(ctx, c, group)
	}
	return out
}

type outcome[T any] struct {
	value T
	err   error
}

// runTask executes one task in its own goroutine so a timeout can free the
// slot while an uncooperative task body keeps running.
func runTask[T any](ctx context.Context, c *Controller, index int, task Task[T]) Result[T] {
	start := time.Now()
	defer func() {
		c.active.Add(-1)
		c.sem.Release(1)
	}()

	taskCtx := ctx
	var timeoutC <-chan time.Time
	if c.timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()

		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: errors.Newf("task panicked: %v", r)}
			}
		}()
		value, err := task(taskCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	result := Result[T]{Index: index}
	select {
	case out := <-done:
		result.Value = out.value
		result.Err = out.err
	case <-timeoutC:
		result.Err = errors.Wrapf(ErrTaskTimeout, "after %s", c.timeout)
	}
	result.Duration = time.Since(start)
	result.Success = result.Err == nil

	if result.Err != nil {
		c.logger.Debugw("task failed", "index", index, "duration", result.Duration, "error", result.Err)
	}
	return result
}

var (
	defaultMu         sync.Mutex
	defaultController *Controller
)

// Default returns a lazily created process-wide controller.
func Default() *Controller {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultController == nil {
		defaultController, _ = New(Options{MaxWorkers: DefaultMaxWorkers})
	}
	return defaultController
}

// ResetDefault discards the default controller (useful for testing).
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultController = nil
}

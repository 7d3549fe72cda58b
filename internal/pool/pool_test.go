package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newController(t *testing.T, workers int, timeout time.Duration) *Controller {
	t.Helper()
	c, err := New(Options{MaxWorkers: workers, TaskTimeout: timeout, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	return c
}

func sleepTask(d time.Duration, value int) Task[int] {
	return func(ctx context.Context) (int, error) {
		time.Sleep(d)
		return value, nil
	}
}

func TestNew_RejectsInvalidWorkers(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := New(Options{MaxWorkers: n})
		assert.ErrorIs(t, err, ErrInvalidWorkers)
	}
	_, err := New(Options{MaxWorkers: 1, TaskTimeout: -time.Second})
	assert.Error(t, err)
}

func TestExecuteAll_Empty(t *testing.T) {
	c := newController(t, 2, 0)
	assert.Empty(t, ExecuteAll[int](context.Background(), c, nil))
}

func TestExecuteAll_PreservesSubmissionOrder(t *testing.T) {
	c := newController(t, 3, 0)

	// Later tasks finish first.
	tasks := []Task[int]{
		sleepTask(40*time.Millisecond, 0),
		sleepTask(20*time.Millisecond, 1),
		sleepTask(1*time.Millisecond, 2),
		sleepTask(0, 3),
	}

	results := ExecuteAll(context.Background(), c, tasks)
	require.Len(t, results, len(tasks))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.Success)
		assert.Equal(t, i, r.Value)
	}
}

func TestExecuteAll_NeverExceedsMaxWorkers(t *testing.T) {
	const workers = 3
	c := newController(t, workers, 0)

	var current, peak atomic.Int64
	tasks := make([]Task[int], 12)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (int, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return 0, nil
		}
	}

	ExecuteAll(context.Background(), c, tasks)
	assert.LessOrEqual(t, peak.Load(), int64(workers))
	assert.Equal(t, Status{Active: 0, Queued: 0, MaxWorkers: workers}, c.Status())
}

func TestExecuteAll_IsolatesFailures(t *testing.T) {
	c := newController(t, 2, 0)
	boom := errors.New("boom")

	tasks := []Task[int]{
		sleepTask(0, 1),
		func(ctx context.Context) (int, error) { return 0, boom },
		func(ctx context.Context) (int, error) { panic("kaboom") },
		sleepTask(0, 4),
	}

	results := ExecuteAll(context.Background(), c, tasks)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Err.Error(), "kaboom")
	assert.True(t, results[3].Success)
	assert.Equal(t, 4, results[3].Value)
}

func TestExecuteAll_TimeoutFreesSlot(t *testing.T) {
	c := newController(t, 1, 20*time.Millisecond)

	release := make(chan struct{})
	defer close(release)

	tasks := []Task[int]{
		// Ignores its context.
		func(ctx context.Context) (int, error) {
			<-release
			return 0, nil
		},
		sleepTask(0, 2),
	}

	start := time.Now()
	results := ExecuteAll(context.Background(), c, tasks)
	elapsed := time.Since(start)

	assert.ErrorIs(t, results[0].Err, ErrTaskTimeout)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestExecuteAll_CancelMarksUndispatchedTasks(t *testing.T) {
	c := newController(t, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran atomic.Int64
	tasks := []Task[int]{
		func(ctx context.Context) (int, error) {
			ran.Add(1)
			cancel()
			return 1, nil
		},
		func(ctx context.Context) (int, error) { ran.Add(1); return 2, nil },
		func(ctx context.Context) (int, error) { ran.Add(1); return 3, nil },
	}

	results := ExecuteAll(ctx, c, tasks)

	assert.True(t, results[0].Success)
	for _, r := range results[1:] {
		assert.False(t, r.Success)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Equal(t, int64(1), ran.Load())
	assert.Equal(t, 0, c.Status().Queued)
}

func TestExecuteSequential_GroupsNeverOverlap(t *testing.T) {
	c := newController(t, 4, 0)

	var mu sync.Mutex
	type span struct{ start, end time.Time }
	spans := map[int][]span{}

	record := func(group int) Task[int] {
		return func(ctx context.Context) (int, error) {
			s := span{start: time.Now()}
			time.Sleep(10 * time.Millisecond)
			s.end = time.Now()
			mu.Lock()
			spans[group] = append(spans[group], s)
			mu.Unlock()
			return group, nil
		}
	}

	groups := [][]Task[int]{
		{record(0), record(0), record(0)},
		{record(1), record(1)},
		{record(2)},
	}

	out := ExecuteSequential(context.Background(), c, groups)
	require.Len(t, out, 3)
	assert.Len(t, out[0], 3)
	assert.Len(t, out[1], 2)
	assert.Len(t, out[2], 1)

	for g := 1; g < len(groups); g++ {
		var prevEnd time.Time
		for _, s := range spans[g-1] {
			if s.end.After(prevEnd) {
				prevEnd = s.end
			}
		}
		for _, s := range spans[g] {
			assert.False(t, s.start.Before(prevEnd), "group %d started before group %d finished", g, g-1)
		}
	}
}

func TestExecuteAll_BoundedThroughput(t *testing.T) {
	c := newController(t, 2, 0)
	tasks := []Task[int]{
		sleepTask(50*time.Millisecond, 0),
		sleepTask(50*time.Millisecond, 1),
		sleepTask(50*time.Millisecond, 2),
		sleepTask(50*time.Millisecond, 3),
	}

	start := time.Now()
	results := ExecuteAll(context.Background(), c, tasks)
	elapsed := time.Since(start)

	for _, r := range results {
		assert.True(t, r.Success)
		assert.GreaterOrEqual(t, r.Duration, 50*time.Millisecond)
	}
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 190*time.Millisecond)
}

func TestDefault(t *testing.T) {
	ResetDefault()
	t.Cleanup(ResetDefault)

	first := Default()
	require.NotNil(t, first)
	assert.Same(t, first, Default())
	assert.Equal(t, DefaultMaxWorkers, first.MaxWorkers())

	ResetDefault()
	assert.NotSame(t, first, Default())
}

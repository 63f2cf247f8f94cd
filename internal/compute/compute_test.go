package compute

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizesFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LaneSizes{Interactive: 8, Inference: 7, ModelLoad: 4, Background: 2}, SizesFor(8))
	assert.Equal(t, LaneSizes{Interactive: 1, Inference: 1, ModelLoad: 1, Background: 1}, SizesFor(1))
	assert.Equal(t, SizesFor(1), SizesFor(0))
}

func TestSubmitPropagatesValueAndError(t *testing.T) {
	t.Parallel()

	pool := NewPool(SizesFor(2), nil)
	ctx := context.Background()

	v, err := Submit(ctx, pool, PriorityInteractive, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = Submit(ctx, pool, PriorityInteractive, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	_, err = Submit(ctx, pool, PriorityInteractive, func(context.Context) (int, error) { panic("kaput") })
	assert.ErrorIs(t, err, ErrTaskPanicked)

	v, err = Submit(ctx, pool, PriorityInteractive, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err, "lane stays healthy after a panic")
	assert.Equal(t, 7, v)

	stats := pool.Stats()[PriorityInteractive]
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 2, stats.Failed)
}

func TestLaneConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	pool := NewPool(LaneSizes{Interactive: 4, Inference: 2, ModelLoad: 1, Background: 1}, nil)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Submit(context.Background(), pool, PriorityInference, func(context.Context) (struct{}, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestSubmitBatchPreservesOrder(t *testing.T) {
	t.Parallel()

	pool := NewPool(SizesFor(8), nil)
	failure := errors.New("task 3 failed")

	const n = 8
	tasks := make([]Task[int], n)
	for i := range tasks {
		tasks[i] = func(context.Context) (int, error) {
			// Later tasks finish first.
			time.Sleep(time.Duration(n-i) * 5 * time.Millisecond)
			if i == 3 {
				return 0, failure
			}
			return i * 10, nil
		}
	}

	results := SubmitBatch(context.Background(), pool, PriorityInteractive, tasks)
	require.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if i == 3 {
			assert.ErrorIs(t, r.Err, failure)
			continue
		}
		assert.NoError(t, r.Err, "sibling %d must not be canceled", i)
		assert.Equal(t, i*10, r.Value)
	}
}

func TestPauseHoldsNewTasks(t *testing.T) {
	t.Parallel()

	pool := NewPool(SizesFor(4), nil)
	pool.Pause(PriorityBackground)
	require.True(t, pool.Paused(PriorityBackground))

	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), pool, PriorityBackground, func(context.Context) (bool, error) {
			ran.Store(true)
			return true, nil
		})
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran.Load(), "paused lane must not start tasks")

	pool.Resume(PriorityBackground)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task not released after resume")
	}
	assert.True(t, ran.Load())

	pool.Pause(PriorityBackground)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Submit(ctx, pool, PriorityBackground, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferPoolFirstFitReuse(t *testing.T) {
	t.Parallel()

	dev := NewHostDevice("host", true)
	pool := NewBufferPool(dev, 4, nil)

	small, err := pool.Acquire(4)
	require.NoError(t, err)
	large, err := pool.Acquire(64)
	require.NoError(t, err)
	pool.Release(small)
	pool.Release(large)

	got, err := pool.Acquire(16)
	require.NoError(t, err)
	assert.Same(t, large, got, "first buffer with enough capacity is reused")

	stats := pool.Stats()
	assert.EqualValues(t, 2, stats.Allocated)
	assert.EqualValues(t, 1, stats.Reused)
	assert.Equal(t, 1, stats.Pooled)
	assert.Equal(t, 1, stats.Outstanding)
}

func TestBufferPoolOverflowIsNotPooled(t *testing.T) {
	t.Parallel()

	dev := NewHostDevice("host", true)
	pool := NewBufferPool(dev, 1, nil)

	a, err := pool.Acquire(8)
	require.NoError(t, err)
	b, err := pool.Acquire(8)
	require.NoError(t, err)
	assert.EqualValues(t, 2, dev.Live())

	pool.Release(b)
	assert.EqualValues(t, 1, dev.Live(), "overflow buffer is released on return")
	pool.Release(a)
	assert.EqualValues(t, 1, dev.Live(), "pooled buffer stays allocated")
	assert.Equal(t, 1, pool.Stats().Pooled)
}

func TestClearMemoryPoolReleasesEverything(t *testing.T) {
	t.Parallel()

	dev := NewHostDevice("host", true)
	pool := NewBufferPool(dev, 4, nil)

	held, err := pool.Acquire(8)
	require.NoError(t, err)
	spare, err := pool.Acquire(8)
	require.NoError(t, err)
	pool.Release(spare)

	pool.ClearMemoryPool()
	assert.EqualValues(t, 0, dev.Live())
	stats := pool.Stats()
	assert.Zero(t, stats.Pooled)
	assert.Zero(t, stats.Outstanding)
	assert.EqualValues(t, 1, stats.Clears)

	// Late return of a cleared buffer is ignored.
	pool.Release(held)
	assert.Zero(t, pool.Stats().Pooled)
}

func TestAcceleratorUnavailableShortCircuits(t *testing.T) {
	t.Parallel()

	buffers := NewBufferPool(NewHostDevice("none", false), 4, nil)
	_, err := buffers.Acquire(1)
	assert.ErrorIs(t, err, ErrAcceleratorUnavailable)

	acc := NewAccelerator(NewPool(SizesFor(2), nil), buffers)
	_, err = acc.MatMul(context.Background(), []float32{1}, []float32{1}, 1, 1, 1)
	assert.ErrorIs(t, err, ErrAcceleratorUnavailable)
}

func TestMatMul(t *testing.T) {
	t.Parallel()

	dev := NewHostDevice("host", true)
	acc := NewAccelerator(NewPool(SizesFor(2), nil), NewBufferPool(dev, 8, nil))

	x := []float32{1, 2, 3, 4, 5, 6}     // 2x3
	y := []float32{7, 8, 9, 10, 11, 12} // 3x2
	out, err := acc.MatMul(context.Background(), x, y, 2, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{58, 64, 139, 154}, out)

	_, err = acc.MatMul(context.Background(), x, y, 3, 3, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	assert.Equal(t, 3, acc.Buffers().Stats().Pooled, "operand buffers return to the pool")
}

// Not parallel: it compares goroutine counts.
func TestSubmitBatchBoundsFanOut(t *testing.T) {
	pool := NewPool(LaneSizes{Interactive: 1, Inference: 1, ModelLoad: 1, Background: 2}, nil)
	base := runtime.NumGoroutine()

	const n = 200
	release := make(chan struct{})
	var entered, peak atomic.Int32
	tasks := make([]Task[int], n)
	for i := range tasks {
		tasks[i] = func(context.Context) (int, error) {
			cur := entered.Add(1)
			defer entered.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-release
			return i, nil
		}
	}

	done := make(chan []Result[int], 1)
	go func() { done <- SubmitBatch(context.Background(), pool, PriorityBackground, tasks) }()

	require.Eventually(t, func() bool { return entered.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Less(t, runtime.NumGoroutine()-base, 50, "batch spawned a goroutine per task")

	close(release)
	results := <-done
	require.Len(t, results, n)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Value)
	}
	assert.EqualValues(t, 2, peak.Load())
}

package mainloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 20; i++ {
		i := i
		require.True(t, loop.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, loop.Do(ctx, func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestLoopSurvivesPanics(t *testing.T) {
	loop := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	require.NoError(t, loop.Do(ctx, func() { panic("boom") }))

	ran := false
	require.NoError(t, loop.Do(ctx, func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopStoppedRejectsWork(t *testing.T) {
	loop := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Do(context.Background(), func() {}), ErrStopped)
}

func TestLoopDoHonoursContext(t *testing.T) {
	loop := New(1, nil)
	// Loop never runs, so Do must give up when the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.True(t, loop.Post(func() {}))
	err := loop.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopDoAbandonedTaskNeverRuns(t *testing.T) {
	loop := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	release := make(chan struct{})
	busy := make(chan struct{})
	require.True(t, loop.Post(func() {
		close(busy)
		<-release
	}))
	<-busy

	reqCtx, reqCancel := context.WithCancel(context.Background())
	ran := false
	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Do(reqCtx, func() { ran = true })
	}()

	// Give Do time to queue its task behind the blocked one.
	time.Sleep(20 * time.Millisecond)
	reqCancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, loop.Do(ctx, func() {}))
	assert.False(t, ran, "task ran after Do reported cancellation")
}

func TestLoopDoWaitsForStartedTask(t *testing.T) {
	loop := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	started := make(chan struct{})
	release := make(chan struct{})
	reqCtx, reqCancel := context.WithCancel(context.Background())
	var result atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Do(reqCtx, func() {
			close(started)
			<-release
			result.Store(42)
		})
	}()

	<-started
	reqCancel()
	select {
	case err := <-errCh:
		t.Fatalf("Do returned %v while its task was still running", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(42), result.Load())
}

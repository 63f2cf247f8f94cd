// Package mainloop implements the serial context that owns every write to
// published governor state.
package mainloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned when work is submitted after the loop has exited.
var ErrStopped = errors.New("main loop stopped")

const defaultQueueSize = 64

// Loop executes submitted functions one at a time, in submission order, on
// a single goroutine. Functions must not call Do on the same loop.
type Loop struct {
	tasks  chan func()
	logger *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Loop with the given queue capacity.
func New(queueSize int, logger *slog.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		tasks:   make(chan func(), queueSize),
		logger:  logger.With("component", "main_loop"),
		stopped: make(chan struct{}),
	}
}

// Run processes submitted work until the context is canceled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })

	l.logger.Debug("main loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("main loop stopping", "reason", ctx.Err())
			return nil
		case fn := <-l.tasks:
			l.execute(fn)
		}
	}
}

// Post enqueues fn without waiting for it to run. It reports false when the
// loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. A nil error means fn
// ran; any error means it never will, so values fn writes are only safe to
// read after a nil return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	var claimed atomic.Bool
	done := make(chan struct{})
	task := func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		defer close(done)
		fn()
	}

	select {
	case l.tasks <- task:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	select {
	case <-done:
		return nil
	case <-l.stopped:
		err = ErrStopped
	case <-ctx.Done():
		err = ctx.Err()
	}
	if claimed.CompareAndSwap(false, true) {
		return err
	}
	// fn already started on the loop goroutine.
	<-done
	return nil
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("main loop task panicked", "panic", r)
		}
	}()
	fn()
}

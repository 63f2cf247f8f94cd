// Package compute runs prioritized work on bounded lanes and manages the
// accelerator buffer pool.
package compute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrTaskPanicked wraps a panic raised by a submitted task.
var ErrTaskPanicked = errors.New("task panicked")

// Priority selects the lane a task runs on.
type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityInference
	PriorityModelLoad
	PriorityBackground
	priorityCount
)

var priorityNames = [...]string{"interactive", "inference", "model_load", "background"}

func (p Priority) String() string {
	if p < 0 || p >= priorityCount {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Priorities lists every lane in order.
func Priorities() []Priority {
	return []Priority{PriorityInteractive, PriorityInference, PriorityModelLoad, PriorityBackground}
}

// LaneSizes is the concurrency of each lane.
type LaneSizes struct {
	Interactive int
	Inference   int
	ModelLoad   int
	Background  int
}

// SizesFor derives lane sizes from the physical core count.
func SizesFor(cores int) LaneSizes {
	if cores < 1 {
		cores = 1
	}
	return LaneSizes{
		Interactive: cores,
		Inference:   max(1, cores-1),
		ModelLoad:   max(1, cores/2),
		Background:  max(1, cores/4),
	}
}

func (s LaneSizes) of(p Priority) int {
	switch p {
	case PriorityInteractive:
		return s.Interactive
	case PriorityInference:
		return s.Inference
	case PriorityModelLoad:
		return s.ModelLoad
	default:
		return s.Background
	}
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Priority  Priority `json:"-"`
	Name      string   `json:"name"`
	Size      int      `json:"size"`
	Active    int64    `json:"active"`
	Completed uint64   `json:"completed"`
	Failed    uint64   `json:"failed"`
	Paused    bool     `json:"paused"`
}

type lane struct {
	priority Priority
	size     int
	sem      *semaphore.Weighted

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func (l *lane) waitRunnable(ctx context.Context) error {
	for {
		l.mu.Lock()
		if !l.paused {
			l.mu.Unlock()
			return nil
		}
		ch := l.resumed
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pool is a set of bounded-concurrency lanes.
type Pool struct {
	lanes  [priorityCount]*lane
	logger *slog.Logger
}

// NewPool builds the lanes.
func NewPool(sizes LaneSizes, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pool{logger: logger.With("component", "compute")}
	for _, prio := range Priorities() {
		size := max(1, sizes.of(prio))
		p.lanes[prio] = &lane{
			priority: prio,
			size:     size,
			sem:      semaphore.NewWeighted(int64(size)),
		}
	}
	return p
}

func (p *Pool) lane(prio Priority) *lane {
	if prio < 0 || prio >= priorityCount {
		prio = PriorityBackground
	}
	return p.lanes[prio]
}

// Pause holds new tasks on the lane until Resume. Running tasks finish.
func (p *Pool) Pause(prio Priority) {
	l := p.lane(prio)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return
	}
	l.paused = true
	l.resumed = make(chan struct{})
	p.logger.Info("lane paused", "lane", prio.String())
}

// Resume releases tasks held by Pause.
func (p *Pool) Resume(prio Priority) {
	l := p.lane(prio)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		return
	}
	l.paused = false
	close(l.resumed)
	p.logger.Info("lane resumed", "lane", prio.String())
}

// Paused reports whether the lane is paused.
func (p *Pool) Paused(prio Priority) bool {
	l := p.lane(prio)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Stats returns per-lane counters.
func (p *Pool) Stats() []LaneStats {
	out := make([]LaneStats, 0, priorityCount)
	for _, prio := range Priorities() {
		l := p.lanes[prio]
		out = append(out, LaneStats{
			Priority:  prio,
			Name:      prio.String(),
			Size:      l.size,
			Active:    l.active.Load(),
			Completed: l.completed.Load(),
			Failed:    l.failed.Load(),
			Paused:    p.Paused(prio),
		})
	}
	return out
}

// Task is a unit of work returning a value.
type Task[T any] func(ctx context.Context) (T, error)

// Submit runs task on the lane for prio and waits for its result. The task
// executes on a separate goroutine; a panic is returned as an error
// wrapping ErrTaskPanicked and leaves the lane usable.
func Submit[T any](ctx context.Context, p *Pool, prio Priority, task Task[T]) (T, error) {
	var zero T
	l := p.lane(prio)

	if err := l.waitRunnable(ctx); err != nil {
		return zero, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	l.active.Add(1)
	go func() {
		defer l.sem.Release(1)
		defer l.active.Add(-1)

		var out outcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					out.err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
				}
			}()
			out.value, out.err = task(ctx)
		}()
		if out.err != nil {
			l.failed.Add(1)
		} else {
			l.completed.Add(1)
		}
		done <- out
	}()

	out := <-done
	return out.value, out.err
}

// Result is the outcome of one task of a batch.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// SubmitBatch runs tasks concurrently on one lane and returns their results
// in input order. A failing task does not cancel its siblings. At most the
// lane's size of tasks are in flight, so large batches do not fan out.
func SubmitBatch[T any](ctx context.Context, p *Pool, prio Priority, tasks []Task[T]) []Result[T] {
	out := make([]Result[T], len(tasks))

	var g errgroup.Group
	g.SetLimit(p.lane(prio).size)
	for i, task := range tasks {
		g.Go(func() error {
			value, err := Submit(ctx, p, prio, task)
			out[i] = Result[T]{Index: i, Value: value, Err: err}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Debug("batch finished with failures", "priority", prio.String(), "tasks", len(tasks), "first_err", err)
	}
	return out
}

package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/mainloop"
	"github.com/skobkin/resgov/internal/policy"
)

const grantName = "inference"

// Cleaner is a non-owning handle on the memory governor.
type Cleaner interface {
	ForceCleanup(aggressive bool)
}

// Executor runs an inference request to completion.
type Executor interface {
	Execute(ctx context.Context, req inference.Request) (inference.Completion, error)
}

// Engine is the part of the inference engine the coordinator observes.
type Engine interface {
	IsGenerating() bool
	IsModelLoaded() bool
	LoadModel(ctx context.Context, path string, contextSize int) error
}

// LanePauser pauses and resumes a compute lane.
type LanePauser interface {
	Pause(p compute.Priority)
	Resume(p compute.Priority)
}

// Options configures a Coordinator.
type Options struct {
	Loop     *mainloop.Loop
	Policy   policy.LifecyclePolicy
	Grants   GrantProvider
	Cleaner  Cleaner
	Executor Executor
	Engine   Engine
	Lanes    LanePauser

	// ModelPath and ContextSize are used to reload a model that was
	// unloaded while in the background.
	ModelPath   string
	ContextSize int

	// NewBackOff builds the retry policy for model reloads.
	NewBackOff func() backoff.BackOff

	Logger *slog.Logger
}

// Status is the published lifecycle state.
type Status struct {
	State                     State         `json:"state"`
	InferenceAllowed          bool          `json:"inference_allowed"`
	WasActiveWhenBackgrounded bool          `json:"was_active_when_backgrounded"`
	Suspended                 string        `json:"suspended,omitempty"`
	QueueLength               int           `json:"queue_length"`
	GrantActive               bool          `json:"grant_active"`
	GrantRemaining            time.Duration `json:"grant_remaining"`
}

// Submission tracks a submitted request. Done receives the completion once
// the request ran; it is closed without a value if the queue is abandoned.
type Submission struct {
	RequestID string
	Queued    bool
	Done      <-chan inference.Completion
}

type pending struct {
	req  inference.Request
	done chan inference.Completion
}

// Coordinator owns the lifecycle state machine. Everything except the grant
// monitor runs on the main loop.
type Coordinator struct {
	loop       *mainloop.Loop
	policy     policy.LifecyclePolicy
	grants     GrantProvider
	cleaner    Cleaner
	executor   Executor
	engine     Engine
	lanes      LanePauser
	modelPath  string
	ctxSize    int
	newBackOff func() backoff.BackOff
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	state       State
	wasActive   bool
	suspended   string
	queue       []pending
	draining    bool
	grant       Grant
	stopMonitor chan struct{}
	closed      bool

	status *events.Topic[Status]
}

// New constructs a Coordinator in the Active state.
func New(opts Options) (*Coordinator, error) {
	if opts.Loop == nil {
		return nil, errors.New("lifecycle coordinator requires a main loop")
	}
	if opts.Executor == nil {
		return nil, errors.New("lifecycle coordinator requires an executor")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Grants == nil {
		opts.Grants = TimedGrants{Budget: opts.Policy.GrantBudget}
	}
	if opts.Policy.MonitorInterval <= 0 {
		opts.Policy.MonitorInterval = time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 5)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		loop:       opts.Loop,
		policy:     opts.Policy,
		grants:     opts.Grants,
		cleaner:    opts.Cleaner,
		executor:   opts.Executor,
		engine:     opts.Engine,
		lanes:      opts.Lanes,
		modelPath:  opts.ModelPath,
		ctxSize:    opts.ContextSize,
		newBackOff: opts.NewBackOff,
		logger:     opts.Logger.With("component", "lifecycle"),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateActive,
		status:     events.NewTopic[Status](0),
	}
	c.status.Publish(c.snapshotLocked())
	return c, nil
}

// Status returns the topic carrying lifecycle status updates.
func (c *Coordinator) Status() *events.Topic[Status] { return c.status }

// HandleEvent applies an OS lifecycle notification.
func (c *Coordinator) HandleEvent(ctx context.Context, ev Event) (State, error) {
	var (
		to  State
		err error
	)
	doErr := c.loop.Do(ctx, func() {
		if c.closed {
			err = errors.New("lifecycle coordinator closed")
			return
		}
		from := c.state
		to, err = next(from, ev)
		if err != nil {
			return
		}
		c.state = to
		c.logger.Info("lifecycle transition", "event", ev.String(), "from", from.String(), "to", to.String())

		if from == StateActive {
			c.leaveActiveLocked()
		}
		switch to {
		case StateBackground:
			c.beginGrantLocked()
		case StateForeground:
			c.endGrantLocked()
		case StateActive:
			c.endGrantLocked()
			c.becomeActiveLocked()
		}
		c.publishLocked()
	})
	if doErr != nil {
		return to, doErr
	}
	return to, err
}

func (c *Coordinator) leaveActiveLocked() {
	if c.engine != nil && c.engine.IsGenerating() {
		c.wasActive = true
		if c.lanes != nil {
			c.lanes.Pause(compute.PriorityInference)
		}
		c.logger.Info("inference in progress while leaving active state")
	}
}

func (c *Coordinator) becomeActiveLocked() {
	reload := false
	if c.wasActive {
		if c.lanes != nil {
			c.lanes.Resume(compute.PriorityInference)
		}
		reload = c.engine != nil && c.modelPath != "" && !c.engine.IsModelLoaded()
		c.wasActive = false
		c.logger.Info("resuming inference after background")
	}
	c.startDrainLocked(reload)
}

func (c *Coordinator) allowedLocked() bool {
	return c.state == StateActive && c.suspended == "" && !c.closed
}

// SubmitInference runs req immediately when inference is allowed and
// otherwise appends it to the pending queue.
func (c *Coordinator) SubmitInference(ctx context.Context, req inference.Request) (Submission, error) {
	p := pending{req: req, done: make(chan inference.Completion, 1)}
	sub := Submission{RequestID: req.ID.String(), Done: p.done}

	err := c.loop.Do(ctx, func() {
		if c.closed {
			close(p.done)
			return
		}
		if c.allowedLocked() && !c.draining {
			go c.run(p)
			return
		}
		sub.Queued = true
		c.queue = append(c.queue, p)
		c.logger.Debug("inference request queued", "request_id", req.ID, "queue_length", len(c.queue))
		c.publishLocked()
	})
	return sub, err
}

func (c *Coordinator) run(p pending) {
	completion, err := c.executor.Execute(c.ctx, p.req)
	if err != nil && completion.Error == "" {
		completion.Error = err.Error()
	}
	if completion.RequestID == uuid.Nil {
		completion.RequestID = p.req.ID
	}
	p.done <- completion
}

func (c *Coordinator) startDrainLocked(reload bool) {
	if c.draining || len(c.queue) == 0 && !reload {
		return
	}
	c.draining = true
	go c.drain(reload)
}

// drain executes queued requests one by one in FIFO order while inference
// stays allowed.
func (c *Coordinator) drain(reload bool) {
	if reload {
		c.reloadModel()
	}
	drained := 0
	for {
		var p *pending
		err := c.loop.Do(c.ctx, func() {
			if !c.allowedLocked() || len(c.queue) == 0 {
				c.draining = false
				c.publishLocked()
				return
			}
			head := c.queue[0]
			c.queue = c.queue[1:]
			p = &head
			c.publishLocked()
		})
		if err != nil || p == nil {
			if drained > 0 {
				c.logger.Info("pending inference queue drained", "requests", drained)
			}
			return
		}
		c.run(*p)
		drained++
	}
}

func (c *Coordinator) reloadModel() {
	op := func() error {
		return c.engine.LoadModel(c.ctx, c.modelPath, c.ctxSize)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("model reload failed, retrying", "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), c.ctx), notify); err != nil {
		c.logger.Error("model reload gave up", "err", err)
		return
	}
	c.logger.Info("model reloaded after background", "path", c.modelPath)
}

// SuspendInference disallows inference until ResumeInference, queueing new
// requests. In-flight requests are not interrupted.
func (c *Coordinator) SuspendInference(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "suspended"
	}
	return c.loop.Do(ctx, func() {
		if c.suspended == reason {
			return
		}
		c.suspended = reason
		c.logger.Warn("inference suspended", "reason", reason)
		c.publishLocked()
	})
}

// ResumeInference lifts a suspension and drains the queue when active.
func (c *Coordinator) ResumeInference(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if c.suspended == "" {
			return
		}
		c.logger.Info("inference suspension lifted", "reason", c.suspended)
		c.suspended = ""
		if c.state == StateActive {
			c.startDrainLocked(false)
		}
		c.publishLocked()
	})
}

// HandleMemoryWarning reacts to an OS low-memory signal. In the background
// it triggers aggressive cleanup immediately, regardless of the grant timer.
func (c *Coordinator) HandleMemoryWarning(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if c.state != StateBackground || c.cleaner == nil {
			return
		}
		c.logger.Warn("memory warning in background, cleaning up")
		c.cleaner.ForceCleanup(true)
	})
}

// Close abandons the pending queue and ends any background grant.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.loop.Do(ctx, func() {
		if c.closed {
			return
		}
		c.closed = true
		c.endGrantLocked()
		for _, p := range c.queue {
			close(p.done)
		}
		if n := len(c.queue); n > 0 {
			c.logger.Info("pending inference queue abandoned", "requests", n)
		}
		c.queue = nil
		c.publishLocked()
	})
	c.cancel()
	return err
}

func (c *Coordinator) beginGrantLocked() {
	if c.grant != nil {
		return
	}
	grant := c.grants.Begin(grantName)
	stop := make(chan struct{})
	c.grant = grant
	c.stopMonitor = stop
	c.logger.Info("background grant started", "remaining", grant.Remaining())
	go c.monitor(grant, stop)
}

func (c *Coordinator) endGrantLocked() {
	if c.grant == nil {
		return
	}
	close(c.stopMonitor)
	c.grant.End()
	c.grant = nil
	c.stopMonitor = nil
	c.logger.Info("background grant ended")
}

// monitor watches the remaining grant time. It ends the grant itself on
// expiry so the budget is honored even when the main loop is busy.
func (c *Coordinator) monitor(grant Grant, stop <-chan struct{}) {
	ticker := time.NewTicker(c.policy.MonitorInterval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		remaining := grant.Remaining()
		if remaining <= 0 {
			grant.End()
			c.logger.Warn("background grant expired")
			c.loop.Post(func() {
				if c.grant == grant {
					c.grant = nil
					c.stopMonitor = nil
					c.publishLocked()
				}
			})
			return
		}
		if !warned && remaining < c.policy.WarnRemaining {
			warned = true
			c.logger.Warn("background grant nearly exhausted, cleaning up", "remaining", remaining)
			if c.cleaner != nil {
				c.cleaner.ForceCleanup(true)
			}
		}
	}
}

func (c *Coordinator) snapshotLocked() Status {
	s := Status{
		State:                     c.state,
		InferenceAllowed:          c.allowedLocked(),
		WasActiveWhenBackgrounded: c.wasActive,
		Suspended:                 c.suspended,
		QueueLength:               len(c.queue),
		GrantActive:               c.grant != nil,
	}
	if c.grant != nil {
		s.GrantRemaining = c.grant.Remaining()
	}
	return s
}

func (c *Coordinator) publishLocked() {
	c.status.Publish(c.snapshotLocked())
}

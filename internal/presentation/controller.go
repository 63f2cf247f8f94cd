package presentation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/mainloop"
	"github.com/skobkin/resgov/internal/policy"
)

// Status is the published presentation state.
type Status struct {
	Mode              Mode       `json:"mode"`
	ComputedMode      Mode       `json:"computed_mode"`
	Rule              string     `json:"rule"`
	ForcedMode        *Mode      `json:"forced_mode,omitempty"`
	ForcedReason      string     `json:"forced_reason,omitempty"`
	HardCapEngaged    bool       `json:"hard_cap_engaged"`
	ActiveAnimations  int        `json:"active_animations"`
	TrackedAnimations int        `json:"tracked_animations"`
	Policy            ModePolicy `json:"policy"`
}

// Options configures a Controller.
type Options struct {
	Loop   *mainloop.Loop
	Policy policy.PresentationPolicy
	Logger *slog.Logger
}

// Controller owns the UI mode and the active-animation set. Both are only
// touched on the main loop.
type Controller struct {
	loop   *mainloop.Loop
	policy policy.PresentationPolicy
	logger *slog.Logger

	// loop-owned
	computed     Mode
	rule         string
	forced       *Mode
	forcedReason string
	hardCap      bool
	active       map[string]struct{}
	tracked      map[string]struct{}
	current      Mode

	status *events.Topic[Status]
}

// NewController constructs a Controller in Full mode.
func NewController(opts Options) (*Controller, error) {
	if opts.Loop == nil {
		return nil, errors.New("presentation controller requires a main loop")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		loop:    opts.Loop,
		policy:  opts.Policy,
		logger:  opts.Logger.With("component", "presentation"),
		rule:    "default",
		active:  make(map[string]struct{}),
		tracked: make(map[string]struct{}),
		status:  events.NewTopic[Status](0),
	}
	c.status.Publish(c.snapshotLocked())
	return c, nil
}

// Status returns the topic carrying presentation updates.
func (c *Controller) Status() *events.Topic[Status] { return c.status }

// Mode returns the effective mode last published.
func (c *Controller) Mode() Mode {
	s, _ := c.status.Latest()
	return s.Mode
}

// Update recomputes the mode for new signals.
func (c *Controller) Update(ctx context.Context, signals capability.Signals) error {
	return c.loop.Do(ctx, func() {
		c.computed, c.rule = ComputeMode(InputsFromSignals(signals), c.policy)
		c.refreshLocked()
	})
}

// ForceMode sets a floor: the effective mode is at least as restrictive as
// mode until ClearForcedMode.
func (c *Controller) ForceMode(ctx context.Context, mode Mode, reason string) error {
	return c.loop.Do(ctx, func() {
		c.forced = &mode
		c.forcedReason = reason
		c.logger.Info("ui mode floor set", "mode", mode.String(), "reason", reason)
		c.refreshLocked()
	})
}

// ClearForcedMode removes the floor set by ForceMode.
func (c *Controller) ClearForcedMode(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if c.forced == nil {
			return
		}
		c.forced = nil
		c.forcedReason = ""
		c.logger.Info("ui mode floor cleared")
		c.refreshLocked()
	})
}

// RequestAnimation asks to run animation id for up to duration. It returns
// true when admitted; completion then runs once the animation ends. A denied
// request runs completion before returning.
func (c *Controller) RequestAnimation(ctx context.Context, id string, duration time.Duration, completion func()) (bool, error) {
	if completion == nil {
		completion = func() {}
	}

	var (
		admitted bool
		effect   time.Duration
	)
	err := c.loop.Do(ctx, func() {
		p := PolicyFor(c.current)
		if !p.AnimationsEnabled || len(c.active) >= p.MaxConcurrentAnimations {
			return
		}
		if _, dup := c.active[id]; dup {
			return
		}
		admitted = true
		effect = p.AnimationDuration
		if duration > 0 && duration < effect {
			effect = duration
		}
		c.active[id] = struct{}{}
		c.checkHardCapLocked()
		c.publishLocked()
	})
	if err != nil || !admitted {
		completion()
		return false, err
	}

	time.AfterFunc(effect, func() {
		finish := func() {
			delete(c.active, id)
			c.publishLocked()
			completion()
		}
		if !c.loop.Post(finish) {
			completion()
		}
	})
	return true, nil
}

// TrackAnimation registers an animation that runs outside admission
// control, such as one driven by the platform.
func (c *Controller) TrackAnimation(ctx context.Context, id string) error {
	return c.loop.Do(ctx, func() {
		c.tracked[id] = struct{}{}
		c.checkHardCapLocked()
		c.publishLocked()
	})
}

// ClearAnimations forgets tracked animations and lifts the hard-cap guard.
// Admitted animations keep running to completion.
func (c *Controller) ClearAnimations(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.tracked = make(map[string]struct{})
		if c.hardCap {
			c.hardCap = false
			c.logger.Info("animation hard cap cleared")
		}
		c.refreshLocked()
	})
}

func (c *Controller) checkHardCapLocked() {
	if c.hardCap || len(c.active)+len(c.tracked) <= c.policy.MaxTrackedAnimations {
		return
	}
	c.hardCap = true
	c.logger.Warn("animation hard cap exceeded", "active", len(c.active), "tracked", len(c.tracked))
	c.refreshLocked()
}

func (c *Controller) effectiveLocked() Mode {
	mode := c.computed
	if c.forced != nil && *c.forced > mode {
		mode = *c.forced
	}
	if c.hardCap && mode < ModeMinimal {
		mode = ModeMinimal
	}
	return mode
}

func (c *Controller) refreshLocked() {
	mode := c.effectiveLocked()
	if mode != c.current {
		c.logger.Info("ui mode changed", "from", c.current.String(), "to", mode.String(), "rule", c.rule)
		c.current = mode
	}
	c.publishLocked()
}

func (c *Controller) snapshotLocked() Status {
	s := Status{
		Mode:              c.current,
		ComputedMode:      c.computed,
		Rule:              c.rule,
		ForcedReason:      c.forcedReason,
		HardCapEngaged:    c.hardCap,
		ActiveAnimations:  len(c.active),
		TrackedAnimations: len(c.tracked),
		Policy:            PolicyFor(c.current),
	}
	if c.forced != nil {
		forced := *c.forced
		s.ForcedMode = &forced
	}
	return s
}

func (c *Controller) publishLocked() {
	c.status.Publish(c.snapshotLocked())
}

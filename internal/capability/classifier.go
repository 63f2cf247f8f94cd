package capability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/mainloop"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/telemetry"
)

const defaultSignalInterval = 2 * time.Second

// Options configures a Classifier.
type Options struct {
	Loop     *mainloop.Loop
	Source   telemetry.Source
	Policy   policy.Policy
	Baseline ResourceProfile
	Interval time.Duration
	Logger   *slog.Logger
}

// Classifier tracks environmental signals and publishes the derived
// profile. All state changes happen on the main loop.
type Classifier struct {
	loop     *mainloop.Loop
	source   telemetry.Source
	policy   policy.Policy
	baseline ResourceProfile
	interval time.Duration
	logger   *slog.Logger

	// loop-owned
	tracker *ThrottleTracker
	reading Reading
	current ResourceProfile

	signals  *events.Topic[Signals]
	profiles *events.Topic[ResourceProfile]
}

// NewClassifier constructs a Classifier and publishes the baseline profile.
func NewClassifier(opts Options) (*Classifier, error) {
	if opts.Loop == nil {
		return nil, errors.New("classifier requires a main loop")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSignalInterval
	}

	c := &Classifier{
		loop:     opts.Loop,
		source:   opts.Source,
		policy:   opts.Policy,
		baseline: opts.Baseline,
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "capability"),
		tracker:  NewThrottleTracker(opts.Policy.Throttle),
		reading:  Reading{BatteryLevel: 1, Charging: true},
		current:  opts.Baseline,
		signals:  events.NewTopic[Signals](0),
		profiles: events.NewTopic[ResourceProfile](0),
	}
	c.profiles.Publish(opts.Baseline)
	return c, nil
}

// Baseline returns the static profile computed at startup.
func (c *Classifier) Baseline() ResourceProfile { return c.baseline }

// Signals returns the topic carrying environmental signal updates.
func (c *Classifier) Signals() *events.Topic[Signals] { return c.signals }

// Profiles returns the topic carrying derived profile changes.
func (c *Classifier) Profiles() *events.Topic[ResourceProfile] { return c.profiles }

// Run refreshes signals from the telemetry source until ctx is canceled.
func (c *Classifier) Run(ctx context.Context) error {
	if c.source == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("initial signal refresh failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("signal refresh failed", "err", err)
			}
		}
	}
}

// Refresh samples telemetry once and applies it.
func (c *Classifier) Refresh(ctx context.Context) error {
	if c.source == nil {
		return errors.New("no telemetry source")
	}
	sample := c.source.Sample()
	_, err := c.Apply(ctx, ReadingFromSample(sample, c.policy.Thermal))
	return err
}

// Apply replaces the current reading and re-derives signals and profile.
func (c *Classifier) Apply(ctx context.Context, r Reading) (Signals, error) {
	return c.Modify(ctx, func(cur *Reading) { *cur = r })
}

// Modify applies a partial update, as delivered by a single OS callback,
// to the current reading.
func (c *Classifier) Modify(ctx context.Context, fn func(*Reading)) (Signals, error) {
	var out Signals
	err := c.loop.Do(ctx, func() {
		fn(&c.reading)
		out = c.deriveLocked()
	})
	return out, err
}

func (c *Classifier) deriveLocked() Signals {
	r := c.reading
	wasThrottling := c.tracker.Throttling()
	throttling := c.tracker.Update(r)
	if throttling != wasThrottling {
		c.logger.Info("throttling changed",
			"throttling", throttling,
			"thermal", r.ThermalState.String(),
			"memory_ratio", r.MemoryPressureRatio,
			"power_save", r.PowerSaveEnabled,
		)
	}

	signals := Signals{
		Timestamp:           time.Now().UTC(),
		ThermalState:        r.ThermalState,
		MemoryPressureRatio: r.MemoryPressureRatio,
		BatteryLevel:        r.BatteryLevel,
		Charging:            r.Charging,
		PowerSaveEnabled:    r.PowerSaveEnabled,
		IsThrottling:        throttling,
	}

	profile := CurrentProfile(c.baseline, signals, c.policy.Thermal.Scale)
	if profile != c.current {
		c.current = profile
		c.logger.Info("profile re-derived",
			"tier", profile.Tier.String(),
			"max_concurrent", profile.MaxConcurrentInferences,
			"max_memory_budget", profile.MaxMemoryBudget,
		)
		c.profiles.Publish(profile)
	}
	c.signals.Publish(signals)
	return signals
}

// ReadingFromSample converts a telemetry sample into a reading. Missing
// battery data is treated as a full battery on mains power.
func ReadingFromSample(s telemetry.Sample, p policy.ThermalPolicy) Reading {
	r := Reading{
		ThermalState: ThermalStateFor(s.TempC, p),
		BatteryLevel: 1,
		Charging:     true,
	}
	if ratio, ok := s.Memory.PressureRatio(); ok {
		r.MemoryPressureRatio = ratio
	}
	if s.BatteryLevel != nil {
		r.BatteryLevel = *s.BatteryLevel
		r.Charging = false
	}
	if s.Charging != nil {
		r.Charging = *s.Charging
	}
	if s.PowerSave != nil {
		r.PowerSaveEnabled = *s.PowerSave
	}
	return r
}

package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/mainloop"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/presentation"
	"github.com/skobkin/resgov/internal/telemetry"
)

const (
	defaultMetricsInterval    = 2 * time.Second
	defaultEvaluationInterval = 10 * time.Second
	defaultHistorySize        = 300
	tracerName                = "github.com/skobkin/resgov/internal/orchestrator"
)

var (
	// ErrBusy is returned when a pass is already running.
	ErrBusy = errors.New("optimization already in progress")
	// ErrEmergencyActive is returned for scheduled passes while the
	// emergency path holds the system.
	ErrEmergencyActive = errors.New("emergency mode active")
)

// Pass kinds.
const (
	KindScheduled = "scheduled"
	KindForced    = "forced"
	KindEmergency = "emergency"
	KindRelease   = "release"
)

// MemoryCleaner triggers memory cleanups.
type MemoryCleaner interface {
	ForceCleanup(aggressive bool)
}

// UIController sets and clears the presentation mode floor.
type UIController interface {
	ForceMode(ctx context.Context, mode presentation.Mode, reason string) error
	ClearForcedMode(ctx context.Context) error
}

// InferenceGate suspends and resumes inference.
type InferenceGate interface {
	SuspendInference(ctx context.Context, reason string) error
	ResumeInference(ctx context.Context) error
}

// LanePauser pauses compute lanes.
type LanePauser interface {
	Pause(compute.Priority)
	Resume(compute.Priority)
}

// Options configures an Orchestrator. Every collaborator is optional;
// actions without one are not offered.
type Options struct {
	Loop     *mainloop.Loop
	Policy   policy.Policy
	Strategy Strategy

	HistorySize        int
	MetricsInterval    time.Duration
	EvaluationInterval time.Duration

	Source  telemetry.Source
	Signals *events.Topic[capability.Signals]

	Cores                int
	AcceleratorSupported bool

	Memory    MemoryCleaner
	UI        UIController
	Inference InferenceGate
	Lanes     LanePauser
	Threads   inference.ThreadController
	GPU       inference.GPUController
	KVCache   inference.KVCacheClearer

	Latency     func() (time.Duration, bool)
	FrameRate   func() float64
	Connections func() int

	Logger *slog.Logger
	Tracer trace.Tracer
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// PassReport describes a finished optimization pass.
type PassReport struct {
	Kind      string         `json:"kind"`
	Strategy  string         `json:"strategy"`
	Started   time.Time      `json:"started"`
	Duration  time.Duration  `json:"duration"`
	Score     float64        `json:"performance_score"`
	Actions   []ActionResult `json:"actions,omitempty"`
	Recovered []ActionResult `json:"recovered,omitempty"`
}

// Status is the published orchestrator state.
type Status struct {
	Score      float64            `json:"performance_score"`
	Strategy   Strategy           `json:"strategy"`
	Optimizing bool               `json:"optimizing"`
	Emergency  bool               `json:"emergency"`
	Degraded   []string           `json:"degraded,omitempty"`
	LastSample *PerformanceSample `json:"last_sample,omitempty"`
	LastPass   *PassReport        `json:"last_pass,omitempty"`
}

// Orchestrator is the top-level control loop.
type Orchestrator struct {
	loop    *mainloop.Loop
	policy  policy.Policy
	logger  *slog.Logger
	tracer  trace.Tracer
	history *History

	metricsInterval    time.Duration
	evaluationInterval time.Duration

	source      telemetry.Source
	signals     *events.Topic[capability.Signals]
	cores       int
	accelerated bool
	memory      MemoryCleaner
	ui          UIController
	gate        InferenceGate
	lanes       LanePauser
	threads     inference.ThreadController
	gpu         inference.GPUController
	kvCache     inference.KVCacheClearer
	latency     func() (time.Duration, bool)
	frameRate   func() float64
	connections func() int

	actions  []action
	strategy atomic.Pointer[Strategy]

	// optimizing guards one pass at a time; degraded and the emergency
	// transitions are only touched by its holder.
	optimizing atomic.Bool
	emergency  atomic.Bool
	degraded   map[string]bool

	// loop-owned
	status Status

	statusTopic *events.Topic[Status]
}

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Loop == nil {
		return nil, errors.New("orchestrator requires a main loop")
	}
	if opts.Source == nil {
		return nil, errors.New("orchestrator requires a telemetry source")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = defaultMetricsInterval
	}
	if opts.EvaluationInterval <= 0 {
		opts.EvaluationInterval = defaultEvaluationInterval
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.Cores <= 0 {
		opts.Cores = 1
	}
	if opts.Strategy.Name == "" {
		opts.Strategy = DefaultStrategy()
	}

	o := &Orchestrator{
		loop:               opts.Loop,
		policy:             opts.Policy,
		logger:             opts.Logger.With("component", "orchestrator"),
		tracer:             opts.Tracer,
		history:            NewHistory(opts.HistorySize),
		metricsInterval:    opts.MetricsInterval,
		evaluationInterval: opts.EvaluationInterval,
		source:             opts.Source,
		signals:            opts.Signals,
		cores:              opts.Cores,
		accelerated:        opts.AcceleratorSupported,
		memory:             opts.Memory,
		ui:                 opts.UI,
		gate:               opts.Inference,
		lanes:              opts.Lanes,
		threads:            opts.Threads,
		gpu:                opts.GPU,
		kvCache:            opts.KVCache,
		latency:            opts.Latency,
		frameRate:          opts.FrameRate,
		connections:        opts.Connections,
		degraded:           make(map[string]bool),
		statusTopic:        events.NewTopic[Status](0),
	}
	strategy := opts.Strategy
	o.strategy.Store(&strategy)
	o.actions = o.buildActions()
	o.status = Status{Score: 1, Strategy: strategy}
	o.statusTopic.Publish(o.status)
	return o, nil
}

// Status returns the topic carrying orchestrator updates.
func (o *Orchestrator) Status() *events.Topic[Status] { return o.statusTopic }

// History returns the performance history ring.
func (o *Orchestrator) History() *History { return o.history }

// Strategy returns the active strategy.
func (o *Orchestrator) Strategy() Strategy { return *o.strategy.Load() }

// Run drives both cadences and the emergency path until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	metrics := time.NewTicker(o.metricsInterval)
	defer metrics.Stop()
	evaluation := time.NewTicker(o.evaluationInterval)
	defer evaluation.Stop()

	var signals <-chan capability.Signals
	if o.signals != nil {
		ch, cancel := o.signals.Subscribe()
		defer cancel()
		signals = ch
	}

	o.logger.Info("orchestrator started",
		"strategy", o.Strategy().Name,
		"metrics_interval", o.metricsInterval,
		"evaluation_interval", o.evaluationInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-metrics.C:
			if _, err := o.CollectMetrics(ctx); err != nil {
				o.logger.Debug("metrics collection failed", "err", err)
			}
		case <-evaluation.C:
			if _, err := o.Evaluate(ctx); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrEmergencyActive) {
				o.logger.Warn("optimization pass failed", "err", err)
			}
		case s, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			o.HandleSignals(ctx, s)
		}
	}
}

// CollectMetrics takes a performance sample, appends it to the history and
// publishes its score.
func (o *Orchestrator) CollectMetrics(ctx context.Context) (PerformanceSample, error) {
	raw := o.source.Sample()
	sample := PerformanceSample{
		Timestamp:    raw.Timestamp,
		ThermalState: capability.ThermalStateFor(raw.TempC, o.policy.Thermal),
		BatteryLevel: 1,
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	if raw.Memory.TotalBytes != nil {
		sample.MemoryTotal = *raw.Memory.TotalBytes
	}
	if used, ok := raw.Memory.UsedBytes(); ok {
		sample.MemoryUsed = used
	}
	if raw.CPUUsage != nil {
		sample.CPUUsage = *raw.CPUUsage
	}
	if raw.BatteryLevel != nil {
		sample.BatteryLevel = *raw.BatteryLevel
	}
	// The classifier owns the thermal and battery view when present.
	if o.signals != nil {
		if s, ok := o.signals.Latest(); ok {
			sample.ThermalState = s.ThermalState
			sample.BatteryLevel = s.BatteryLevel
		}
	}
	if o.latency != nil {
		if d, ok := o.latency(); ok {
			sample.InferenceLatency = &d
		}
	}
	if o.frameRate != nil {
		sample.UIFrameRate = o.frameRate()
	}
	if o.connections != nil {
		sample.ActiveConnections = o.connections()
	}
	sample.Score = Score(sample, o.policy.Thermal.Scale, o.policy.Battery)

	o.history.Append(sample)
	err := o.update(ctx, func(s *Status) {
		s.Score = sample.Score
		s.LastSample = &sample
	})
	return sample, err
}

// Evaluate runs a scheduled pass: actions are dispatched only when the latest
// sample breaches the strategy thresholds.
func (o *Orchestrator) Evaluate(ctx context.Context) (PassReport, error) {
	return o.pass(ctx, KindScheduled)
}

// ForceOptimization takes a fresh sample and runs every applicable action
// regardless of the strategy gate.
func (o *Orchestrator) ForceOptimization(ctx context.Context) (PassReport, error) {
	if _, err := o.CollectMetrics(ctx); err != nil {
		return PassReport{}, err
	}
	return o.pass(ctx, KindForced)
}

// SetStrategy switches the active strategy.
func (o *Orchestrator) SetStrategy(ctx context.Context, name string) (Strategy, error) {
	s, err := StrategyByName(name)
	if err != nil {
		return Strategy{}, err
	}
	prev := o.strategy.Swap(&s)
	if prev.Name != s.Name {
		o.logger.Info("optimization strategy changed", "from", prev.Name, "to", s.Name)
	}
	return s, o.update(ctx, func(st *Status) { st.Strategy = s })
}

func (o *Orchestrator) assess(ctx context.Context) (assessment, error) {
	sample, ok := o.history.Latest()
	if !ok {
		var err error
		if sample, err = o.CollectMetrics(ctx); err != nil {
			return assessment{}, err
		}
	}
	a := assessment{
		sample:     sample,
		strategy:   o.Strategy(),
		lowBattery: sample.BatteryLevel < o.policy.Battery.LowLevel,
	}
	if o.signals != nil {
		a.signals, _ = o.signals.Latest()
	}
	return a, nil
}

func (o *Orchestrator) pass(ctx context.Context, kind string) (PassReport, error) {
	if !o.optimizing.CompareAndSwap(false, true) {
		o.logger.Debug("optimization trigger ignored", "kind", kind)
		return PassReport{}, ErrBusy
	}
	defer o.optimizing.Store(false)

	if o.emergency.Load() {
		return PassReport{}, ErrEmergencyActive
	}

	a, err := o.assess(ctx)
	if err != nil {
		return PassReport{}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.pass", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("strategy", a.strategy.Name),
		attribute.Float64("score", a.sample.Score),
	))
	defer span.End()

	_ = o.update(ctx, func(s *Status) { s.Optimizing = true })

	report := PassReport{
		Kind:     kind,
		Strategy: a.strategy.Name,
		Started:  time.Now().UTC(),
		Score:    a.sample.Score,
	}

	switch {
	case kind == KindForced || a.needsOptimization():
		for _, act := range o.actions {
			if !act.applies(a) {
				continue
			}
			res := ActionResult{Name: act.name}
			if err := act.apply(ctx, a); err != nil {
				o.logger.Warn("optimization action failed", "action", act.name, "err", err)
				res.Error = err.Error()
			} else if act.undo != nil {
				o.degraded[act.name] = true
			}
			report.Actions = append(report.Actions, res)
		}
	case a.healthy() && len(o.degraded) > 0:
		report.Recovered = o.recover(ctx)
	}

	report.Duration = time.Since(report.Started)
	span.SetAttributes(
		attribute.Int("actions", len(report.Actions)),
		attribute.Int("recovered", len(report.Recovered)),
	)
	if failed(report.Actions) > 0 || failed(report.Recovered) > 0 {
		span.SetStatus(codes.Error, "optimization actions failed")
	}

	if len(report.Actions) > 0 || len(report.Recovered) > 0 {
		o.logger.Info("optimization pass finished",
			"kind", kind,
			"strategy", a.strategy.Name,
			"score", a.sample.Score,
			"actions", len(report.Actions),
			"recovered", len(report.Recovered),
		)
	}

	degraded := o.degradedNames()
	err = o.update(ctx, func(s *Status) {
		s.Optimizing = false
		s.Degraded = degraded
		s.LastPass = &report
	})
	return report, err
}

func (o *Orchestrator) recover(ctx context.Context) []ActionResult {
	var out []ActionResult
	for _, act := range o.actions {
		if !o.degraded[act.name] {
			continue
		}
		res := ActionResult{Name: act.name}
		if err := act.undo(ctx); err != nil {
			o.logger.Warn("recovery action failed", "action", act.name, "err", err)
			res.Error = err.Error()
		} else {
			delete(o.degraded, act.name)
		}
		out = append(out, res)
	}
	return out
}

func (o *Orchestrator) degradedNames() []string {
	out := make([]string, 0, len(o.degraded))
	for name := range o.degraded {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// update applies fn to the loop-owned status and publishes the result.
func (o *Orchestrator) update(ctx context.Context, fn func(*Status)) error {
	return o.loop.Do(ctx, func() {
		fn(&o.status)
		o.statusTopic.Publish(o.status)
	})
}

func failed(results []ActionResult) int {
	n := 0
	for _, r := range results {
		if r.Error != "" {
			n++
		}
	}
	return n
}

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/mainloop"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/presentation"
	"github.com/skobkin/resgov/internal/telemetry"
)

const gib = 1 << 30

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

type fakeCleaner struct {
	rec     *recorder
	entered chan struct{}
	release chan struct{}
}

func (c *fakeCleaner) ForceCleanup(aggressive bool) {
	if c.entered != nil {
		c.entered <- struct{}{}
		<-c.release
	}
	if aggressive {
		c.rec.add("cleanup:aggressive")
		return
	}
	c.rec.add("cleanup:standard")
}

type fakeUI struct{ rec *recorder }

func (u fakeUI) ForceMode(_ context.Context, mode presentation.Mode, reason string) error {
	u.rec.add("ui:" + mode.String() + ":" + reason)
	return nil
}

func (u fakeUI) ClearForcedMode(context.Context) error {
	u.rec.add("ui:clear")
	return nil
}

type fakeGate struct{ rec *recorder }

func (g fakeGate) SuspendInference(_ context.Context, reason string) error {
	g.rec.add("suspend:" + reason)
	return nil
}

func (g fakeGate) ResumeInference(context.Context) error {
	g.rec.add("resume")
	return nil
}

type fakeLanes struct{ rec *recorder }

func (l fakeLanes) Pause(p compute.Priority)  { l.rec.add("pause:" + p.String()) }
func (l fakeLanes) Resume(p compute.Priority) { l.rec.add("resume:" + p.String()) }

type fakeEngine struct{ rec *recorder }

func (e fakeEngine) SetThreads(n int) {
	if n == 8 {
		e.rec.add("threads:full")
		return
	}
	e.rec.add("threads:reduced")
}

func (e fakeEngine) SetGPUEnabled(enabled bool) {
	if enabled {
		e.rec.add("gpu:on")
		return
	}
	e.rec.add("gpu:off")
}

type sampleSource struct {
	mu sync.Mutex
	s  telemetry.Sample
}

func (s *sampleSource) set(memRatio, cpu float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := uint64(8 * gib)
	s.s = telemetry.Sample{
		Memory: telemetry.Memory{
			TotalBytes:     telemetry.Uint64(total),
			AvailableBytes: telemetry.Uint64(uint64(float64(total) * (1 - memRatio))),
		},
		CPUUsage: telemetry.Float64(cpu),
	}
}

func (s *sampleSource) Sample() telemetry.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

type harness struct {
	ctx     context.Context
	orch    *Orchestrator
	rec     *recorder
	source  *sampleSource
	signals *events.Topic[capability.Signals]
	cleaner *fakeCleaner
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop := mainloop.New(0, nil)
	go func() { _ = loop.Run(ctx) }()

	p := policy.Default()
	p.Emergency.CleanupPause = time.Millisecond

	h := &harness{
		ctx:     ctx,
		rec:     &recorder{},
		source:  &sampleSource{},
		signals: events.NewTopic[capability.Signals](0),
	}
	h.cleaner = &fakeCleaner{rec: h.rec}
	h.source.set(0.2, 0.1)
	h.signals.Publish(capability.Signals{BatteryLevel: 1, Charging: true})

	engine := fakeEngine{rec: h.rec}
	orch, err := New(Options{
		Loop:                 loop,
		Policy:               p,
		MetricsInterval:      time.Hour,
		EvaluationInterval:   time.Hour,
		HistorySize:          4,
		Source:               h.source,
		Signals:              h.signals,
		Cores:                8,
		AcceleratorSupported: true,
		Memory:               h.cleaner,
		UI:                   fakeUI{rec: h.rec},
		Inference:            fakeGate{rec: h.rec},
		Lanes:                fakeLanes{rec: h.rec},
		Threads:              engine,
		GPU:                  engine,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) status() Status {
	s, _ := h.orch.Status().Latest()
	return s
}

func TestScoreIsMultiplicative(t *testing.T) {
	t.Parallel()

	p := policy.Default()
	s := PerformanceSample{MemoryUsed: 4 * gib, MemoryTotal: 8 * gib, CPUUsage: 0.2, BatteryLevel: 1}
	assert.InDelta(t, 0.4, Score(s, p.Thermal.Scale, p.Battery), 1e-9)

	s.ThermalState = capability.ThermalCritical
	assert.InDelta(t, 0.2, Score(s, p.Thermal.Scale, p.Battery), 1e-9)

	s.BatteryLevel = 0.1
	assert.InDelta(t, 0.16, Score(s, p.Thermal.Scale, p.Battery), 1e-9)

	s = PerformanceSample{CPUUsage: 1.5, BatteryLevel: 1}
	assert.Zero(t, Score(s, p.Thermal.Scale, p.Battery))
}

func TestHistoryEvictsOldest(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	_, ok := h.Latest()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		h.Append(PerformanceSample{ActiveConnections: i})
	}
	assert.Equal(t, 3, h.Len())
	var got []int
	for _, s := range h.Snapshot() {
		got = append(got, s.ActiveConnections)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 5, latest.ActiveConnections)
}

func TestStrategies(t *testing.T) {
	t.Parallel()

	s, err := StrategyByName(" Battery_Saver ")
	require.NoError(t, err)
	assert.True(t, s.SaveBattery)
	_, err = StrategyByName("ludicrous")
	assert.Error(t, err)

	names := make([]string, 0, 4)
	for _, s := range Strategies() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"aggressive", "balanced", "battery_saver", "conservative"}, names)
	assert.Equal(t, StrategyBalanced, DefaultStrategy().Name)
}

func TestHealthyPassDispatchesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sample, err := h.orch.CollectMetrics(h.ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.72, sample.Score, 1e-6)
	assert.InDelta(t, 0.72, h.status().Score, 1e-6)

	report, err := h.orch.Evaluate(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
	assert.Empty(t, h.rec.take())
}

func TestPassIsGuardedPerActionAndRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.set(0.5, 0.95)
	_, err := h.orch.CollectMetrics(h.ctx)
	require.NoError(t, err)

	report, err := h.orch.Evaluate(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, KindScheduled, report.Kind)
	assert.ElementsMatch(t,
		[]string{"threads:reduced", "ui:minimal:optimization", "pause:background"},
		h.rec.take(),
		"memory and gpu predicates do not hold",
	)
	assert.Equal(t, []string{"background", "cpu", "ui"}, h.status().Degraded)

	h.source.set(0.2, 0.1)
	_, err = h.orch.CollectMetrics(h.ctx)
	require.NoError(t, err)
	report, err = h.orch.Evaluate(h.ctx)
	require.NoError(t, err)
	assert.Len(t, report.Recovered, 3)
	assert.ElementsMatch(t, []string{"threads:full", "ui:clear", "resume:background"}, h.rec.take())
	assert.Empty(t, h.status().Degraded)
}

func TestThermalPassTogglesGPU(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signals.Publish(capability.Signals{ThermalState: capability.ThermalSerious, BatteryLevel: 1, Charging: true})
	_, err := h.orch.CollectMetrics(h.ctx)
	require.NoError(t, err)

	_, err = h.orch.Evaluate(h.ctx)
	require.NoError(t, err)
	calls := h.rec.take()
	assert.Contains(t, calls, "gpu:off")
	assert.Contains(t, calls, "ui:reduced:optimization")
}

func TestForceOptimizationBypassesGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signals.Publish(capability.Signals{BatteryLevel: 0.5, PowerSaveEnabled: true})

	report, err := h.orch.ForceOptimization(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, KindForced, report.Kind)
	assert.Equal(t, []string{"pause:background"}, h.rec.take())
	assert.Equal(t, 1, h.orch.History().Len())
}

func TestOverlappingPassIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cleaner.entered = make(chan struct{})
	h.cleaner.release = make(chan struct{})
	h.source.set(0.85, 0.1)
	_, err := h.orch.CollectMetrics(h.ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Evaluate(h.ctx)
		done <- err
	}()
	<-h.cleaner.entered

	_, err = h.orch.Evaluate(h.ctx)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = h.orch.ForceOptimization(h.ctx)
	assert.ErrorIs(t, err, ErrBusy)

	close(h.cleaner.release)
	require.NoError(t, <-done)
}

func TestEmergencyPathIsEdgeTriggered(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	critical := capability.Signals{ThermalState: capability.ThermalCritical, MemoryPressureRatio: 0.95, IsThrottling: true}

	h.orch.HandleSignals(h.ctx, critical)
	assert.Equal(t, []string{
		"cleanup:aggressive",
		"cleanup:aggressive",
		"cleanup:aggressive",
		"ui:emergency:emergency",
		"suspend:emergency",
	}, h.rec.take())
	assert.True(t, h.status().Emergency)

	h.orch.HandleSignals(h.ctx, critical)
	assert.Empty(t, h.rec.take(), "held conditions do not re-trigger")

	_, err := h.orch.Evaluate(h.ctx)
	assert.ErrorIs(t, err, ErrEmergencyActive)

	h.orch.HandleSignals(h.ctx, capability.Signals{BatteryLevel: 1, Charging: true})
	assert.Equal(t, []string{"ui:clear", "resume"}, h.rec.take())
	assert.False(t, h.status().Emergency)
}

func TestRunArmsEmergencyFromSignals(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	go func() { _ = h.orch.Run(h.ctx) }()

	require.Eventually(t, func() bool {
		h.signals.Publish(capability.Signals{MemoryPressureRatio: 0.93})
		return h.status().Emergency
	}, time.Second, 10*time.Millisecond)
}

func TestSetStrategy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.orch.SetStrategy(h.ctx, "aggressive")
	require.NoError(t, err)
	assert.Equal(t, StrategyAggressive, s.Name)
	assert.Equal(t, StrategyAggressive, h.orch.Strategy().Name)
	assert.Equal(t, StrategyAggressive, h.status().Strategy.Name)

	_, err = h.orch.SetStrategy(h.ctx, "nope")
	assert.Error(t, err)
	assert.Equal(t, StrategyAggressive, h.orch.Strategy().Name)
}

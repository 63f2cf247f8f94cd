package governor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/lifecycle"
	"github.com/skobkin/resgov/internal/orchestrator"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/presentation"
	"github.com/skobkin/resgov/internal/telemetry"
)

const gib = 1 << 30

type echoEngine struct {
	loaded  atomic.Bool
	loads   atomic.Int32
	unloads atomic.Int32
}

func (e *echoEngine) LoadModel(context.Context, string, int) error {
	e.loads.Add(1)
	e.loaded.Store(true)
	return nil
}

func (e *echoEngine) UnloadModel() error {
	e.unloads.Add(1)
	e.loaded.Store(false)
	return nil
}

func (e *echoEngine) IsModelLoaded() bool { return e.loaded.Load() }
func (e *echoEngine) IsGenerating() bool  { return false }
func (e *echoEngine) MemoryUsage() uint64 { return 0 }

func (e *echoEngine) Generate(_ context.Context, prompt string, _ inference.Params) (<-chan inference.Token, error) {
	if !e.loaded.Load() {
		return nil, inference.ErrModelNotLoaded
	}
	ch := make(chan inference.Token, 1)
	ch <- inference.Token{Text: strings.ToUpper(prompt)}
	close(ch)
	return ch, nil
}

type hostSource struct {
	mu sync.Mutex
	s  telemetry.Sample
}

func (h *hostSource) set(tempC, memRatio float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := uint64(16 * gib)
	h.s = telemetry.Sample{
		Memory: telemetry.Memory{
			TotalBytes:     telemetry.Uint64(total),
			AvailableBytes: telemetry.Uint64(uint64(float64(total) * (1 - memRatio))),
		},
		CPUUsage: telemetry.Float64(0.1),
		TempC:    telemetry.Float64(tempC),
	}
}

func (h *hostSource) Sample() telemetry.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

func newGovernor(t *testing.T, modelPath string) (*Governor, *hostSource, *echoEngine) {
	t.Helper()

	p := policy.Default()
	p.Emergency.CleanupPause = time.Millisecond

	source := &hostSource{}
	source.set(40, 0.3)
	engine := &echoEngine{}

	g, err := New(Config{
		Policy:             p,
		SignalInterval:     10 * time.Millisecond,
		MemoryInterval:     10 * time.Millisecond,
		MetricsInterval:    10 * time.Millisecond,
		EvaluationInterval: time.Hour,
		HistorySize:        16,
		BufferPoolSize:     4,
		ModelPath:          modelPath,
		ContextSize:        2048,
	}, Deps{
		Facts:  capability.Facts{Cores: 8, MemoryBytes: 16 * gib},
		Source: source,
		Engine: engine,
	})
	require.NoError(t, err)
	return g, source, engine
}

func start(t *testing.T, g *Governor) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("governor did not stop")
		}
	})
	return ctx
}

func latest(g *Governor) Snapshot {
	s, _ := g.State().Latest()
	return s
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Policy: policy.Default(), Strategy: "reckless"}, Deps{
		Source: &hostSource{},
		Engine: &echoEngine{},
	})
	assert.Error(t, err)

	_, err = New(Config{Policy: policy.Default()}, Deps{Engine: &echoEngine{}})
	assert.Error(t, err)
}

func TestInitialSnapshot(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, "")
	s := latest(g)
	assert.Equal(t, capability.TierHigh, s.Baseline.Tier)
	assert.Equal(t, s.Baseline, s.Profile)
	assert.Equal(t, presentation.ModeFull, s.Presentation.Mode)
	assert.Equal(t, lifecycle.StateActive, s.Lifecycle.State)
	assert.Equal(t, orchestrator.StrategyBalanced, s.Orchestrator.Strategy.Name)
	assert.Len(t, s.Lanes, 4)
}

func TestCriticalConditionsDegradeEverything(t *testing.T) {
	t.Parallel()

	g, source, _ := newGovernor(t, "")
	source.set(95, 0.95)
	start(t, g)

	require.Eventually(t, func() bool {
		s := latest(g)
		return s.Presentation.Mode == presentation.ModeEmergency &&
			s.Orchestrator.Emergency &&
			s.Lifecycle.Suspended != ""
	}, 2*time.Second, 10*time.Millisecond)

	s := latest(g)
	assert.Equal(t, capability.ThermalCritical, s.Signals.ThermalState)
	assert.True(t, s.Signals.IsThrottling)
	assert.Equal(t, s.Baseline.Tier, s.Profile.Tier, "tier never changes at runtime")
	assert.Equal(t, 1, s.Profile.MaxConcurrentInferences)
	assert.LessOrEqual(t, s.Profile.MaxMemoryBudget, s.Baseline.MaxMemoryBudget)

	source.set(40, 0.3)
	require.Eventually(t, func() bool {
		s := latest(g)
		return !s.Orchestrator.Emergency && s.Lifecycle.Suspended == "" && s.Presentation.Mode == presentation.ModeFull
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInferenceRoundTrip(t *testing.T) {
	t.Parallel()

	g, _, engine := newGovernor(t, "/models/tiny.gguf")
	ctx := start(t, g)

	require.NoError(t, g.LoadModel(ctx))
	assert.EqualValues(t, 1, engine.loads.Load())

	sub, err := g.Lifecycle.SubmitInference(ctx, inference.NewRequest("ping", inference.Params{}))
	require.NoError(t, err)
	select {
	case c := <-sub.Done:
		assert.Equal(t, "PING", c.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("inference did not complete")
	}

	_, ok := g.Runner.LastLatency()
	assert.True(t, ok)
}

func TestLoadModelWarmsAccelerator(t *testing.T) {
	t.Parallel()

	source := &hostSource{}
	source.set(40, 0.3)
	engine := &echoEngine{}
	g, err := New(Config{
		Policy:             policy.Default(),
		SignalInterval:     10 * time.Millisecond,
		MemoryInterval:     10 * time.Millisecond,
		MetricsInterval:    10 * time.Millisecond,
		EvaluationInterval: time.Hour,
		HistorySize:        16,
		BufferPoolSize:     4,
		ModelPath:          "/models/tiny.gguf",
	}, Deps{
		Facts:  capability.Facts{Cores: 8, MemoryBytes: 16 * gib},
		Source: source,
		Engine: engine,
		Device: compute.NewHostDevice("test", true),
	})
	require.NoError(t, err)

	require.NoError(t, g.LoadModel(context.Background()))
	assert.EqualValues(t, 1, engine.loads.Load())

	stats := g.Buffers.Stats()
	assert.Equal(t, 3, stats.Pooled, "warm-up operands return to the pool")
	assert.Zero(t, stats.Outstanding)
}

func TestLoadModelWithoutPathIsNoop(t *testing.T) {
	t.Parallel()

	g, _, engine := newGovernor(t, "")
	require.NoError(t, g.LoadModel(context.Background()))
	assert.Zero(t, engine.loads.Load())
}

// Package governor composes the resource governor components. It is the only
// place that knows about all of them; each component only sees the narrow
// interfaces it was handed.
package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/skobkin/resgov/internal/cache"
	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/lifecycle"
	"github.com/skobkin/resgov/internal/mainloop"
	"github.com/skobkin/resgov/internal/memgov"
	"github.com/skobkin/resgov/internal/orchestrator"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/presentation"
	"github.com/skobkin/resgov/internal/telemetry"
)

const loopQueueSize = 256

// Config holds the tunables of the composed governor.
type Config struct {
	Policy             policy.Policy
	SignalInterval     time.Duration
	MemoryInterval     time.Duration
	MetricsInterval    time.Duration
	EvaluationInterval time.Duration
	HistorySize        int
	Strategy           string
	BufferPoolSize     int
	ModelPath          string
	ContextSize        int
	// CgroupDir enables the memory.events watcher when set.
	CgroupDir string
}

// Deps are the external collaborators.
type Deps struct {
	Facts  capability.Facts
	Source telemetry.Source
	Engine inference.Engine
	// Device backs the buffer pool; a host device is used when nil.
	Device      compute.Device
	Grants      lifecycle.GrantProvider
	MemoryCache *cache.Memory
	DiskCache   *cache.Disk
	Connections func() int
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Governor owns every component and the bridges between them.
type Governor struct {
	cfg    Config
	logger *slog.Logger
	loop   *mainloop.Loop
	engine inference.Engine

	Classifier   *capability.Classifier
	Memory       *memgov.Governor
	Pool         *compute.Pool
	Buffers      *compute.BufferPool
	Accelerator  *compute.Accelerator
	Runner       *inference.Runner
	Lifecycle    *lifecycle.Coordinator
	Presentation *presentation.Controller
	Orchestrator *orchestrator.Orchestrator

	cgroup *memgov.CgroupWatcher
	state  *events.Topic[Snapshot]
}

// New builds every component. Owners are constructed before the components
// holding handles on them.
func New(cfg Config, deps Deps) (*Governor, error) {
	if deps.Source == nil {
		return nil, errors.New("governor requires a telemetry source")
	}
	if deps.Engine == nil {
		return nil, errors.New("governor requires an inference engine")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	strategy := orchestrator.DefaultStrategy()
	if cfg.Strategy != "" {
		s, err := orchestrator.StrategyByName(cfg.Strategy)
		if err != nil {
			return nil, err
		}
		strategy = s
	}

	g := &Governor{
		cfg:    cfg,
		logger: deps.Logger.With("component", "governor"),
		loop:   mainloop.New(loopQueueSize, deps.Logger),
		engine: deps.Engine,
		state:  events.NewTopic[Snapshot](0),
	}

	baseline := capability.Detect(deps.Facts)
	g.logger.Info("resource profile detected",
		"tier", baseline.Tier.String(),
		"accelerated", baseline.SupportsAcceleratedCompute,
		"max_memory_budget", baseline.MaxMemoryBudget,
		"max_concurrent", baseline.MaxConcurrentInferences,
	)

	var err error
	g.Classifier, err = capability.NewClassifier(capability.Options{
		Loop:     g.loop,
		Source:   deps.Source,
		Policy:   cfg.Policy,
		Baseline: baseline,
		Interval: cfg.SignalInterval,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init classifier: %w", err)
	}

	g.Pool = compute.NewPool(compute.SizesFor(deps.Facts.Cores), deps.Logger)

	device := deps.Device
	if device == nil {
		device = compute.NewHostDevice("host", baseline.SupportsAcceleratedCompute)
	}
	g.Buffers = compute.NewBufferPool(device, cfg.BufferPoolSize, deps.Logger)
	g.Accelerator = compute.NewAccelerator(g.Pool, g.Buffers)

	var nonEssential, persisted []memgov.Purger
	if deps.MemoryCache != nil {
		nonEssential = append(nonEssential, deps.MemoryCache)
	}
	if deps.DiskCache != nil {
		persisted = append(persisted, deps.DiskCache)
	}
	g.Memory, err = memgov.New(memgov.Options{
		Loop:         g.loop,
		Source:       deps.Source,
		Policy:       cfg.Policy.Memory,
		Interval:     cfg.MemoryInterval,
		NonEssential: nonEssential,
		Persisted:    persisted,
		Model:        deps.Engine,
		Buffers:      g.Buffers,
		FreeOSMemory: debug.FreeOSMemory,
		Logger:       deps.Logger,
		Tracer:       deps.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("init memory governor: %w", err)
	}

	if cfg.CgroupDir != "" {
		g.cgroup = memgov.NewCgroupWatcher(cfg.CgroupDir, func(counter string) {
			if err := g.Memory.HandleLowMemory(context.Background(), "cgroup:"+counter); err != nil {
				g.logger.Debug("low memory signal dropped", "err", err)
			}
		}, deps.Logger)
	}

	g.Runner = inference.NewRunner(inference.RunnerOptions{
		Engine: deps.Engine,
		Pool:   g.Pool,
		Memory: deps.MemoryCache,
		Disk:   deps.DiskCache,
		Logger: deps.Logger,
	})

	g.Lifecycle, err = lifecycle.New(lifecycle.Options{
		Loop:        g.loop,
		Policy:      cfg.Policy.Lifecycle,
		Grants:      deps.Grants,
		Cleaner:     g.Memory,
		Executor:    g.Runner,
		Engine:      deps.Engine,
		Lanes:       g.Pool,
		ModelPath:   cfg.ModelPath,
		ContextSize: cfg.ContextSize,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init lifecycle coordinator: %w", err)
	}

	g.Presentation, err = presentation.NewController(presentation.Options{
		Loop:   g.loop,
		Policy: cfg.Policy.Presentation,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init presentation controller: %w", err)
	}

	orchOpts := orchestrator.Options{
		Loop:                 g.loop,
		Policy:               cfg.Policy,
		Strategy:             strategy,
		HistorySize:          cfg.HistorySize,
		MetricsInterval:      cfg.MetricsInterval,
		EvaluationInterval:   cfg.EvaluationInterval,
		Source:               deps.Source,
		Signals:              g.Classifier.Signals(),
		Cores:                deps.Facts.Cores,
		AcceleratorSupported: baseline.SupportsAcceleratedCompute,
		Memory:               g.Memory,
		UI:                   g.Presentation,
		Inference:            g.Lifecycle,
		Lanes:                g.Pool,
		Latency:              g.Runner.LastLatency,
		FrameRate: func() float64 {
			return float64(presentation.PolicyFor(g.Presentation.Mode()).TargetRefreshRate)
		},
		Connections: deps.Connections,
		Logger:      deps.Logger,
		Tracer:      deps.Tracer,
	}
	if tc, ok := deps.Engine.(inference.ThreadController); ok {
		orchOpts.Threads = tc
	}
	if gc, ok := deps.Engine.(inference.GPUController); ok {
		orchOpts.GPU = gc
	}
	if kv, ok := deps.Engine.(inference.KVCacheClearer); ok {
		orchOpts.KVCache = kv
	}
	g.Orchestrator, err = orchestrator.New(orchOpts)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	g.state.Publish(g.Snapshot())
	return g, nil
}

// Loop returns the main loop every published-state write runs on.
func (g *Governor) Loop() *mainloop.Loop { return g.loop }

// State returns the topic carrying combined snapshots.
func (g *Governor) State() *events.Topic[Snapshot] { return g.state }

// Run starts every component and bridge and blocks until ctx is canceled
// or a component fails.
func (g *Governor) Run(ctx context.Context) error {
	// The loop outlives the components so that shutdown can still post to it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- g.loop.Run(loopCtx) }()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return g.Classifier.Run(ctx) })
	group.Go(func() error { return g.Memory.Run(ctx) })
	group.Go(func() error { return g.Orchestrator.Run(ctx) })
	group.Go(func() error { return g.forwardSignals(ctx) })
	group.Go(func() error { return g.forwardWarnings(ctx) })
	group.Go(func() error { return g.publishSnapshots(ctx) })

	if g.cgroup != nil {
		group.Go(func() error {
			if err := g.cgroup.Run(ctx); err != nil {
				g.logger.Warn("cgroup watcher stopped, polling only", "err", err)
			}
			return nil
		})
	}

	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Lifecycle.Close(closeCtx); err != nil {
		g.logger.Debug("lifecycle close", "err", err)
	}

	err := group.Wait()
	g.Memory.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// LoadModel loads the configured model on the model-load lane, then warms
// the accelerator when a device is present.
func (g *Governor) LoadModel(ctx context.Context) error {
	if g.cfg.ModelPath == "" {
		return nil
	}
	_, err := compute.Submit(ctx, g.Pool, compute.PriorityModelLoad, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.engine.LoadModel(ctx, g.cfg.ModelPath, g.cfg.ContextSize)
	})
	if err != nil {
		return fmt.Errorf("load model %s: %w", g.cfg.ModelPath, err)
	}
	g.logger.Info("model loaded", "path", g.cfg.ModelPath)

	switch err := g.Accelerator.WarmUp(ctx); {
	case errors.Is(err, compute.ErrAcceleratorUnavailable):
		g.logger.Debug("accelerator warm-up skipped", "reason", "no device")
	case err != nil:
		g.logger.Warn("accelerator warm-up failed", "err", err)
	}
	return nil
}

func (g *Governor) forwardSignals(ctx context.Context) error {
	ch, cancel := g.Classifier.Signals().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			if err := g.Presentation.Update(ctx, s); err != nil && ctx.Err() == nil {
				g.logger.Debug("presentation update failed", "err", err)
			}
		}
	}
}

func (g *Governor) forwardWarnings(ctx context.Context) error {
	ch, cancel := g.Memory.Warnings().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-ch:
			if !ok {
				return nil
			}
			g.logger.Debug("forwarding low memory warning", "source", w.Source)
			if err := g.Lifecycle.HandleMemoryWarning(ctx); err != nil && ctx.Err() == nil {
				g.logger.Debug("lifecycle memory warning failed", "err", err)
			}
		}
	}
}

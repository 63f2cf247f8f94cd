package memgov

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/mainloop"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/telemetry"
)

const (
	defaultInterval  = 5 * time.Second
	tracerName       = "github.com/skobkin/resgov/internal/memgov"
	cleanupFlightKey = "cleanup"
)

// Purger clears one transient cache.
type Purger interface {
	Name() string
	Purge(ctx context.Context) error
}

// ModelUnloader is a non-owning handle on the inference engine.
type ModelUnloader interface {
	IsModelLoaded() bool
	IsGenerating() bool
	UnloadModel() error
}

// BufferReleaser is a non-owning handle on the accelerator buffer pool.
type BufferReleaser interface {
	ClearMemoryPool()
}

// Options configures a Governor.
type Options struct {
	Loop     *mainloop.Loop
	Source   telemetry.Source
	Policy   policy.MemoryPolicy
	Interval time.Duration

	// NonEssential caches are purged by every cleanup; Persisted caches
	// from standard cleanup upwards.
	NonEssential []Purger
	Persisted    []Purger
	Model        ModelUnloader
	Buffers      BufferReleaser

	// FreeOSMemory returns freed heap to the OS during aggressive cleanup.
	FreeOSMemory func()

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Governor owns the memory pressure state machine.
type Governor struct {
	loop     *mainloop.Loop
	source   telemetry.Source
	policy   policy.MemoryPolicy
	interval time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer

	nonEssential []Purger
	persisted    []Purger
	model        ModelUnloader
	buffers      BufferReleaser
	freeOSMemory func()

	// loop-owned
	status Status

	flight   singleflight.Group
	inflight sync.WaitGroup

	levels   *events.Topic[Status]
	cleanups *events.Topic[CleanupReport]
	warnings *events.Topic[Warning]
}

// New constructs a Governor.
func New(opts Options) (*Governor, error) {
	if opts.Loop == nil {
		return nil, errors.New("memory governor requires a main loop")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.FreeOSMemory == nil {
		opts.FreeOSMemory = func() {}
	}

	return &Governor{
		loop:         opts.Loop,
		source:       opts.Source,
		policy:       opts.Policy,
		interval:     opts.Interval,
		logger:       opts.Logger.With("component", "memgov"),
		tracer:       opts.Tracer,
		nonEssential: opts.NonEssential,
		persisted:    opts.Persisted,
		model:        opts.Model,
		buffers:      opts.Buffers,
		freeOSMemory: opts.FreeOSMemory,
		levels:       events.NewTopic[Status](0),
		cleanups:     events.NewTopic[CleanupReport](0),
		warnings:     events.NewTopic[Warning](0),
	}, nil
}

// Levels returns the topic carrying memory status updates.
func (g *Governor) Levels() *events.Topic[Status] { return g.levels }

// Cleanups returns the topic carrying finished cleanup reports.
func (g *Governor) Cleanups() *events.Topic[CleanupReport] { return g.cleanups }

// Warnings returns the topic carrying OS low-memory signals.
func (g *Governor) Warnings() *events.Topic[Warning] { return g.warnings }

// Run samples memory on the configured interval until ctx is canceled.
func (g *Governor) Run(ctx context.Context) error {
	if g.source == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Governor) tick(ctx context.Context) {
	if err := g.Sample(ctx); err != nil && ctx.Err() == nil {
		g.logger.Warn("memory sample failed", "err", err)
	}
}

// Sample reads telemetry once and applies it to the state machine.
func (g *Governor) Sample(ctx context.Context) error {
	sample := g.source.Sample()
	if sample.Memory.AvailableBytes == nil {
		g.logger.Debug("available memory unknown, skipping tick")
		return nil
	}
	return g.Observe(ctx, sample.Memory)
}

// Observe classifies a memory reading. The level's cleanup runs only when
// the level changes.
func (g *Governor) Observe(ctx context.Context, mem telemetry.Memory) error {
	return g.loop.Do(ctx, func() {
		next := g.status
		next.Timestamp = time.Now().UTC()
		if mem.TotalBytes != nil {
			next.TotalBytes = *mem.TotalBytes
		}
		if mem.AvailableBytes != nil {
			next.AvailableBytes = *mem.AvailableBytes
		}
		if used, ok := mem.UsedBytes(); ok {
			next.UsedBytes = used
		}
		if mem.ProcessRSSBytes != nil {
			next.ProcessRSS = *mem.ProcessRSSBytes
		}

		level := LevelFor(next.AvailableBytes, g.policy)
		if next.ActiveWarning && level < LevelCritical {
			// Hold critical until the forced warning cools down.
			level = LevelCritical
		}
		prev := g.status.Level
		next.Level = level
		g.status = next

		if level != prev {
			g.logger.Info("memory pressure level changed",
				"from", prev.String(),
				"to", level.String(),
				"available_bytes", next.AvailableBytes,
			)
			if mode, ok := modeFor(level); ok {
				g.startCleanup(mode, "level:"+level.String())
			}
		}
		g.levels.Publish(next)
	})
}

// HandleLowMemory is the OS low-memory signal. It forces the critical path
// regardless of the last sample; repeats during the cooldown are ignored.
func (g *Governor) HandleLowMemory(ctx context.Context, source string) error {
	g.warnings.Publish(Warning{At: time.Now().UTC(), Source: source})

	return g.loop.Do(ctx, func() {
		if g.status.ActiveWarning {
			g.logger.Debug("low memory signal ignored during cooldown", "source", source)
			return
		}
		prev := g.status.Level
		g.status.ActiveWarning = true
		g.status.Level = LevelCritical
		g.status.Timestamp = time.Now().UTC()
		g.logger.Warn("low memory signal", "source", source, "previous_level", prev.String())
		g.startCleanup(ModeAggressive, "low_memory:"+source)
		g.levels.Publish(g.status)

		time.AfterFunc(g.policy.WarningCooldown, func() {
			g.loop.Post(g.clearWarning)
		})
	})
}

func (g *Governor) clearWarning() {
	if !g.status.ActiveWarning {
		return
	}
	g.status.ActiveWarning = false
	g.status.Level = LevelFor(g.status.AvailableBytes, g.policy)
	g.logger.Info("low memory cooldown finished", "level", g.status.Level.String())
	g.levels.Publish(g.status)
}

// ForceCleanup starts a standard, or aggressive, cleanup without waiting
// for it. Cleanups never overlap: a request arriving during a pass of the
// same or stronger mode shares it, a stronger request runs after it.
func (g *Governor) ForceCleanup(aggressive bool) {
	mode := ModeStandard
	if aggressive {
		mode = ModeAggressive
	}
	g.startCleanup(mode, "forced")
}

// Status returns the latest published memory status.
func (g *Governor) Status() Status {
	s, _ := g.levels.Latest()
	return s
}

// Wait blocks until every started cleanup has finished.
func (g *Governor) Wait() {
	g.inflight.Wait()
}

func (g *Governor) startCleanup(mode Mode, trigger string) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		for {
			v, _, shared := g.flight.Do(cleanupFlightKey, func() (any, error) {
				report := g.cleanup(context.Background(), mode, trigger)
				g.logger.Info("memory cleanup finished",
					"mode", mode.String(),
					"trigger", trigger,
					"duration", report.Duration,
					"failed_steps", report.Failed(),
				)
				g.cleanups.Publish(report)
				return report, nil
			})
			// A weaker pass was already running; run this one after it.
			if report := v.(CleanupReport); report.Mode < mode {
				continue
			}
			if shared {
				g.logger.Debug("memory cleanup coalesced", "mode", mode.String(), "trigger", trigger)
			}
			return
		}
	}()
}

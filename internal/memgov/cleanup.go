package memgov

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	stepUnloadModel = "unload_model"
	stepClearPool   = "clear_buffer_pool"
	stepFreeOS      = "free_os_memory"
)

var errModelBusy = errors.New("model is generating")

// cleanup runs every step for mode. A failing step never stops the rest.
func (g *Governor) cleanup(ctx context.Context, mode Mode, trigger string) CleanupReport {
	ctx, span := g.tracer.Start(ctx, "memgov.cleanup")
	span.SetAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("trigger", trigger),
	)
	defer span.End()

	report := CleanupReport{Mode: mode, Trigger: trigger, Started: time.Now().UTC()}

	for _, p := range g.nonEssential {
		report.Steps = append(report.Steps, g.purge(ctx, p))
	}
	if mode >= ModeStandard {
		for _, p := range g.persisted {
			report.Steps = append(report.Steps, g.purge(ctx, p))
		}
	}
	if mode >= ModeAggressive {
		report.Steps = append(report.Steps, g.unloadModel())
		report.Steps = append(report.Steps, g.clearBuffers())
		g.freeOSMemory()
		report.Steps = append(report.Steps, StepResult{Name: stepFreeOS})
	}

	report.Duration = time.Since(report.Started)
	if failed := report.Failed(); failed > 0 {
		span.SetStatus(codes.Error, "cleanup steps failed")
		span.SetAttributes(attribute.Int("failed_steps", failed))
	}
	return report
}

func (g *Governor) purge(ctx context.Context, p Purger) StepResult {
	res := StepResult{Name: "purge:" + p.Name()}
	if err := p.Purge(ctx); err != nil {
		g.logger.Warn("cache purge failed", "cache", p.Name(), "err", err)
		res.Error = err.Error()
	}
	return res
}

func (g *Governor) unloadModel() StepResult {
	res := StepResult{Name: stepUnloadModel}
	switch {
	case g.model == nil || !g.model.IsModelLoaded():
		res.Skipped = true
	case g.model.IsGenerating():
		g.logger.Debug("model unload skipped", "reason", errModelBusy)
		res.Skipped = true
	default:
		if err := g.model.UnloadModel(); err != nil {
			g.logger.Warn("model unload failed", "err", err)
			res.Error = err.Error()
		}
	}
	return res
}

func (g *Governor) clearBuffers() StepResult {
	res := StepResult{Name: stepClearPool}
	if g.buffers == nil {
		res.Skipped = true
		return res
	}
	g.buffers.ClearMemoryPool()
	return res
}

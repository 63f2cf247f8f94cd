package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/presentation"
)

const emergencyReason = "emergency"

// EmergencyConditions reports whether s calls for the emergency path.
func (o *Orchestrator) EmergencyConditions(s capability.Signals) bool {
	return s.ThermalState == capability.ThermalCritical ||
		s.MemoryPressureRatio > o.policy.Emergency.MemoryRatio ||
		s.IsThrottling
}

// HandleSignals enters the emergency path on the rising edge of the
// emergency conditions and releases it once they clear. A trigger that
// arrives while another pass runs is ignored; the next signal retries it.
func (o *Orchestrator) HandleSignals(ctx context.Context, s capability.Signals) {
	trigger := o.EmergencyConditions(s)
	active := o.emergency.Load()
	switch {
	case trigger && !active:
		o.enterEmergency(ctx, s)
	case !trigger && active:
		o.releaseEmergency(ctx)
	}
}

func (o *Orchestrator) enterEmergency(ctx context.Context, s capability.Signals) {
	if !o.optimizing.CompareAndSwap(false, true) {
		o.logger.Debug("emergency trigger ignored, pass in progress")
		return
	}
	defer o.optimizing.Store(false)

	ctx, span := o.tracer.Start(ctx, "orchestrator.emergency", trace.WithAttributes(
		attribute.String("thermal", s.ThermalState.String()),
		attribute.Float64("memory_ratio", s.MemoryPressureRatio),
		attribute.Bool("throttling", s.IsThrottling),
	))
	defer span.End()

	o.logger.Warn("entering emergency mode",
		"thermal", s.ThermalState.String(),
		"memory_ratio", s.MemoryPressureRatio,
		"throttling", s.IsThrottling,
	)
	report := PassReport{Kind: KindEmergency, Strategy: o.Strategy().Name, Started: time.Now().UTC()}
	if latest, ok := o.history.Latest(); ok {
		report.Score = latest.Score
	}

	if o.memory != nil {
		passes := max(1, o.policy.Emergency.CleanupPasses)
		for i := 0; i < passes; i++ {
			if i > 0 && !sleep(ctx, o.policy.Emergency.CleanupPause) {
				return
			}
			o.memory.ForceCleanup(true)
			report.Actions = append(report.Actions, ActionResult{Name: actionMemory})
		}
	}
	if o.ui != nil {
		res := ActionResult{Name: actionUI}
		if err := o.ui.ForceMode(ctx, presentation.ModeEmergency, emergencyReason); err != nil {
			o.logger.Warn("emergency ui mode failed", "err", err)
			res.Error = err.Error()
		}
		delete(o.degraded, actionUI)
		report.Actions = append(report.Actions, res)
	}
	if o.gate != nil {
		res := ActionResult{Name: "inference"}
		if err := o.gate.SuspendInference(ctx, emergencyReason); err != nil {
			o.logger.Warn("inference suspension failed", "err", err)
			res.Error = err.Error()
		}
		report.Actions = append(report.Actions, res)
	}

	o.emergency.Store(true)
	report.Duration = time.Since(report.Started)
	degraded := o.degradedNames()
	_ = o.update(ctx, func(st *Status) {
		st.Emergency = true
		st.Degraded = degraded
		st.LastPass = &report
	})
}

func (o *Orchestrator) releaseEmergency(ctx context.Context) {
	if !o.optimizing.CompareAndSwap(false, true) {
		o.logger.Debug("emergency release deferred, pass in progress")
		return
	}
	defer o.optimizing.Store(false)

	ctx, span := o.tracer.Start(ctx, "orchestrator.emergency_release")
	defer span.End()

	report := PassReport{Kind: KindRelease, Strategy: o.Strategy().Name, Started: time.Now().UTC()}
	if o.ui != nil {
		res := ActionResult{Name: actionUI}
		if err := o.ui.ClearForcedMode(ctx); err != nil {
			o.logger.Warn("clearing emergency ui mode failed", "err", err)
			res.Error = err.Error()
		}
		report.Recovered = append(report.Recovered, res)
	}
	if o.gate != nil {
		res := ActionResult{Name: "inference"}
		if err := o.gate.ResumeInference(ctx); err != nil {
			o.logger.Warn("inference resume failed", "err", err)
			res.Error = err.Error()
		}
		report.Recovered = append(report.Recovered, res)
	}

	o.emergency.Store(false)
	o.logger.Info("emergency mode released")
	report.Duration = time.Since(report.Started)
	_ = o.update(ctx, func(st *Status) {
		st.Emergency = false
		st.LastPass = &report
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

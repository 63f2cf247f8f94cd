package orchestrator

import (
	"context"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/presentation"
)

const (
	actionMemory     = "memory"
	actionCPU        = "cpu"
	actionGPU        = "gpu"
	actionUI         = "ui"
	actionModel      = "model"
	actionBackground = "background"
)

// assessment is the input of one evaluation pass.
type assessment struct {
	sample     PerformanceSample
	signals    capability.Signals
	strategy   Strategy
	lowBattery bool
}

func (a assessment) memoryHigh() bool  { return a.sample.MemoryRatio() > a.strategy.MemoryThreshold }
func (a assessment) cpuHigh() bool     { return a.sample.CPUUsage > a.strategy.CPUThreshold }
func (a assessment) thermalHigh() bool { return a.sample.ThermalState >= a.strategy.ThermalThreshold }
func (a assessment) scoreLow() bool    { return a.sample.Score < a.strategy.ScoreThreshold }

func (a assessment) batteryConstrained() bool {
	if a.signals.Charging {
		return false
	}
	return a.lowBattery || a.signals.PowerSaveEnabled || a.strategy.SaveBattery
}

func (a assessment) needsOptimization() bool {
	return a.scoreLow() || a.memoryHigh() || a.cpuHigh() || a.thermalHigh()
}

func (a assessment) healthy() bool {
	return !a.needsOptimization() && !a.batteryConstrained()
}

// action is one corrective measure. Actions with an undo are recorded as
// degradations and reverted by recovery.
type action struct {
	name    string
	applies func(assessment) bool
	apply   func(context.Context, assessment) error
	undo    func(context.Context) error
}

func (o *Orchestrator) buildActions() []action {
	var out []action

	if o.memory != nil {
		out = append(out, action{
			name:    actionMemory,
			applies: assessment.memoryHigh,
			apply: func(_ context.Context, a assessment) error {
				o.memory.ForceCleanup(a.sample.MemoryRatio() > o.policy.Emergency.MemoryRatio)
				return nil
			},
		})
	}

	if o.threads != nil {
		reduced := max(1, o.cores/2)
		out = append(out, action{
			name:    actionCPU,
			applies: assessment.cpuHigh,
			apply: func(context.Context, assessment) error {
				o.threads.SetThreads(reduced)
				return nil
			},
			undo: func(context.Context) error {
				o.threads.SetThreads(o.cores)
				return nil
			},
		})
	}

	if o.gpu != nil && o.accelerated {
		out = append(out, action{
			name:    actionGPU,
			applies: assessment.thermalHigh,
			apply: func(context.Context, assessment) error {
				o.gpu.SetGPUEnabled(false)
				return nil
			},
			undo: func(context.Context) error {
				o.gpu.SetGPUEnabled(true)
				return nil
			},
		})
	}

	if o.ui != nil {
		out = append(out, action{
			name: actionUI,
			applies: func(a assessment) bool {
				return a.scoreLow() || a.thermalHigh()
			},
			apply: func(ctx context.Context, a assessment) error {
				mode := presentation.ModeReduced
				if a.sample.Score < a.strategy.ScoreThreshold/2 {
					mode = presentation.ModeMinimal
				}
				return o.ui.ForceMode(ctx, mode, "optimization")
			},
			undo: o.ui.ClearForcedMode,
		})
	}

	if o.kvCache != nil {
		out = append(out, action{
			name:    actionModel,
			applies: assessment.memoryHigh,
			apply: func(context.Context, assessment) error {
				return o.kvCache.ClearKVCache()
			},
		})
	}

	if o.lanes != nil {
		out = append(out, action{
			name: actionBackground,
			applies: func(a assessment) bool {
				return a.batteryConstrained() || a.cpuHigh()
			},
			apply: func(context.Context, assessment) error {
				o.lanes.Pause(compute.PriorityBackground)
				return nil
			},
			undo: func(context.Context) error {
				o.lanes.Resume(compute.PriorityBackground)
				return nil
			},
		})
	}

	return out
}

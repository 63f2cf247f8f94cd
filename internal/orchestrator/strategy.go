package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/skobkin/resgov/internal/capability"
)

// ErrUnknownStrategy is returned for a strategy name that is not built in.
var ErrUnknownStrategy = errors.New("unknown optimization strategy")

// Strategy sets the thresholds an evaluation pass compares against.
type Strategy struct {
	Name             string                  `json:"name"`
	ScoreThreshold   float64                 `json:"score_threshold"`
	MemoryThreshold  float64                 `json:"memory_threshold"`
	ThermalThreshold capability.ThermalState `json:"thermal_threshold"`
	CPUThreshold     float64                 `json:"cpu_threshold"`
	// SaveBattery pauses background work whenever running on battery.
	SaveBattery bool `json:"save_battery"`
}

const (
	StrategyConservative = "conservative"
	StrategyBalanced     = "balanced"
	StrategyAggressive   = "aggressive"
	StrategyBatterySaver = "battery_saver"
)

var strategies = map[string]Strategy{
	StrategyConservative: {
		Name:             StrategyConservative,
		ScoreThreshold:   0.4,
		MemoryThreshold:  0.9,
		ThermalThreshold: capability.ThermalCritical,
		CPUThreshold:     0.95,
	},
	StrategyBalanced: {
		Name:             StrategyBalanced,
		ScoreThreshold:   0.6,
		MemoryThreshold:  0.8,
		ThermalThreshold: capability.ThermalSerious,
		CPUThreshold:     0.85,
	},
	StrategyAggressive: {
		Name:             StrategyAggressive,
		ScoreThreshold:   0.75,
		MemoryThreshold:  0.7,
		ThermalThreshold: capability.ThermalFair,
		CPUThreshold:     0.75,
	},
	StrategyBatterySaver: {
		Name:             StrategyBatterySaver,
		ScoreThreshold:   0.7,
		MemoryThreshold:  0.75,
		ThermalThreshold: capability.ThermalFair,
		CPUThreshold:     0.7,
		SaveBattery:      true,
	},
}

// StrategyByName looks up a built-in strategy.
func StrategyByName(name string) (Strategy, error) {
	s, ok := strategies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Strategy{}, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Strategies lists the built-in strategies ordered by name.
func Strategies() []Strategy {
	out := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultStrategy returns the balanced strategy.
func DefaultStrategy() Strategy { return strategies[StrategyBalanced] }

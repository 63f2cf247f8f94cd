// Package presentation maps resource conditions onto a UI fidelity mode and
// admits animations against the mode's budget.
package presentation

import (
	"fmt"
	"strings"
	"time"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/policy"
)

// Mode is a UI fidelity tier. Higher values are more restrictive.
type Mode int

const (
	ModeFull Mode = iota
	ModeReduced
	ModeMinimal
	ModeEmergency
)

var modeNames = [...]string{"full", "reduced", "minimal", "emergency"}

func (m Mode) String() string {
	if m < ModeFull || m > ModeEmergency {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses a mode name.
func ParseMode(raw string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range modeNames {
		if n == name {
			return Mode(i), nil
		}
	}
	return ModeFull, fmt.Errorf("unknown ui mode %q", raw)
}

// ModePolicy holds the presentation constants of a mode.
type ModePolicy struct {
	AnimationsEnabled       bool          `json:"animations_enabled"`
	AnimationDuration       time.Duration `json:"animation_duration"`
	MaxConcurrentAnimations int           `json:"max_concurrent_animations"`
	MaxVisibleItems         int           `json:"max_visible_items"`
	TargetRefreshRate       int           `json:"target_refresh_rate"`
	Blur                    bool          `json:"blur"`
	Shadows                 bool          `json:"shadows"`
	Haptics                 bool          `json:"haptics"`
	Sound                   bool          `json:"sound"`
}

var modePolicies = [...]ModePolicy{
	ModeFull: {
		AnimationsEnabled:       true,
		AnimationDuration:       300 * time.Millisecond,
		MaxConcurrentAnimations: 5,
		MaxVisibleItems:         100,
		TargetRefreshRate:       120,
		Blur:                    true,
		Shadows:                 true,
		Haptics:                 true,
		Sound:                   true,
	},
	ModeReduced: {
		AnimationsEnabled:       true,
		AnimationDuration:       200 * time.Millisecond,
		MaxConcurrentAnimations: 3,
		MaxVisibleItems:         50,
		TargetRefreshRate:       60,
		Shadows:                 true,
		Haptics:                 true,
		Sound:                   true,
	},
	ModeMinimal: {
		AnimationsEnabled:       true,
		AnimationDuration:       100 * time.Millisecond,
		MaxConcurrentAnimations: 1,
		MaxVisibleItems:         25,
		TargetRefreshRate:       30,
		Haptics:                 true,
	},
	ModeEmergency: {
		MaxVisibleItems:   10,
		TargetRefreshRate: 30,
	},
}

// PolicyFor returns the constants of mode.
func PolicyFor(m Mode) ModePolicy {
	if m < ModeFull || m > ModeEmergency {
		m = ModeEmergency
	}
	return modePolicies[m]
}

// Inputs are the conditions a mode is computed from.
type Inputs struct {
	Throttling          bool
	ThermalState        capability.ThermalState
	MemoryPressureRatio float64
	PowerSave           bool
}

// InputsFromSignals extracts mode inputs from environmental signals.
func InputsFromSignals(s capability.Signals) Inputs {
	return Inputs{
		Throttling:          s.IsThrottling,
		ThermalState:        s.ThermalState,
		MemoryPressureRatio: s.MemoryPressureRatio,
		PowerSave:           s.PowerSaveEnabled,
	}
}

type rule struct {
	name  string
	mode  Mode
	match func(Inputs, policy.PresentationPolicy) bool
}

// First match wins.
var rules = []rule{
	{
		name: "critical_thermal_or_memory",
		mode: ModeEmergency,
		match: func(in Inputs, p policy.PresentationPolicy) bool {
			return in.ThermalState == capability.ThermalCritical || in.MemoryPressureRatio > p.EmergencyMemoryRatio
		},
	},
	{
		name: "throttling_or_memory",
		mode: ModeMinimal,
		match: func(in Inputs, p policy.PresentationPolicy) bool {
			return in.Throttling || in.MemoryPressureRatio > p.MinimalMemoryRatio
		},
	},
	{
		name: "power_save_or_serious_thermal",
		mode: ModeReduced,
		match: func(in Inputs, _ policy.PresentationPolicy) bool {
			return in.PowerSave || in.ThermalState == capability.ThermalSerious
		},
	},
}

// ComputeMode applies the rule list and returns the mode with the name of
// the rule that selected it.
func ComputeMode(in Inputs, p policy.PresentationPolicy) (Mode, string) {
	for _, r := range rules {
		if r.match(in, p) {
			return r.mode, r.name
		}
	}
	return ModeFull, "default"
}

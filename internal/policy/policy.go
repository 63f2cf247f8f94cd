// Package policy holds the tunable thresholds used by the governor. None of
// the defaults are load-bearing; deployments may override any of them with a
// YAML file.
package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	mib = 1 << 20
)

// Policy groups every tunable threshold.
type Policy struct {
	Thermal      ThermalPolicy      `yaml:"thermal"`
	Throttle     ThrottlePolicy     `yaml:"throttle"`
	Memory       MemoryPolicy       `yaml:"memory"`
	Presentation PresentationPolicy `yaml:"presentation"`
	Lifecycle    LifecyclePolicy    `yaml:"lifecycle"`
	Emergency    EmergencyPolicy    `yaml:"emergency"`
	Battery      BatteryPolicy      `yaml:"battery"`
}

// ThermalPolicy maps temperatures to thermal states and states to budget
// multipliers.
type ThermalPolicy struct {
	FairC     float64     `yaml:"fair_c"`
	SeriousC  float64     `yaml:"serious_c"`
	CriticalC float64     `yaml:"critical_c"`
	Scale     Multipliers `yaml:"multipliers"`
}

// Multipliers are per-thermal-state scale factors in (0,1].
type Multipliers struct {
	Nominal  float64 `yaml:"nominal"`
	Fair     float64 `yaml:"fair"`
	Serious  float64 `yaml:"serious"`
	Critical float64 `yaml:"critical"`
}

// ThrottlePolicy configures the throttling hysteresis band.
type ThrottlePolicy struct {
	MemorySetRatio   float64 `yaml:"memory_set_ratio"`
	MemoryClearRatio float64 `yaml:"memory_clear_ratio"`
}

// MemoryPolicy holds available-memory boundaries and cleanup timing.
type MemoryPolicy struct {
	ModerateBelowBytes uint64        `yaml:"moderate_below_bytes"`
	WarningBelowBytes  uint64        `yaml:"warning_below_bytes"`
	CriticalBelowBytes uint64        `yaml:"critical_below_bytes"`
	WarningCooldown    time.Duration `yaml:"warning_cooldown"`
}

// PresentationPolicy holds the memory ratios of the UI mode rules and the
// hard cap on tracked animations.
type PresentationPolicy struct {
	EmergencyMemoryRatio float64 `yaml:"emergency_memory_ratio"`
	MinimalMemoryRatio   float64 `yaml:"minimal_memory_ratio"`
	MaxTrackedAnimations int     `yaml:"max_tracked_animations"`
}

// LifecyclePolicy holds background grant timing.
type LifecyclePolicy struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	WarnRemaining   time.Duration `yaml:"warn_remaining"`
	GrantBudget     time.Duration `yaml:"grant_budget"`
}

// EmergencyPolicy configures the orchestrator emergency path.
type EmergencyPolicy struct {
	MemoryRatio   float64       `yaml:"memory_ratio"`
	CleanupPasses int           `yaml:"cleanup_passes"`
	CleanupPause  time.Duration `yaml:"cleanup_pause"`
}

// BatteryPolicy configures the low-battery score penalty.
type BatteryPolicy struct {
	LowLevel   float64 `yaml:"low_level"`
	LowPenalty float64 `yaml:"low_penalty"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		Thermal: ThermalPolicy{
			FairC:     65,
			SeriousC:  80,
			CriticalC: 92,
			Scale: Multipliers{
				Nominal:  1.0,
				Fair:     0.85,
				Serious:  0.70,
				Critical: 0.50,
			},
		},
		Throttle: ThrottlePolicy{
			MemorySetRatio:   0.85,
			MemoryClearRatio: 0.70,
		},
		Memory: MemoryPolicy{
			ModerateBelowBytes: 500 * mib,
			WarningBelowBytes:  200 * mib,
			CriticalBelowBytes: 100 * mib,
			WarningCooldown:    5 * time.Second,
		},
		Presentation: PresentationPolicy{
			EmergencyMemoryRatio: 0.9,
			MinimalMemoryRatio:   0.8,
			MaxTrackedAnimations: 10,
		},
		Lifecycle: LifecyclePolicy{
			MonitorInterval: time.Second,
			WarnRemaining:   10 * time.Second,
			GrantBudget:     30 * time.Second,
		},
		Emergency: EmergencyPolicy{
			MemoryRatio:   0.9,
			CleanupPasses: 3,
			CleanupPause:  200 * time.Millisecond,
		},
		Battery: BatteryPolicy{
			LowLevel:   0.2,
			LowPenalty: 0.8,
		},
	}
}

// LoadFile overlays the YAML document at path on top of Default. Fields
// absent from the document keep their defaults.
func LoadFile(path string) (Policy, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks ordering constraints between thresholds.
func (p Policy) Validate() error {
	var errs []error

	t := p.Thermal
	if !(t.FairC < t.SeriousC && t.SeriousC < t.CriticalC) {
		errs = append(errs, errors.New("thermal thresholds must satisfy fair < serious < critical"))
	}
	for name, m := range map[string]float64{
		"nominal": t.Scale.Nominal, "fair": t.Scale.Fair,
		"serious": t.Scale.Serious, "critical": t.Scale.Critical,
	} {
		if m <= 0 || m > 1 {
			errs = append(errs, fmt.Errorf("thermal multiplier %s must be in (0,1]", name))
		}
	}

	if p.Throttle.MemoryClearRatio >= p.Throttle.MemorySetRatio {
		errs = append(errs, errors.New("throttle clear ratio must be below set ratio"))
	}

	m := p.Memory
	if !(m.CriticalBelowBytes < m.WarningBelowBytes && m.WarningBelowBytes < m.ModerateBelowBytes) {
		errs = append(errs, errors.New("memory boundaries must satisfy critical < warning < moderate"))
	}

	if p.Presentation.MaxTrackedAnimations <= 0 {
		errs = append(errs, errors.New("max tracked animations must be > 0"))
	}
	if p.Lifecycle.MonitorInterval <= 0 {
		errs = append(errs, errors.New("lifecycle monitor interval must be > 0"))
	}
	if p.Emergency.CleanupPasses <= 0 {
		errs = append(errs, errors.New("emergency cleanup passes must be > 0"))
	}

	return errors.Join(errs...)
}

// Package capability classifies the host into a resource tier and tracks
// the environmental signals that scale that tier at runtime.
package capability

import (
	"fmt"
	"strings"
	"time"

	"github.com/skobkin/resgov/internal/policy"
)

// Tier is a coarse device capability class.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierUltra
)

var tierNames = [...]string{"low", "medium", "high", "ultra"}

func (t Tier) String() string {
	if t < TierLow || t > TierUltra {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range tierNames {
		if n == name {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", text)
}

// ThermalState is the coarse thermal condition of the device.
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

var thermalNames = [...]string{"nominal", "fair", "serious", "critical"}

func (s ThermalState) String() string {
	if s < ThermalNominal || s > ThermalCritical {
		return fmt.Sprintf("thermal(%d)", int(s))
	}
	return thermalNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s ThermalState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ThermalState) UnmarshalText(text []byte) error {
	parsed, err := ParseThermalState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseThermalState parses the lowercase state name.
func ParseThermalState(raw string) (ThermalState, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range thermalNames {
		if n == name {
			return ThermalState(i), nil
		}
	}
	return ThermalNominal, fmt.Errorf("unknown thermal state %q", raw)
}

// Multiplier returns the budget scale factor for the state.
func (s ThermalState) Multiplier(m policy.Multipliers) float64 {
	switch s {
	case ThermalFair:
		return m.Fair
	case ThermalSerious:
		return m.Serious
	case ThermalCritical:
		return m.Critical
	default:
		return m.Nominal
	}
}

// ThermalStateFor maps a temperature reading onto a thermal state. A missing
// reading is treated as nominal.
func ThermalStateFor(tempC *float64, p policy.ThermalPolicy) ThermalState {
	if tempC == nil {
		return ThermalNominal
	}
	switch t := *tempC; {
	case t >= p.CriticalC:
		return ThermalCritical
	case t >= p.SeriousC:
		return ThermalSerious
	case t >= p.FairC:
		return ThermalFair
	default:
		return ThermalNominal
	}
}

// ResourceProfile is the resource budget available to workloads.
type ResourceProfile struct {
	Tier                       Tier   `json:"tier"`
	SupportsAcceleratedCompute bool   `json:"supports_accelerated_compute"`
	MaxMemoryBudget            uint64 `json:"max_memory_budget"`
	RecommendedWorkloadSize    uint64 `json:"recommended_workload_size"`
	MaxConcurrentInferences    int    `json:"max_concurrent_inferences"`
}

// Signals is the latest view of the device environment.
type Signals struct {
	Timestamp           time.Time    `json:"ts"`
	ThermalState        ThermalState `json:"thermal_state"`
	MemoryPressureRatio float64      `json:"memory_pressure_ratio"`
	BatteryLevel        float64      `json:"battery_level"`
	Charging            bool         `json:"charging"`
	PowerSaveEnabled    bool         `json:"power_save_enabled"`
	IsThrottling        bool         `json:"is_throttling"`
}

// Reading is a raw environmental observation before throttling is derived.
type Reading struct {
	ThermalState        ThermalState
	MemoryPressureRatio float64
	BatteryLevel        float64
	Charging            bool
	PowerSaveEnabled    bool
}

// Package memgov samples memory telemetry, classifies pressure and runs the
// matching cleanup when the pressure level changes.
package memgov

import (
	"fmt"
	"time"

	"github.com/skobkin/resgov/internal/policy"
)

// Level is the memory pressure classification, ordered from least to most
// severe.
type Level int

const (
	LevelNormal Level = iota
	LevelModerate
	LevelWarning
	LevelCritical
)

var levelNames = [...]string{"normal", "moderate", "warning", "critical"}

func (l Level) String() string {
	if l < LevelNormal || l > LevelCritical {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// LevelFor classifies available memory against the policy boundaries.
// Less available memory never yields a lower level.
func LevelFor(available uint64, p policy.MemoryPolicy) Level {
	switch {
	case available < p.CriticalBelowBytes:
		return LevelCritical
	case available < p.WarningBelowBytes:
		return LevelWarning
	case available < p.ModerateBelowBytes:
		return LevelModerate
	default:
		return LevelNormal
	}
}

// Mode selects how much a cleanup pass releases.
type Mode int

const (
	ModeLight Mode = iota + 1
	ModeStandard
	ModeAggressive
)

func (m Mode) String() string {
	switch m {
	case ModeLight:
		return "light"
	case ModeStandard:
		return "standard"
	case ModeAggressive:
		return "aggressive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// modeFor returns the cleanup tied to a level, if any.
func modeFor(l Level) (Mode, bool) {
	switch l {
	case LevelModerate:
		return ModeLight, true
	case LevelWarning:
		return ModeStandard, true
	case LevelCritical:
		return ModeAggressive, true
	default:
		return 0, false
	}
}

// Status is the published memory state.
type Status struct {
	Timestamp      time.Time `json:"ts"`
	Level          Level     `json:"level"`
	TotalBytes     uint64    `json:"total_bytes"`
	AvailableBytes uint64    `json:"available_bytes"`
	UsedBytes      uint64    `json:"used_bytes"`
	ProcessRSS     uint64    `json:"process_rss_bytes"`
	ActiveWarning  bool      `json:"active_warning"`
}

// PressureRatio returns used/total, or zero when total is unknown.
func (s Status) PressureRatio() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes)
}

// Warning is emitted for every OS low-memory signal.
type Warning struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
}

// StepResult records the outcome of one cleanup step.
type StepResult struct {
	Name    string `json:"name"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CleanupReport describes a finished cleanup pass.
type CleanupReport struct {
	Mode     Mode          `json:"mode"`
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Steps    []StepResult  `json:"steps"`
}

// Failed returns the number of steps that reported an error.
func (r CleanupReport) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Error != "" {
			n++
		}
	}
	return n
}

// Ran reports whether the named step ran without being skipped.
func (r CleanupReport) Ran(name string) bool {
	for _, s := range r.Steps {
		if s.Name == name {
			return !s.Skipped
		}
	}
	return false
}

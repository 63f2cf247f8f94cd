// Package orchestrator runs the top-level optimization loop: it scores system
// performance on a fast cadence, dispatches corrective actions on a slow one
// and arms an emergency path directly from environmental signals.
package orchestrator

import (
	"sync"
	"time"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/policy"
)

// PerformanceSample is one point of the performance history.
type PerformanceSample struct {
	Timestamp         time.Time               `json:"timestamp"`
	MemoryUsed        uint64                  `json:"memory_used"`
	MemoryTotal       uint64                  `json:"memory_total"`
	CPUUsage          float64                 `json:"cpu_usage"`
	ThermalState      capability.ThermalState `json:"thermal_state"`
	BatteryLevel      float64                 `json:"battery_level"`
	InferenceLatency  *time.Duration          `json:"inference_latency,omitempty"`
	UIFrameRate       float64                 `json:"ui_frame_rate"`
	ActiveConnections int                     `json:"active_connections"`
	Score             float64                 `json:"performance_score"`
}

// MemoryRatio returns used over total memory, or 0 when the total is unknown.
func (s PerformanceSample) MemoryRatio() float64 {
	if s.MemoryTotal == 0 {
		return 0
	}
	return clamp(float64(s.MemoryUsed)/float64(s.MemoryTotal), 0, 1)
}

// Score is the product of memory headroom, CPU headroom, the thermal
// multiplier and the low-battery penalty, in [0,1].
func Score(s PerformanceSample, scale policy.Multipliers, battery policy.BatteryPolicy) float64 {
	score := (1 - s.MemoryRatio()) * (1 - clamp(s.CPUUsage, 0, 1)) * s.ThermalState.Multiplier(scale)
	if s.BatteryLevel < battery.LowLevel {
		score *= battery.LowPenalty
	}
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// History is a fixed-capacity ring of samples; the oldest is evicted first.
type History struct {
	mu   sync.Mutex
	buf  []PerformanceSample
	next int
	full bool
}

// NewHistory constructs a History holding up to capacity samples.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]PerformanceSample, capacity)}
}

// Append stores s, evicting the oldest sample when full.
func (h *History) Append(s PerformanceSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of stored samples.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lenLocked()
}

// Cap returns the ring capacity.
func (h *History) Cap() int { return len(h.buf) }

func (h *History) lenLocked() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Latest returns the newest sample.
func (h *History) Latest() (PerformanceSample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lenLocked() == 0 {
		return PerformanceSample{}, false
	}
	idx := (h.next - 1 + len(h.buf)) % len(h.buf)
	return h.buf[idx], true
}

// Snapshot returns the stored samples, oldest first.
func (h *History) Snapshot() []PerformanceSample {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]PerformanceSample(nil), h.buf[:h.next]...)
	}
	out := make([]PerformanceSample, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

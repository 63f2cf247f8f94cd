package capability

import "github.com/skobkin/resgov/internal/policy"

// ThrottleTracker derives the throttling flag with hysteresis. Throttling is
// set by serious or critical heat, power-save mode or high memory pressure,
// and cleared only once none of those hold and memory pressure is below the
// clear ratio.
type ThrottleTracker struct {
	setRatio   float64
	clearRatio float64
	throttling bool
}

// NewThrottleTracker builds a tracker for the given band.
func NewThrottleTracker(p policy.ThrottlePolicy) *ThrottleTracker {
	return &ThrottleTracker{setRatio: p.MemorySetRatio, clearRatio: p.MemoryClearRatio}
}

// Update feeds a reading and returns the new flag.
func (t *ThrottleTracker) Update(r Reading) bool {
	if r.ThermalState >= ThermalSerious || r.PowerSaveEnabled || r.MemoryPressureRatio >= t.setRatio {
		t.throttling = true
		return true
	}
	if t.throttling && r.MemoryPressureRatio >= t.clearRatio {
		return true
	}
	t.throttling = false
	return false
}

// Throttling returns the current flag.
func (t *ThrottleTracker) Throttling() bool { return t.throttling }

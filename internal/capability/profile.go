package capability

import (
	"math"

	"github.com/skobkin/resgov/internal/policy"
)

// CurrentProfile re-derives the profile for the given signals. The baseline
// is returned untouched unless the device is throttling, in which case the
// budgets are scaled by the thermal multiplier. Derived values never exceed
// the baseline and concurrency never drops below one.
func CurrentProfile(baseline ResourceProfile, signals Signals, m policy.Multipliers) ResourceProfile {
	if !signals.IsThrottling {
		return baseline
	}
	factor := signals.ThermalState.Multiplier(m)
	if factor > 1 {
		factor = 1
	}

	derived := baseline
	derived.MaxMemoryBudget = scaleBytes(baseline.MaxMemoryBudget, factor)
	derived.RecommendedWorkloadSize = scaleBytes(baseline.RecommendedWorkloadSize, factor)
	derived.MaxConcurrentInferences = int(math.Floor(float64(baseline.MaxConcurrentInferences) * factor))
	if derived.MaxConcurrentInferences < 1 {
		derived.MaxConcurrentInferences = 1
	}
	return derived
}

func scaleBytes(v uint64, factor float64) uint64 {
	return uint64(math.Floor(float64(v) * factor))
}

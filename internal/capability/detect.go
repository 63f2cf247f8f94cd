package capability

import (
	"math"
	"regexp"

	"github.com/skobkin/resgov/internal/gpu"
)

const (
	mib = uint64(1) << 20
	gib = uint64(1) << 30
)

// Facts are the static hardware properties a profile is derived from.
type Facts struct {
	Cores        int        `json:"cores"`
	MemoryBytes  uint64     `json:"memory_bytes"`
	SoC          string     `json:"soc"`
	Accelerators []gpu.Info `json:"accelerators"`
}

type tierRule struct {
	tier    Tier
	pattern *regexp.Regexp
}

// Checked in order, strongest first.
var tierTable = []tierRule{
	{TierUltra, regexp.MustCompile(`(?i)apple m[1-9] (pro|max|ultra)|snapdragon 8 (gen [3-9]|elite)|ryzen (9|ai)|threadripper|epyc|xeon|core(\(tm\))? i9|core ultra 9`)},
	{TierHigh, regexp.MustCompile(`(?i)apple m[1-9]|apple a1[7-9]|snapdragon 8|dimensity 9\d{3}|tensor g[3-9]|ryzen 7|core(\(tm\))? i7|core ultra 7`)},
	{TierMedium, regexp.MustCompile(`(?i)apple a1[4-6]|snapdragon 7|dimensity [78]\d{3}|tensor|exynos|ryzen [35]|core(\(tm\))? i[35]|core ultra 5`)},
	{TierLow, regexp.MustCompile(`(?i)snapdragon [2-6]|helio|unisoc|celeron|pentium|atom|athlon|cortex-a5[35]|bcm27|raspberry`)},
}

type tierBudget struct {
	memoryFraction float64
	workload       uint64
	concurrency    int
}

var tierBudgets = map[Tier]tierBudget{
	TierLow:    {memoryFraction: 0.25, workload: 512 * mib, concurrency: 1},
	TierMedium: {memoryFraction: 0.35, workload: 1536 * mib, concurrency: 1},
	TierHigh:   {memoryFraction: 0.45, workload: 3 * gib, concurrency: 2},
	TierUltra:  {memoryFraction: 0.55, workload: 6 * gib, concurrency: 3},
}

// Detect derives the baseline profile from static facts. Unknown SoC
// identifiers fall back to a RAM and core count heuristic.
func Detect(facts Facts) ResourceProfile {
	tier, ok := matchTier(facts.SoC)
	if !ok {
		tier = heuristicTier(facts)
	}

	budget := tierBudgets[tier]
	maxMemory := uint64(math.Floor(float64(facts.MemoryBytes) * budget.memoryFraction))
	workload := budget.workload
	if workload > maxMemory {
		workload = maxMemory
	}

	return ResourceProfile{
		Tier:                       tier,
		SupportsAcceleratedCompute: len(facts.Accelerators) > 0,
		MaxMemoryBudget:            maxMemory,
		RecommendedWorkloadSize:    workload,
		MaxConcurrentInferences:    budget.concurrency,
	}
}

func matchTier(soc string) (Tier, bool) {
	if soc == "" {
		return TierLow, false
	}
	for _, rule := range tierTable {
		if rule.pattern.MatchString(soc) {
			return rule.tier, true
		}
	}
	return TierLow, false
}

// heuristicTier never returns TierUltra.
func heuristicTier(facts Facts) Tier {
	switch {
	case facts.MemoryBytes >= 16*gib && facts.Cores >= 8:
		return TierHigh
	case facts.MemoryBytes >= 8*gib && facts.Cores >= 4:
		return TierMedium
	default:
		return TierLow
	}
}

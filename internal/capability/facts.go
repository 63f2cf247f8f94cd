package capability

import (
	"io"
	"log/slog"
	"runtime"

	"github.com/prometheus/procfs"

	"github.com/skobkin/resgov/internal/gpu"
)

// FactsOptions locates the host filesystems facts are read from.
type FactsOptions struct {
	ProcRoot  string
	SysfsRoot string
	ProbeNVML bool
}

// GatherFacts reads static hardware facts. Missing sources degrade to
// conservative values; it never fails.
func GatherFacts(opts FactsOptions, logger *slog.Logger) Facts {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	facts := Facts{Cores: runtime.NumCPU()}

	fs, err := procfs.NewFS(opts.ProcRoot)
	if err != nil {
		logger.Debug("procfs unavailable", "root", opts.ProcRoot, "err", err)
	} else {
		if cores, soc, ok := cpuFacts(fs); ok {
			facts.Cores = cores
			facts.SoC = soc
		} else {
			logger.Debug("cpuinfo unavailable")
		}
		if mem, err := fs.Meminfo(); err == nil && mem.MemTotal != nil {
			facts.MemoryBytes = *mem.MemTotal * 1024
		} else {
			logger.Debug("meminfo unavailable", "err", err)
		}
	}
	if facts.MemoryBytes == 0 {
		facts.MemoryBytes = systemMemory()
	}

	accelerators, err := gpu.Discover(opts.SysfsRoot, logger)
	if err != nil {
		logger.Debug("accelerator discovery failed", "err", err)
	}
	facts.Accelerators = accelerators

	if opts.ProbeNVML {
		nv, err := gpu.ProbeNVML()
		if err != nil {
			logger.Debug("nvml probe skipped", "err", err)
		} else {
			facts.Accelerators = append(facts.Accelerators, nv...)
		}
	}

	return facts
}

// cpuFacts returns the physical core count and the processor identifier.
func cpuFacts(fs procfs.FS) (int, string, bool) {
	infos, err := fs.CPUInfo()
	if err != nil || len(infos) == 0 {
		return 0, "", false
	}

	soc := infos[0].ModelName
	if soc == "" {
		soc = infos[0].VendorID
	}

	physical := make(map[string]struct{})
	for _, info := range infos {
		if info.PhysicalID == "" && info.CoreID == "" {
			continue
		}
		physical[info.PhysicalID+"/"+info.CoreID] = struct{}{}
	}
	cores := len(physical)
	if cores == 0 {
		cores = len(infos)
	}
	return cores, soc, true
}

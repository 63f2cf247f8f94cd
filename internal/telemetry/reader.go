// Package telemetry reads device telemetry from procfs and sysfs.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

const (
	thermalClassPath   = "class/thermal"
	powerSupplyPath    = "class/power_supply"
	platformProfileRel = "firmware/acpi/platform_profile"
)

var lowPowerProfiles = map[string]struct{}{
	"low-power": {},
	"quiet":     {},
	"cool":      {},
}

// Reader samples memory, CPU, thermal and power telemetry.
type Reader struct {
	sysfsRoot string
	proc      procfs.FS
	logger    *slog.Logger

	mu      sync.Mutex
	prevCPU *procfs.CPUStat
}

// NewReader builds a Reader over the given procfs and sysfs roots.
func NewReader(procRoot, sysfsRoot string, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Reader{
		sysfsRoot: sysfsRoot,
		proc:      fs,
		logger:    logger,
	}, nil
}

// Sample collects a snapshot. Unreadable values are left nil.
func (r *Reader) Sample() Sample {
	sample := Sample{Timestamp: time.Now().UTC()}

	sample.Memory = r.readMemory()
	sample.CPUUsage = r.readCPUUsage()
	sample.TempC = r.readMaxThermalZone()
	sample.BatteryLevel, sample.Charging = r.readBattery()
	sample.PowerSave = r.readPowerSave()

	return sample
}

func (r *Reader) readMemory() Memory {
	var mem Memory

	info, err := r.proc.Meminfo()
	if err != nil {
		r.logger.Debug("meminfo unavailable", "err", err)
	} else {
		if info.MemTotal != nil {
			mem.TotalBytes = Uint64(*info.MemTotal * 1024)
		}
		switch {
		case info.MemAvailable != nil:
			mem.AvailableBytes = Uint64(*info.MemAvailable * 1024)
		case info.MemFree != nil:
			// Pre-3.14 kernels lack MemAvailable.
			avail := *info.MemFree
			if info.Cached != nil {
				avail += *info.Cached
			}
			mem.AvailableBytes = Uint64(avail * 1024)
		}
	}

	self, err := r.proc.Self()
	if err != nil {
		r.logger.Debug("self process unavailable", "err", err)
		return mem
	}
	stat, err := self.Stat()
	if err != nil {
		r.logger.Debug("self stat unavailable", "err", err)
		return mem
	}
	if rss := stat.ResidentMemory(); rss > 0 {
		mem.ProcessRSSBytes = Uint64(uint64(rss))
	}
	return mem
}

func (r *Reader) readCPUUsage() *float64 {
	stat, err := r.proc.Stat()
	if err != nil {
		r.logger.Debug("cpu stat unavailable", "err", err)
		return nil
	}
	current := stat.CPUTotal

	r.mu.Lock()
	prev := r.prevCPU
	r.prevCPU = &current
	r.mu.Unlock()

	if prev == nil {
		return nil
	}

	busy := cpuBusy(current) - cpuBusy(*prev)
	total := cpuTotal(current) - cpuTotal(*prev)
	if total <= 0 {
		return nil
	}
	return Float64(clamp(busy/total, 0, 1))
}

func cpuTotal(s procfs.CPUStat) float64 {
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}

func cpuBusy(s procfs.CPUStat) float64 {
	return cpuTotal(s) - s.Idle - s.Iowait
}

func (r *Reader) readMaxThermalZone() *float64 {
	root := filepath.Join(r.sysfsRoot, thermalClassPath)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var max *float64
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "thermal_zone") {
			continue
		}
		milli, err := readFloatFile(filepath.Join(root, entry.Name(), "temp"))
		if err != nil {
			r.logger.Debug("thermal zone unreadable", "zone", entry.Name(), "err", err)
			continue
		}
		celsius := milli / 1000
		if max == nil || celsius > *max {
			max = Float64(celsius)
		}
	}
	return max
}

func (r *Reader) readBattery() (*float64, *bool) {
	root := filepath.Join(r.sysfsRoot, powerSupplyPath)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil
	}

	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		kind, err := readTrimmed(filepath.Join(dir, "type"))
		if err != nil || !strings.EqualFold(kind, "Battery") {
			continue
		}
		capacity, err := readFloatFile(filepath.Join(dir, "capacity"))
		if err != nil {
			r.logger.Debug("battery capacity unreadable", "supply", entry.Name(), "err", err)
			continue
		}
		level := Float64(clamp(capacity/100, 0, 1))

		var charging *bool
		if status, err := readTrimmed(filepath.Join(dir, "status")); err == nil {
			switch strings.ToLower(status) {
			case "charging", "full":
				charging = Bool(true)
			case "discharging", "not charging":
				charging = Bool(false)
			}
		}
		return level, charging
	}
	return nil, nil
}

func (r *Reader) readPowerSave() *bool {
	profile, err := readTrimmed(filepath.Join(r.sysfsRoot, platformProfileRel))
	if err != nil {
		return nil
	}
	_, low := lowPowerProfiles[strings.ToLower(profile)]
	return Bool(low)
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readFloatFile(path string) (float64, error) {
	value, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, fmt.Errorf("empty value")
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}

func clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}

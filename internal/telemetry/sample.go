package telemetry

import "time"

// Sample is a single device telemetry snapshot. Pointer fields are nil when
// the value could not be read and serialize as null.
type Sample struct {
	Timestamp    time.Time `json:"ts"`
	Memory       Memory    `json:"memory"`
	CPUUsage     *float64  `json:"cpu_usage"`
	TempC        *float64  `json:"temp_c"`
	BatteryLevel *float64  `json:"battery_level"`
	Charging     *bool     `json:"charging"`
	PowerSave    *bool     `json:"power_save"`
}

// Memory holds system and process memory figures in bytes.
type Memory struct {
	TotalBytes      *uint64 `json:"total_bytes"`
	AvailableBytes  *uint64 `json:"available_bytes"`
	ProcessRSSBytes *uint64 `json:"process_rss_bytes"`
}

// Source produces telemetry samples.
type Source interface {
	Sample() Sample
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Sample

// Sample implements Source.
func (f SourceFunc) Sample() Sample { return f() }

// UsedBytes returns total minus available memory.
func (m Memory) UsedBytes() (uint64, bool) {
	if m.TotalBytes == nil || m.AvailableBytes == nil {
		return 0, false
	}
	if *m.AvailableBytes >= *m.TotalBytes {
		return 0, true
	}
	return *m.TotalBytes - *m.AvailableBytes, true
}

// PressureRatio returns used/total in [0,1].
func (m Memory) PressureRatio() (float64, bool) {
	used, ok := m.UsedBytes()
	if !ok || *m.TotalBytes == 0 {
		return 0, false
	}
	return clamp(float64(used)/float64(*m.TotalBytes), 0, 1), true
}

// MergeMissing fills fields that are nil in s with the values from prev.
func (s Sample) MergeMissing(prev Sample) Sample {
	out := s
	if out.Memory.TotalBytes == nil {
		out.Memory.TotalBytes = prev.Memory.TotalBytes
	}
	if out.Memory.AvailableBytes == nil {
		out.Memory.AvailableBytes = prev.Memory.AvailableBytes
	}
	if out.Memory.ProcessRSSBytes == nil {
		out.Memory.ProcessRSSBytes = prev.Memory.ProcessRSSBytes
	}
	if out.CPUUsage == nil {
		out.CPUUsage = prev.CPUUsage
	}
	if out.TempC == nil {
		out.TempC = prev.TempC
	}
	if out.BatteryLevel == nil {
		out.BatteryLevel = prev.BatteryLevel
	}
	if out.Charging == nil {
		out.Charging = prev.Charging
	}
	if out.PowerSave == nil {
		out.PowerSave = prev.PowerSave
	}
	return out
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

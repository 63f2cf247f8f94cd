package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/presentation"
)

func run(t *testing.T, args ...string) []byte {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.Bytes()
}

func TestDetectJSON(t *testing.T) {
	root := t.TempDir()

	var report detectReport
	require.NoError(t, json.Unmarshal(run(t, "detect", "--json", "--sysfs", root, "--proc", root), &report))

	assert.Positive(t, report.Facts.Cores)
	assert.Empty(t, report.Facts.Accelerators)
	assert.False(t, report.Profile.SupportsAcceleratedCompute)
	assert.GreaterOrEqual(t, report.Profile.MaxConcurrentInferences, 1)
}

func TestSampleClassifiesHotHost(t *testing.T) {
	root := t.TempDir()
	proc := filepath.Join(root, "proc")
	sys := filepath.Join(root, "sys")

	zone := filepath.Join(sys, "class", "thermal", "thermal_zone0")
	require.NoError(t, os.MkdirAll(zone, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(zone, "temp"), []byte("96000\n"), 0o644))

	require.NoError(t, os.MkdirAll(proc, 0o755))
	meminfo := "MemTotal:       16384000 kB\nMemFree:          512000 kB\nMemAvailable:     819200 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(proc, "meminfo"), []byte(meminfo), 0o644))

	var report sampleReport
	out := run(t, "sample", "--json", "--interval", "1ms", "--sysfs", sys, "--proc", proc)
	require.NoError(t, json.Unmarshal(out, &report))

	assert.Equal(t, capability.ThermalCritical, report.ThermalState)
	assert.InDelta(t, 0.95, report.MemoryPressureRatio, 0.001)
	assert.Equal(t, presentation.ModeEmergency, report.PresentationMode)
}

func TestUnknownSubcommandFails(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"explode"})
	assert.Error(t, cmd.Execute())
}

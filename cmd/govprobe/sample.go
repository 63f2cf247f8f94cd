package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/presentation"
	"github.com/skobkin/resgov/internal/telemetry"
)

type sampleReport struct {
	Sample              telemetry.Sample        `json:"sample"`
	ThermalState        capability.ThermalState `json:"thermal_state"`
	MemoryPressureRatio float64                 `json:"memory_pressure_ratio"`
	PresentationMode    presentation.Mode       `json:"presentation_mode"`
	PresentationRule    string                  `json:"presentation_rule"`
}

func newSampleCommand(opts *options) *cobra.Command {
	var (
		interval   time.Duration
		policyFile string
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Collect one telemetry sample and show how the governor would classify it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := policy.Default()
			if policyFile != "" {
				loaded, err := policy.LoadFile(policyFile)
				if err != nil {
					return err
				}
				p = loaded
			}

			reader, err := telemetry.NewReader(opts.procRoot, opts.sysfsRoot, opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("init telemetry reader: %w", err)
			}

			// CPU usage is a delta between two reads.
			reader.Sample()
			select {
			case <-time.After(interval):
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			sample := reader.Sample()

			report := sampleReport{
				Sample:       sample,
				ThermalState: capability.ThermalStateFor(sample.TempC, p.Thermal),
			}
			report.MemoryPressureRatio, _ = sample.Memory.PressureRatio()
			report.PresentationMode, report.PresentationRule = presentation.ComputeMode(presentation.Inputs{
				ThermalState:        report.ThermalState,
				MemoryPressureRatio: report.MemoryPressureRatio,
				PowerSave:           sample.PowerSave != nil && *sample.PowerSave,
			}, p.Presentation)

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printSample(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Delay between the two reads used for CPU usage")
	cmd.Flags().StringVar(&policyFile, "policy", envOrDefault("APP_POLICY_FILE", ""), "Policy YAML file overriding the defaults")
	return cmd
}

func printSample(w io.Writer, r sampleReport) {
	s := r.Sample
	fmt.Fprintf(w, "Collected at %s\n\n", s.Timestamp.Format(time.RFC3339))

	if used, ok := s.Memory.UsedBytes(); ok {
		fmt.Fprintf(w, "Memory:       %s / %s (%.0f%%)\n", humanize.IBytes(used), humanize.IBytes(*s.Memory.TotalBytes), r.MemoryPressureRatio*100)
	} else {
		fmt.Fprintln(w, "Memory:       unavailable")
	}
	if s.Memory.ProcessRSSBytes != nil {
		fmt.Fprintf(w, "Process RSS:  %s\n", humanize.IBytes(*s.Memory.ProcessRSSBytes))
	}
	if s.CPUUsage != nil {
		fmt.Fprintf(w, "CPU:          %.1f%%\n", *s.CPUUsage*100)
	} else {
		fmt.Fprintln(w, "CPU:          unavailable")
	}
	if s.TempC != nil {
		fmt.Fprintf(w, "Temperature:  %.1f°C (%s)\n", *s.TempC, r.ThermalState)
	} else {
		fmt.Fprintf(w, "Temperature:  unavailable (%s)\n", r.ThermalState)
	}
	if s.BatteryLevel != nil {
		charging := s.Charging != nil && *s.Charging
		fmt.Fprintf(w, "Battery:      %.0f%% (charging: %t)\n", *s.BatteryLevel*100, charging)
	} else {
		fmt.Fprintln(w, "Battery:      none")
	}
	if s.PowerSave != nil {
		fmt.Fprintf(w, "Power save:   %t\n", *s.PowerSave)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "UI mode:      %s (rule: %s)\n", r.PresentationMode, r.PresentationRule)
}

package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/skobkin/resgov/internal/capability"
)

type detectReport struct {
	Facts   capability.Facts           `json:"facts"`
	Profile capability.ResourceProfile `json:"profile"`
}

func newDetectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Gather hardware facts and print the static resource profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			facts := capability.GatherFacts(capability.FactsOptions{
				ProcRoot:  opts.procRoot,
				SysfsRoot: opts.sysfsRoot,
				ProbeNVML: opts.probeNVML,
			}, opts.logger(cmd.ErrOrStderr()))
			report := detectReport{Facts: facts, Profile: capability.Detect(facts)}

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printDetect(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func printDetect(w io.Writer, r detectReport) {
	fmt.Fprintf(w, "Cores:        %d\n", r.Facts.Cores)
	fmt.Fprintf(w, "Memory:       %s\n", humanize.IBytes(r.Facts.MemoryBytes))
	if r.Facts.SoC != "" {
		fmt.Fprintf(w, "SoC:          %s\n", r.Facts.SoC)
	}
	if len(r.Facts.Accelerators) == 0 {
		fmt.Fprintln(w, "Accelerators: none")
	} else {
		fmt.Fprintln(w, "Accelerators:")
		for _, info := range r.Facts.Accelerators {
			fmt.Fprintf(w, "- %s (%s, PCI: %s, Name: %s)\n", info.ID, info.Source, info.PCI, info.Name)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tier:                %s\n", r.Profile.Tier)
	fmt.Fprintf(w, "Accelerated compute: %t\n", r.Profile.SupportsAcceleratedCompute)
	fmt.Fprintf(w, "Memory budget:       %s\n", humanize.IBytes(r.Profile.MaxMemoryBudget))
	fmt.Fprintf(w, "Workload size:       %s\n", humanize.IBytes(r.Profile.RecommendedWorkloadSize))
	fmt.Fprintf(w, "Max concurrent:      %d\n", r.Profile.MaxConcurrentInferences)
}

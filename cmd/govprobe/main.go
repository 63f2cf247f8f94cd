// Command govprobe inspects what the governor would see on this host without
// starting it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type options struct {
	sysfsRoot  string
	procRoot   string
	probeNVML  bool
	jsonOutput bool
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "govprobe",
		Short:         "Inspect host capabilities and telemetry as seen by the resource governor",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.sysfsRoot, "sysfs", envOrDefault("APP_SYSFS_ROOT", "/sys"), "Path to sysfs root")
	root.PersistentFlags().StringVar(&opts.procRoot, "proc", envOrDefault("APP_PROC_ROOT", "/proc"), "Path to procfs root")
	root.PersistentFlags().BoolVar(&opts.probeNVML, "nvml", os.Getenv("APP_PROBE_NVML") == "true", "Probe NVIDIA devices through NVML")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Emit JSON instead of text")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log probe details to stderr")

	root.AddCommand(newDetectCommand(opts), newSampleCommand(opts))
	return root
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

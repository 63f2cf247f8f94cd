// Command resgov runs the adaptive resource governor and its HTTP surface.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skobkin/resgov/internal/app"
	"github.com/skobkin/resgov/internal/config"
	"github.com/skobkin/resgov/internal/version"
)

// Populated through -ldflags "-X main.buildVersion=...".
var (
	buildVersion = ""
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load()
	if err != nil {
		newLogger(os.Stderr, "text", slog.LevelError).Error("failed to load configuration", "err", err)
		return 2
	}

	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	info := version.Current()
	logger.Info("starting resource governor",
		"version", info.String(),
		"go", info.GoVersion,
		"strategy", cfg.Governor.Strategy,
		"listen_addr", cfg.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("governor stopped with error", "err", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

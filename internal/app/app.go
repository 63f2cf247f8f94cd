// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/skobkin/resgov/internal/cache"
	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/config"
	"github.com/skobkin/resgov/internal/governor"
	"github.com/skobkin/resgov/internal/httpserver"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	shutdownTracing, err := setupTracing(cfg.EnableTracing, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			appLogger.Warn("tracer shutdown", "err", err)
		}
	}()

	facts := capability.GatherFacts(capability.FactsOptions{
		ProcRoot:  cfg.ProcRoot,
		SysfsRoot: cfg.SysfsRoot,
		ProbeNVML: cfg.ProbeNVML,
	}, baseLogger.With("component", "facts"))
	appLogger.Info("host facts gathered",
		"cores", facts.Cores,
		"memory_bytes", facts.MemoryBytes,
		"soc", facts.SoC,
		"accelerators", len(facts.Accelerators),
	)

	reader, err := telemetry.NewReader(cfg.ProcRoot, cfg.SysfsRoot, baseLogger)
	if err != nil {
		return fmt.Errorf("init telemetry reader: %w", err)
	}

	memCache, err := cache.NewMemory("responses", cfg.Cache.MaxBytes)
	if err != nil {
		return fmt.Errorf("init memory cache: %w", err)
	}
	defer memCache.Close()

	var diskCache *cache.Disk
	if cfg.Cache.Dir != "" {
		diskCache, err = cache.NewDisk("responses", cfg.Cache.Dir)
		if err != nil {
			return fmt.Errorf("init disk cache: %w", err)
		}
	}

	engine := inference.NewOpenAIEngine(inference.OpenAIConfig{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
	}, baseLogger)

	// The server is built after the governor but reports connections to it.
	var srvRef atomic.Pointer[httpserver.Server]
	connections := func() int {
		if s := srvRef.Load(); s != nil {
			return s.Connections()
		}
		return 0
	}

	gov, err := governor.New(governor.Config{
		Policy:             cfg.Policy,
		SignalInterval:     cfg.Governor.SignalInterval,
		MemoryInterval:     cfg.Governor.MemoryInterval,
		MetricsInterval:    cfg.Governor.MetricsInterval,
		EvaluationInterval: cfg.Governor.EvaluationInterval,
		HistorySize:        cfg.Governor.HistorySize,
		Strategy:           cfg.Governor.Strategy,
		BufferPoolSize:     cfg.Governor.BufferPoolSize,
		ModelPath:          cfg.LLM.ModelPath,
		ContextSize:        cfg.LLM.ContextSize,
		CgroupDir:          cfg.CgroupRoot,
	}, governor.Deps{
		Facts:       facts,
		Source:      telemetry.NewLastKnown(reader),
		Engine:      engine,
		MemoryCache: memCache,
		DiskCache:   diskCache,
		Connections: connections,
		Logger:      baseLogger,
	})
	if err != nil {
		return fmt.Errorf("init governor: %w", err)
	}

	govCtx, govCancel := context.WithCancel(ctx)
	defer govCancel()

	govErrCh := make(chan error, 1)
	go func() {
		govErrCh <- gov.Run(govCtx)
	}()

	if cfg.LLM.ModelPath != "" {
		go func() {
			if err := gov.LoadModel(govCtx); err != nil && govCtx.Err() == nil {
				appLogger.Warn("initial model load failed", "err", err)
			}
		}()
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), gov)
	srvRef.Store(srv)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			govCancel()
			if err != nil {
				return err
			}
			if govErrCh != nil {
				if govErr := <-govErrCh; govErr != nil && !errors.Is(govErr, context.Canceled) {
					return govErr
				}
			}
			return nil
		case err := <-govErrCh:
			govErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("governor: %w", err)
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			govCancel()
			if govErrCh != nil {
				if govErr := <-govErrCh; govErr != nil && !errors.Is(govErr, context.Canceled) {
					return govErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

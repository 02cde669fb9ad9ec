// Package main is the entry point for the hydrogen daemon. It resolves
// Jupyter kernel specs, runs one kernel per editor language and exposes
// them to editor plugins over HTTP and websockets.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/t9md/hydrogen/internal/api"
	"github.com/t9md/hydrogen/internal/common/config"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/events"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/manager"
	"github.com/t9md/hydrogen/internal/tracing"
)

const (
	// promptGrace bounds how long an input request waits for the stream
	// that sent the execution to claim it.
	promptGrace     = 2 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("hydrogen exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting hydrogen...", zap.Bool("tracing", tracing.Enabled()))

	// 3. Context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Event bus (NATS when configured, in-memory otherwise)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()

	// 5. Kernel specs and the session factory
	prompts := kernel.NewPromptBroker(nil, promptGrace)
	factory, gatewayClient, err := manager.NewFactory(cfg, prompts, log)
	if err != nil {
		return fmt.Errorf("failed to initialize kernel factory: %w", err)
	}

	registry := kernelspec.NewRegistry(cfg.Kernel, log)
	if gatewayClient != nil {
		registry.UseRemote(gatewayClient)
	}
	if err := registry.Refresh(); err != nil {
		log.Warn("Failed to load kernelspecs", zap.Error(err))
	}
	log.Info("Kernelspecs loaded", zap.Int("count", len(registry.All())))
	if gatewayClient == nil && cfg.Kernel.WatchSpecDirs {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				log.Warn("Kernelspec watcher stopped", zap.Error(err))
			}
		}()
	}

	// 6. Kernel manager
	mgr := manager.New(manager.Options{
		Config:  cfg.Kernel,
		Specs:   registry,
		Factory: factory,
		Bus:     eventBus,
		Logger:  log,
	})

	// 7. HTTP API
	handlers := api.NewHandlers(mgr, registry, prompts, eventBus, cfg.Server, log)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handlers, log),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 8. Wait for shutdown
	select {
	case <-ctx.Done():
		log.Info("Shutting down hydrogen...")
	case err := <-serveErr:
		if err != nil {
			mgr.Close()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	mgr.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("hydrogen stopped")
	return nil
}

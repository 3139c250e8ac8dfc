// Command aisorter runs the AI classification sidecar: an HTTP service that
// accepts telemetry batches, classifies each item through an external model
// API, and returns per-item routing decisions.
//
// Exit codes: 0 clean shutdown, 1 drain grace exceeded or server failure,
// 2 invalid configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sifthq/aisorter/internal/aiclient"
	"github.com/sifthq/aisorter/internal/breaker"
	"github.com/sifthq/aisorter/internal/config"
	"github.com/sifthq/aisorter/internal/logging"
	"github.com/sifthq/aisorter/internal/metrics"
	"github.com/sifthq/aisorter/internal/ratelimit"
	"github.com/sifthq/aisorter/internal/server"
	"github.com/sifthq/aisorter/internal/sorter"
	"github.com/sifthq/aisorter/internal/tracing"
	"github.com/sifthq/aisorter/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aisorter: invalid configuration: %v\n", err)
		return 2
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting aisorter", map[string]interface{}{
		"version":     version.Version,
		"commit":      version.Commit,
		"listen_addr": cfg.ListenAddr,
		"model":       cfg.Model,
	})

	shutdownTracing, err := tracing.Setup(cfg.TraceEnabled)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aisorter: tracing setup: %v\n", err)
		return 2
	}

	m := metrics.New()
	limiter := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitWindow)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		ResetTimeout:     cfg.CircuitReset,
		Logger:           logger,
		Observer:         metrics.NewCircuitObserver(m),
	})
	client := aiclient.New(cfg, limiter, brk, logger, m)
	srt := sorter.New(cfg, client, logger, m)
	srv := server.New(cfg, srt, logger, m)

	if !cfg.HasAPIKey() {
		logger.Warn("AI_API_KEY is not set, readiness will stay failing", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accepting := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(accepting)
	}()

	select {
	case <-accepting:
		srv.SetReady(true)
		logger.Info("listener accepting", map[string]interface{}{
			"listen_addr": cfg.ListenAddr,
		})
	case err := <-serveErr:
		logger.Error("listen failed", map[string]interface{}{
			"listen_addr": cfg.ListenAddr,
			"error":       err.Error(),
		})
		return 1
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", map[string]interface{}{"error": err.Error()})
			return 1
		}
		return 0
	}

	// Readiness flips off inside Shutdown before the drain starts.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	exitCode := 0
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("drain incomplete after grace period", map[string]interface{}{
			"grace_ms": cfg.ShutdownGrace.Milliseconds(),
			"error":    err.Error(),
		})
		exitCode = 1
	}

	client.Close()
	if err := shutdownTracing(drainCtx); err != nil {
		logger.Warn("trace exporter shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("shutdown complete", map[string]interface{}{"exit_code": exitCode})
	return exitCode
}

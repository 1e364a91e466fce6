package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/sdrbridge/internal/config"
	"github.com/e7canasta/sdrbridge/internal/core"
	"github.com/e7canasta/sdrbridge/internal/device"
	"github.com/e7canasta/sdrbridge/internal/emitter"
	"github.com/e7canasta/sdrbridge/internal/metrics"
)

const defaultConfigPath = "config/sdrbridge.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug || strings.EqualFold(cfg.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting sdrbridge",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"broker", cfg.MQTT.Broker,
	)

	dev, err := openReceiver(cfg)
	if err != nil {
		slog.Error("failed to create receiver", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	bridge := core.New(cfg, dev, emitter.New(cfg), m)

	// Metrics and health endpoints (non-blocking)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, reg)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run bridge in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- bridge.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("bridge error", "error", runErr)
		}
	}

	// Graceful shutdown
	shutdownTimeout := bridge.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := bridge.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", "error", err)
	}

	if runErr != nil {
		os.Exit(1)
	}
	slog.Info("sdrbridge stopped successfully")
}

func openReceiver(cfg *config.Config) (device.Receiver, error) {
	switch cfg.Device.Driver {
	case "sim":
		return device.NewSim(cfg.Device.BufferBytes), nil
	default:
		return nil, fmt.Errorf("unknown device driver %q", cfg.Device.Driver)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chain-registry-go/internal/config"
	"chain-registry-go/internal/limiter"
	"chain-registry-go/internal/logging"
	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/recovery"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chain_registry_exit", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	metrics.GetMetrics().RecordStartTime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sm, err := NewServiceManager(ctx, cfg)
	if err != nil {
		return err
	}
	sm.Start(ctx)

	apiServer := NewServer(sm.Registry, sm.Hub(), cfg.AdminAddr, limiter.NewRateLimiter(limiter.MaxSafetyRPS))
	recovery.WithRecovery(func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_start_fail", "err", err)
		}
	}, "api_server")

	slog.Info("system_operational")
	var exitErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown_signal_received")
	case <-sm.Registry.Done():
		exitErr = sm.Registry.Err()
		slog.Error("registry_loop_exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api_shutdown_failed", slog.String("error", err.Error()))
	}
	sm.Stop()
	slog.Info("shutdown_complete")
	return exitErr
}

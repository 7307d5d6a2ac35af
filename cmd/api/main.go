// Command api serves the PulsePay HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulsepay/pulsepay/internal/app"
	"github.com/pulsepay/pulsepay/internal/config"
	"github.com/pulsepay/pulsepay/internal/logging"
	"github.com/pulsepay/pulsepay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: cfg.AppName + "-api", Env: cfg.AppEnv})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	svc, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer svc.Close()

	srv, err := server.New(svc)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", "grace", cfg.ShutdownPeriod)
	case err := <-listenErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

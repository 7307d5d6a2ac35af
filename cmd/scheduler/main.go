// Command scheduler runs the periodic billing, reconcile and divergence
// retry jobs against the shared store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulsepay/pulsepay/internal/app"
	"github.com/pulsepay/pulsepay/internal/config"
	"github.com/pulsepay/pulsepay/internal/logging"
	"github.com/pulsepay/pulsepay/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: cfg.AppName + "-scheduler", Env: cfg.AppEnv})
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, scheduler only sees its own in-memory sessions")
	}

	svc, err := app.New(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		logger.Error("wire services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	jobs := scheduler.NewJobs(svc.Sessions, logger, cfg.Scheduler.BatchSize)
	sched := scheduler.NewScheduler(jobs, logger, scheduler.Schedules{
		Billing:    cfg.Scheduler.Billing,
		Reconcile:  cfg.Scheduler.Reconcile,
		Divergence: cfg.Scheduler.Divergence,
		Pending:    cfg.Scheduler.Pending,
	}, cfg.Scheduler.RunTimeout)

	if err := sched.Start(); err != nil {
		logger.Error("start scheduler", "error", err)
		svc.Close()
		os.Exit(1)
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-sched.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron specs for each job. An empty spec disables the job.
type Schedules struct {
	Billing    string
	Reconcile  string
	Divergence string
	Pending    string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
	timeout   time.Duration
}

// NewScheduler creates a scheduler. Runs never overlap; a run still in
// progress when its next tick fires is skipped. timeout bounds each run.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules, timeout time.Duration) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{cron: c, jobs: jobs, logger: logger, schedules: schedules, timeout: timeout}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	entries := []struct {
		name string
		spec string
		run  func(context.Context) Summary
	}{
		{"billing", s.schedules.Billing, s.jobs.BillActive},
		{"reconcile", s.schedules.Reconcile, s.jobs.ReconcileRailBacked},
		{"divergence", s.schedules.Divergence, s.jobs.RetryDivergent},
		{"pending", s.schedules.Pending, s.jobs.ExpirePending},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		run := e.run
		if _, err := s.cron.AddFunc(e.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return fmt.Errorf("schedule %s job: %w", e.name, err)
		}
		s.logger.Info("scheduled job", "job", e.name, "schedule", e.spec)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Package scheduler drives periodic billing and reconciliation from outside
// the session engine. Each job lists candidate sessions and invokes the
// lifecycle operation for each one.
package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pulsepay/pulsepay/internal/session"
)

const defaultBatchSize = 500

// Sessions is the lifecycle surface the jobs drive. *session.Service
// satisfies it.
type Sessions interface {
	ListActive(ctx context.Context, limit int) ([]session.Session, error)
	ListDivergent(ctx context.Context, limit int) ([]session.Session, error)
	Bill(ctx context.Context, id string) (session.BillResult, error)
	Reconcile(ctx context.Context, id string) (session.ReconcileResult, error)
	ListStalePending(ctx context.Context, limit int) ([]session.Session, error)
	AbandonPending(ctx context.Context, id string) error
}

// Summary counts what one job run did.
type Summary struct {
	Scanned   int
	Settled   int
	Ended     int
	Closed    int
	Abandoned int
	Failed    int
	Amount    int64
	Cancelled bool
}

// Jobs contains the scheduled task logic.
type Jobs struct {
	sessions  Sessions
	logger    *slog.Logger
	batchSize int
}

// NewJobs creates a job runner. batchSize bounds how many sessions each run
// touches.
func NewJobs(sessions Sessions, logger *slog.Logger, batchSize int) *Jobs {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{sessions: sessions, logger: logger, batchSize: batchSize}
}

// BillActive runs one billing tick for every ACTIVE session, least recently
// billed first.
func (j *Jobs) BillActive(ctx context.Context) Summary {
	var sum Summary
	active, err := j.sessions.ListActive(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("list active sessions failed", "error", err)
		return sum
	}
	for _, sess := range active {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		sum.Scanned++
		res, err := j.sessions.Bill(ctx, sess.ID)
		switch {
		case errors.Is(err, session.ErrInsufficientBalance):
			sum.Ended++
		case errors.Is(err, session.ErrNotActive):
			// paused or ended since the listing
		case err != nil:
			sum.Failed++
			j.logger.Warn("billing tick failed", "session_id", sess.ID, "error", err)
		case res.Amount > 0:
			sum.Settled++
			sum.Amount += res.Amount
		}
	}
	j.logger.Info("billing run finished",
		"scanned", sum.Scanned, "settled", sum.Settled, "ended", sum.Ended, "failed", sum.Failed, "amount", sum.Amount)
	return sum
}

// ReconcileRailBacked compares every ACTIVE rail-backed session with its
// flow and ends those the rail has stopped.
func (j *Jobs) ReconcileRailBacked(ctx context.Context) Summary {
	var sum Summary
	active, err := j.sessions.ListActive(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("list active sessions failed", "error", err)
		return sum
	}
	for _, sess := range active {
		if !sess.RailBacked() {
			continue
		}
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		sum.Scanned++
		j.reconcile(ctx, sess.ID, &sum)
	}
	j.logger.Info("reconcile run finished", "scanned", sum.Scanned, "ended", sum.Ended, "failed", sum.Failed)
	return sum
}

// RetryDivergent retries the rail close for ENDED sessions whose close
// failed.
func (j *Jobs) RetryDivergent(ctx context.Context) Summary {
	var sum Summary
	divergent, err := j.sessions.ListDivergent(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("list divergent sessions failed", "error", err)
		return sum
	}
	for _, sess := range divergent {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		sum.Scanned++
		j.reconcile(ctx, sess.ID, &sum)
	}
	if sum.Scanned > 0 {
		j.logger.Info("divergence retry finished", "scanned", sum.Scanned, "closed", sum.Closed, "failed", sum.Failed)
	}
	return sum
}

func (j *Jobs) reconcile(ctx context.Context, id string, sum *Summary) {
	res, err := j.sessions.Reconcile(ctx, id)
	if err != nil {
		sum.Failed++
		j.logger.Warn("reconcile failed", "session_id", id, "error", err)
		return
	}
	switch res.Action {
	case session.ActionEnded:
		sum.Ended++
	case session.ActionClosed, session.ActionCleared:
		sum.Closed++
	}
}

// ExpirePending abandons sessions stuck in PENDING past the rail open grace
// period, which frees their payers to start again.
func (j *Jobs) ExpirePending(ctx context.Context) Summary {
	var sum Summary
	stale, err := j.sessions.ListStalePending(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("list pending sessions failed", "error", err)
		return sum
	}
	for _, sess := range stale {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		sum.Scanned++
		err := j.sessions.AbandonPending(ctx, sess.ID)
		switch {
		case err == nil:
			sum.Abandoned++
		case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotFound):
			// activated or already swept since the listing
		default:
			sum.Failed++
			j.logger.Warn("abandon pending session failed", "session_id", sess.ID, "error", err)
		}
	}
	if sum.Scanned > 0 {
		j.logger.Info("pending sweep finished", "scanned", sum.Scanned, "abandoned", sum.Abandoned, "failed", sum.Failed)
	}
	return sum
}

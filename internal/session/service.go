// Package session owns the stream session state machine: start, bill,
// pause, resume, end and reconcile against the payment rail.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/catalog"
	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/metrics"
	"github.com/pulsepay/pulsepay/internal/notification"
	"github.com/pulsepay/pulsepay/internal/rail"
	"github.com/pulsepay/pulsepay/internal/settlement"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

const (
	maxSettleAttempts   = 5
	defaultRailTimeout  = 20 * time.Second
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Reconcile actions.
const (
	ActionNone    = "none"
	ActionEnded   = "ended"
	ActionClosed  = "closed"
	ActionCleared = "cleared"
)

// Wallets is the wallet capability the lifecycle needs. *wallet.Service
// satisfies it.
type Wallets interface {
	Get(ctx context.Context, id string) (wallet.Wallet, error)
	GetByRailAddress(ctx context.Context, address string) (wallet.Wallet, error)
	ClaimActiveSession(ctx context.Context, walletID, sessionID string) error
	ReleaseActiveSession(ctx context.Context, walletID, sessionID string) error
	SigningKey(w wallet.Wallet) (string, error)
}

// Deps wires the lifecycle. Rail may be nil, in which case every session
// settles on the ledger only.
type Deps struct {
	Sessions    Repository
	Wallets     Wallets
	Catalog     catalog.Repository
	Engine      *settlement.Engine
	Rail        rail.Adapter
	Metrics     *metrics.Metrics
	Notifier    notification.Notifier
	Logger      *slog.Logger
	Clock       func() time.Time
	RailTimeout time.Duration
}

// Service runs the session lifecycle.
type Service struct {
	sessions    Repository
	wallets     Wallets
	catalog     catalog.Repository
	engine      *settlement.Engine
	rail        rail.Adapter
	metrics     *metrics.Metrics
	notifier    notification.Notifier
	logger      *slog.Logger
	clock       func() time.Time
	railTimeout time.Duration
}

// NewService validates deps and builds the lifecycle.
func NewService(d Deps) (*Service, error) {
	if d.Sessions == nil || d.Wallets == nil || d.Catalog == nil || d.Engine == nil {
		return nil, errors.New("sessions, wallets, catalog and engine are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.RailTimeout <= 0 {
		d.RailTimeout = defaultRailTimeout
	}
	return &Service{
		sessions:    d.Sessions,
		wallets:     d.Wallets,
		catalog:     d.Catalog,
		engine:      d.Engine,
		rail:        d.Rail,
		metrics:     d.Metrics,
		notifier:    d.Notifier,
		logger:      d.Logger,
		clock:       d.Clock,
		railTimeout: d.RailTimeout,
	}, nil
}

// now is truncated to microseconds so it survives a Postgres round trip.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// StartInput identifies the payer either by wallet id or by rail address.
type StartInput struct {
	PayerWalletID string
	PayerAddress  string
	ServiceID     string
}

// Start opens a session after checking, in order: payer exists and is
// active, payer is idle, service exists and is active, payer can afford the
// minimum, payee exists and is active.
func (s *Service) Start(ctx context.Context, in StartInput) (Session, error) {
	payer, err := s.resolvePayer(ctx, in)
	if err != nil {
		return Session{}, err
	}
	if !payer.IsActive() {
		return Session{}, fmt.Errorf("%w: payer wallet %s", ErrWalletSuspended, payer.ID)
	}
	if payer.HasActiveSession() {
		return Session{}, fmt.Errorf("%w: session %s", ErrSessionConflict, payer.ActiveSessionID)
	}

	svc, err := s.catalog.GetService(ctx, in.ServiceID)
	if err != nil {
		return Session{}, notFound(err)
	}
	if !svc.Active {
		return Session{}, fmt.Errorf("%w: service %s", ErrServiceInactive, svc.ID)
	}
	if !svc.CanAfford(payer.Available()) {
		return Session{}, fmt.Errorf("%w: available %d below minimum %d", ErrInsufficientBalance, payer.Available(), svc.MinBalance)
	}
	if svc.RatePerSecond <= 0 {
		return Session{}, fmt.Errorf("%w: service %s has no billable rate", ErrValidation, svc.ID)
	}

	store, err := s.catalog.GetStore(ctx, svc.StoreID)
	if err != nil {
		return Session{}, notFound(err)
	}
	payee, err := s.wallets.Get(ctx, store.WalletID)
	if err != nil {
		return Session{}, notFound(err)
	}
	if !payee.IsActive() {
		return Session{}, fmt.Errorf("%w: payee wallet %s", ErrWalletSuspended, payee.ID)
	}
	if payee.ID == payer.ID {
		return Session{}, fmt.Errorf("%w: payer and payee are the same wallet", ErrValidation)
	}

	now := s.now()
	sess := Session{
		ID:            uuid.NewString(),
		PayerWalletID: payer.ID,
		PayeeWalletID: payee.ID,
		ServiceID:     svc.ID,
		StoreID:       store.ID,
		RatePerSecond: svc.RatePerSecond,
		Reason:        store.Category.Reason(),
		Status:        StatusPending,
		StartedAt:     now,
		LastBilledAt:  now,
		UpdatedAt:     now,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return Session{}, err
	}
	if err := s.wallets.ClaimActiveSession(ctx, payer.ID, sess.ID); err != nil {
		if delErr := s.sessions.DeletePendingSession(context.WithoutCancel(ctx), sess.ID); delErr != nil {
			s.logger.Error("drop unclaimed session failed", "session_id", sess.ID, "error", delErr)
		}
		if errors.Is(err, wallet.ErrClaimConflict) {
			return Session{}, fmt.Errorf("%w: %w", ErrSessionConflict, err)
		}
		return Session{}, err
	}

	// The session stays PENDING, and so unbillable, until the flow is open.
	var ref string
	railBacked := s.rail != nil && payer.CanSendOnRail() && payee.RailAddress != ""
	if railBacked {
		ref, err = s.openFlow(ctx, payer, payee, sess.RatePerSecond)
		if err != nil {
			s.rollbackStart(ctx, sess)
			return Session{}, err
		}
	}

	// The flow may already be open, so a cancelled caller must not strand it.
	active, err := s.sessions.ActivateSession(context.WithoutCancel(ctx), sess.ID, ref, s.now())
	if err != nil {
		if railBacked {
			s.discardFlow(ctx, sess, payer, payee)
		}
		s.rollbackStart(ctx, sess)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return Session{}, fmt.Errorf("%w: start of session %s was abandoned", ErrRail, sess.ID)
		}
		return Session{}, err
	}
	sess = active

	s.metrics.SessionStarted(sess.RailBacked())
	s.logger.Info("session started",
		"session_id", sess.ID,
		"wallet_id", payer.ID,
		"payee_wallet_id", payee.ID,
		"rate_per_second", sess.RatePerSecond,
		"flow_ref", sess.FlowRef,
	)
	s.notify(ctx, notification.KindSessionStarted, sess, fmt.Sprintf("Session started at %d per second", sess.RatePerSecond))
	return sess, nil
}

func (s *Service) resolvePayer(ctx context.Context, in StartInput) (wallet.Wallet, error) {
	var (
		w   wallet.Wallet
		err error
	)
	switch {
	case in.PayerWalletID != "":
		w, err = s.wallets.Get(ctx, in.PayerWalletID)
	case in.PayerAddress != "":
		w, err = s.wallets.GetByRailAddress(ctx, in.PayerAddress)
	default:
		return wallet.Wallet{}, fmt.Errorf("%w: payer wallet id or address is required", ErrValidation)
	}
	if err != nil {
		return wallet.Wallet{}, notFound(err)
	}
	return w, nil
}

// rollbackStart drops the PENDING record and then the payer's claim.
func (s *Service) rollbackStart(ctx context.Context, sess Session) {
	ctx = context.WithoutCancel(ctx)
	if err := s.sessions.DeletePendingSession(ctx, sess.ID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("rollback delete failed", "session_id", sess.ID, "error", err)
	}
	if err := s.wallets.ReleaseActiveSession(ctx, sess.PayerWalletID, sess.ID); err != nil && !errors.Is(err, wallet.ErrStaleRelease) {
		s.logger.Error("rollback release failed", "session_id", sess.ID, "wallet_id", sess.PayerWalletID, "error", err)
	}
}

// discardFlow closes a flow opened for a session that never became ACTIVE.
// There is no record left to flag, so a failure is only logged and published.
func (s *Service) discardFlow(ctx context.Context, sess Session, payer, payee wallet.Wallet) {
	ctx = context.WithoutCancel(ctx)
	if fresh, err := s.wallets.Get(ctx, payer.ID); err == nil {
		if owner, err := s.flowOwner(ctx, sess, fresh); err == nil && owner != "" {
			s.logger.Info("abandoned start: flow belongs to a newer session", "session_id", sess.ID, "owner_session_id", owner)
			return
		}
	}
	key, err := s.wallets.SigningKey(payer)
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, s.railTimeout)
		err = s.rail.CloseFlow(cctx, rail.Credential{Address: payer.RailAddress, PrivateKey: key}, payee.RailAddress)
		cancel()
	}
	if err == nil {
		return
	}
	s.metrics.RailFailed("close")
	s.metrics.RailDiverged()
	s.logger.Error("rail flow of abandoned start left open",
		"session_id", sess.ID,
		"wallet_id", payer.ID,
		"payee_wallet_id", payee.ID,
		"error", err,
	)
	s.notify(ctx, notification.KindRailDivergence, sess, "Rail flow of an abandoned start could not be closed")
}

// pendingGrace is how long a PENDING session may wait on its rail open
// before the sweep treats the start as lost.
func (s *Service) pendingGrace() time.Duration {
	return 2 * s.railTimeout
}

// ListStalePending returns PENDING sessions older than the open grace
// period. They belong to starts that crashed or hung mid-open.
func (s *Service) ListStalePending(ctx context.Context, limit int) ([]Session, error) {
	pending, err := s.sessions.ListSessionsByStatus(ctx, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.pendingGrace())
	stale := pending[:0]
	for _, sess := range pending {
		if !sess.StartedAt.After(cutoff) {
			stale = append(stale, sess)
		}
	}
	return stale, nil
}

// AbandonPending removes a stale PENDING session, closes any flow the lost
// start may have opened, and frees the payer. Deleting the record first
// makes a late ActivateSession from the original start fail.
func (s *Service) AbandonPending(ctx context.Context, id string) error {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != StatusPending {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
	}
	if s.now().Sub(sess.StartedAt) < s.pendingGrace() {
		return fmt.Errorf("%w: session %s is still starting", ErrInvalidTransition, sess.ID)
	}
	if err := s.sessions.DeletePendingSession(ctx, sess.ID); err != nil {
		return err
	}

	if s.rail != nil {
		payer, payee, err := s.parties(ctx, sess)
		if err == nil && payer.CanSendOnRail() && payee.RailAddress != "" {
			qctx, cancel := context.WithTimeout(ctx, s.railTimeout)
			rate, qerr := s.rail.QueryFlow(qctx, payer.RailAddress, payee.RailAddress)
			cancel()
			switch {
			case qerr != nil:
				s.metrics.RailFailed("query")
				s.logger.Warn("abandoned start: rail query failed, closing anyway", "session_id", sess.ID, "error", qerr)
				s.discardFlow(ctx, sess, payer, payee)
			case rate.Sign() != 0:
				s.discardFlow(ctx, sess, payer, payee)
			}
		}
	}

	if err := s.wallets.ReleaseActiveSession(ctx, sess.PayerWalletID, sess.ID); err != nil && !errors.Is(err, wallet.ErrStaleRelease) {
		return err
	}
	s.logger.Warn("abandoned stale pending session", "session_id", sess.ID, "wallet_id", sess.PayerWalletID)
	return nil
}

// BillResult reports one settlement tick.
type BillResult struct {
	SessionID    string
	Amount       int64
	Seconds      int64
	TotalAmount  int64
	TotalSeconds int64
	Status       Status
	Ended        bool
}

func resultFor(sess Session) BillResult {
	return BillResult{
		SessionID:    sess.ID,
		TotalAmount:  sess.TotalAmount,
		TotalSeconds: sess.TotalSeconds,
		Status:       sess.Status,
		Ended:        sess.IsEnded(),
	}
}

// Bill settles the whole seconds elapsed since the billing cursor. Calls
// within the same second are zero-amount no-ops. When the payer cannot cover
// the window the session is force-ended, nothing is collected for it and
// the result is returned together with ErrInsufficientBalance.
func (s *Service) Bill(ctx context.Context, id string) (BillResult, error) {
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		sess, err := s.sessions.GetSession(ctx, id)
		if err != nil {
			return BillResult{}, err
		}
		if sess.Status != StatusActive {
			s.metrics.Billed("not_active", string(sess.Reason), 0)
			return resultFor(sess), fmt.Errorf("%w: session is %s", ErrNotActive, sess.Status)
		}

		now := s.now()
		seconds, amount := sess.Unbilled(now)
		if amount <= 0 {
			s.metrics.Billed("noop", string(sess.Reason), 0)
			return resultFor(sess), nil
		}

		_, err = s.engine.Settle(ctx, s.charge(sess, seconds, now))
		switch {
		case err == nil:
			s.metrics.Billed("settled", string(sess.Reason), amount)
			out := resultFor(sess)
			out.Amount = amount
			out.Seconds = seconds
			out.TotalAmount += amount
			out.TotalSeconds += seconds
			return out, nil
		case errors.Is(err, ledger.ErrStaleCursor):
			continue
		case errors.Is(err, ledger.ErrInsufficientFunds):
			ended, _, endErr := s.terminate(ctx, sess, EndInsufficientBalance, nil, true)
			if errors.Is(endErr, ledger.ErrStaleCursor) || errors.Is(endErr, ErrAlreadyEnded) {
				continue
			}
			if endErr != nil {
				return BillResult{}, endErr
			}
			s.metrics.Billed("insufficient", string(sess.Reason), 0)
			return resultFor(ended), fmt.Errorf("%w: %d needed for %d seconds", ErrInsufficientBalance, amount, seconds)
		default:
			return BillResult{}, settlementError(err)
		}
	}
	return BillResult{}, fmt.Errorf("bill %s: %w", id, ledger.ErrStaleCursor)
}

func (s *Service) charge(sess Session, seconds int64, now time.Time) settlement.Charge {
	return settlement.Charge{
		SessionID:       sess.ID,
		ServiceID:       sess.ServiceID,
		PayerWalletID:   sess.PayerWalletID,
		PayeeWalletID:   sess.PayeeWalletID,
		Seconds:         seconds,
		RatePerSecond:   sess.RatePerSecond,
		Reason:          sess.Reason,
		ExpectedVersion: sess.Version,
		BilledFrom:      sess.LastBilledAt,
		At:              now,
	}
}

// EndResult is the outcome of a terminal transition.
type EndResult struct {
	Session      Session
	FinalAmount  int64
	FinalSeconds int64
	// ShortfallDropped is set when the final window could not be covered
	// and was not collected.
	ShortfallDropped bool
}

// End performs a final settlement for an ACTIVE session, marks it ENDED,
// releases the payer and closes any rail flow. A failed close does not fail
// the call; the session is flagged for reconcile.
func (s *Service) End(ctx context.Context, id string) (EndResult, error) {
	return s.finish(ctx, id, EndRequested, true)
}

func (s *Service) finish(ctx context.Context, id string, reason EndReason, closeFlow bool) (EndResult, error) {
	dropFinal := false
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		sess, err := s.sessions.GetSession(ctx, id)
		if err != nil {
			return EndResult{}, err
		}
		if sess.IsEnded() {
			return EndResult{}, ErrAlreadyEnded
		}
		if sess.Status == StatusPending {
			return EndResult{}, fmt.Errorf("%w: session %s is still starting", ErrInvalidTransition, sess.ID)
		}

		now := s.now()
		endReason := reason
		var (
			final   *ledger.TransferInput
			seconds int64
		)
		if dropFinal {
			endReason = EndInsufficientBalance
		} else if sess.Status == StatusActive {
			secs, amount := sess.Unbilled(now)
			if amount > 0 {
				in, err := s.engine.Build(s.charge(sess, secs, now))
				if err != nil {
					return EndResult{}, settlementError(err)
				}
				final, seconds = &in, secs
			}
		}

		ended, res, err := s.terminate(ctx, sess, endReason, final, closeFlow)
		switch {
		case err == nil:
			out := EndResult{Session: ended, ShortfallDropped: dropFinal}
			if res != nil {
				out.FinalAmount = res.Debit.Amount
				out.FinalSeconds = seconds
			}
			return out, nil
		case errors.Is(err, ledger.ErrStaleCursor):
			continue
		case errors.Is(err, ledger.ErrInsufficientFunds):
			dropFinal = true
			continue
		default:
			return EndResult{}, err
		}
	}
	return EndResult{}, fmt.Errorf("end %s: %w", id, ledger.ErrStaleCursor)
}

// terminate commits the ENDED transition, with an optional final settlement
// in the same unit, then closes the rail flow outside the store when asked.
func (s *Service) terminate(ctx context.Context, sess Session, reason EndReason, final *ledger.TransferInput, closeFlow bool) (Session, *ledger.TransferResult, error) {
	ended, res, err := s.sessions.EndSession(ctx, EndInput{
		SessionID:       sess.ID,
		ExpectedVersion: sess.Version,
		At:              s.now(),
		Reason:          reason,
		Final:           final,
	})
	if err != nil {
		return Session{}, nil, err
	}

	s.metrics.SessionEnded(string(reason))
	if res != nil {
		s.metrics.Billed("settled", string(sess.Reason), res.Debit.Amount)
	}
	s.logger.Info("session ended",
		"session_id", ended.ID,
		"wallet_id", ended.PayerWalletID,
		"reason", string(reason),
		"total_amount", ended.TotalAmount,
		"total_seconds", ended.TotalSeconds,
	)
	kind := notification.KindSessionEnded
	if reason != EndRequested {
		kind = notification.KindSessionForceEnded
	}
	s.notify(ctx, kind, ended, fmt.Sprintf("Session ended (%s), charged %d for %d seconds", reason, ended.TotalAmount, ended.TotalSeconds))

	if closeFlow && ended.RailBacked() {
		ended, _ = s.closeFlow(ctx, ended)
	}
	return ended, res, nil
}

// Pause stops billing. Only an ACTIVE session can be paused.
func (s *Service) Pause(ctx context.Context, id string) (Session, error) {
	return s.transition(ctx, id, StatusActive, s.sessions.PauseSession)
}

// Resume restarts billing from now. Only a PAUSED session can be resumed.
func (s *Service) Resume(ctx context.Context, id string) (Session, error) {
	return s.transition(ctx, id, StatusPaused, s.sessions.ResumeSession)
}

func (s *Service) transition(ctx context.Context, id string, from Status, apply func(context.Context, string, int64, time.Time) (Session, error)) (Session, error) {
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		sess, err := s.sessions.GetSession(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if sess.Status != from {
			return Session{}, fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
		}
		updated, err := apply(ctx, id, sess.Version, s.now())
		if errors.Is(err, ledger.ErrStaleCursor) {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		s.logger.Info("session transitioned", "session_id", id, "from", string(from), "to", string(updated.Status))
		return updated, nil
	}
	return Session{}, fmt.Errorf("transition %s: %w", id, ledger.ErrStaleCursor)
}

// ReconcileResult reports what reconcile observed and did.
type ReconcileResult struct {
	Session  Session
	RailRate string
	Action   string
}

// Reconcile compares the session with the live rail flow. A zero rate on an
// ACTIVE session ends it without a close call. A flowing rate on an ENDED
// session retries the close only when that session's own close failed and
// no newer session of the payer now owns the flow to the same payee.
func (s *Service) Reconcile(ctx context.Context, id string) (ReconcileResult, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !sess.RailBacked() {
		return ReconcileResult{}, ErrNotRailBacked
	}
	if s.rail == nil {
		return ReconcileResult{}, fmt.Errorf("%w: no rail configured", ErrRail)
	}
	payer, payee, err := s.parties(ctx, sess)
	if err != nil {
		return ReconcileResult{}, err
	}

	qctx, cancel := context.WithTimeout(ctx, s.railTimeout)
	rate, err := s.rail.QueryFlow(qctx, payer.RailAddress, payee.RailAddress)
	cancel()
	if err != nil {
		s.metrics.RailFailed("query")
		return ReconcileResult{}, fmt.Errorf("%w: %w", ErrRail, err)
	}

	out := ReconcileResult{Session: sess, RailRate: rate.String(), Action: ActionNone}
	switch {
	case sess.IsEnded() && rate.Sign() != 0:
		if !sess.RailDivergent {
			break
		}
		closed, attempted := s.closeFlow(ctx, sess)
		out.Session = closed
		if attempted && !closed.RailDivergent {
			out.Action = ActionClosed
		}
	case sess.IsEnded() && sess.RailDivergent:
		if err := s.sessions.SetSessionRailDivergent(ctx, sess.ID, false); err != nil {
			return ReconcileResult{}, err
		}
		out.Session.RailDivergent = false
		out.Action = ActionCleared
	case sess.Status == StatusActive && rate.Sign() == 0:
		s.logger.Warn("rail flow stopped out of band", "session_id", sess.ID, "wallet_id", sess.PayerWalletID)
		res, err := s.finish(ctx, sess.ID, EndRailStopped, false)
		if errors.Is(err, ErrAlreadyEnded) {
			latest, getErr := s.sessions.GetSession(ctx, sess.ID)
			if getErr != nil {
				return ReconcileResult{}, getErr
			}
			out.Session = latest
			return out, nil
		}
		if err != nil {
			return ReconcileResult{}, err
		}
		out.Session = res.Session
		out.Action = ActionEnded
	}
	return out, nil
}

func (s *Service) parties(ctx context.Context, sess Session) (wallet.Wallet, wallet.Wallet, error) {
	payer, err := s.wallets.Get(ctx, sess.PayerWalletID)
	if err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, notFound(err)
	}
	payee, err := s.wallets.Get(ctx, sess.PayeeWalletID)
	if err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, notFound(err)
	}
	return payer, payee, nil
}

func (s *Service) openFlow(ctx context.Context, payer, payee wallet.Wallet, ratePerSecond int64) (string, error) {
	key, err := s.wallets.SigningKey(payer)
	if err != nil {
		return "", fmt.Errorf("%w: open signing credential: %w", ErrRail, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.railTimeout)
	defer cancel()
	ref, err := s.rail.OpenFlow(ctx, rail.Credential{Address: payer.RailAddress, PrivateKey: key}, payee.RailAddress, ratePerSecond)
	if err != nil {
		s.metrics.RailFailed("open")
		s.logger.Warn("rail open failed", "wallet_id", payer.ID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrRail, err)
	}
	return ref, nil
}

// closeFlow closes the session's rail flow after local state is committed.
// Failure flags the session as divergent and is never returned. The close is
// skipped, and false returned, when a newer session of the same payer to the
// same payee owns the flow, since the rail keys flows by sender and receiver
// only.
func (s *Service) closeFlow(ctx context.Context, sess Session) (Session, bool) {
	if s.rail == nil {
		return sess, false
	}
	ctx = context.WithoutCancel(ctx)
	payer, payee, err := s.parties(ctx, sess)
	if err == nil {
		var owner string
		owner, err = s.flowOwner(ctx, sess, payer)
		if err == nil && owner != "" {
			s.logger.Info("rail close skipped, flow belongs to a newer session",
				"session_id", sess.ID,
				"owner_session_id", owner,
				"wallet_id", sess.PayerWalletID,
			)
			return sess, false
		}
	}
	if err == nil {
		err = s.tryClose(ctx, payer, payee)
	}
	if err == nil {
		if sess.RailDivergent {
			if err := s.sessions.SetSessionRailDivergent(ctx, sess.ID, false); err != nil {
				s.logger.Error("clear rail divergence failed", "session_id", sess.ID, "error", err)
				return sess, true
			}
			sess.RailDivergent = false
		}
		return sess, true
	}

	s.metrics.RailFailed("close")
	s.metrics.RailDiverged()
	s.logger.Warn("rail close failed, session left divergent",
		"session_id", sess.ID,
		"wallet_id", sess.PayerWalletID,
		"flow_ref", sess.FlowRef,
		"error", err,
	)
	if setErr := s.sessions.SetSessionRailDivergent(ctx, sess.ID, true); setErr != nil {
		s.logger.Error("flag rail divergence failed", "session_id", sess.ID, "error", setErr)
	}
	sess.RailDivergent = true
	s.notify(ctx, notification.KindRailDivergence, sess, "Rail flow could not be closed")
	return sess, true
}

// flowOwner returns the id of another live session of the payer that streams
// to the same payee, or is about to. Such a session owns the pair's flow.
func (s *Service) flowOwner(ctx context.Context, sess Session, payer wallet.Wallet) (string, error) {
	if !payer.HasActiveSession() || payer.ActiveSessionID == sess.ID {
		return "", nil
	}
	other, err := s.sessions.GetSession(ctx, payer.ActiveSessionID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if other.IsEnded() || other.PayeeWalletID != sess.PayeeWalletID {
		return "", nil
	}
	if other.Status == StatusPending || other.RailBacked() {
		return other.ID, nil
	}
	return "", nil
}

func (s *Service) tryClose(ctx context.Context, payer, payee wallet.Wallet) error {
	key, err := s.wallets.SigningKey(payer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.railTimeout)
	defer cancel()
	return s.rail.CloseFlow(ctx, rail.Credential{Address: payer.RailAddress, PrivateKey: key}, payee.RailAddress)
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	return s.sessions.GetSession(ctx, id)
}

// ActiveForWallet returns the session the wallet's pointer names.
func (s *Service) ActiveForWallet(ctx context.Context, walletID string) (Session, error) {
	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return Session{}, notFound(err)
	}
	if !w.HasActiveSession() {
		return Session{}, fmt.Errorf("%w: wallet %s has no active session", ErrNotFound, walletID)
	}
	return s.sessions.GetSession(ctx, w.ActiveSessionID)
}

// History lists the wallet's sessions as payer, newest first.
func (s *Service) History(ctx context.Context, walletID string, page ledger.Page) ([]Session, int, error) {
	if _, err := s.wallets.Get(ctx, walletID); err != nil {
		return nil, 0, notFound(err)
	}
	return s.sessions.ListSessionsByPayer(ctx, walletID, page.Normalize(defaultHistoryLimit, maxHistoryLimit))
}

// Entries returns the ledger entries tagged with the session, oldest first.
func (s *Service) Entries(ctx context.Context, id string) ([]ledger.Entry, error) {
	if _, err := s.sessions.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.SessionEntries(ctx, id)
}

// ListActive returns ACTIVE sessions, least recently billed first.
func (s *Service) ListActive(ctx context.Context, limit int) ([]Session, error) {
	return s.sessions.ListSessionsByStatus(ctx, StatusActive, limit)
}

// ListDivergent returns ENDED sessions whose rail flow may still be open.
func (s *Service) ListDivergent(ctx context.Context, limit int) ([]Session, error) {
	return s.sessions.ListDivergentSessions(ctx, limit)
}

func (s *Service) notify(ctx context.Context, kind string, sess Session, body string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(context.WithoutCancel(ctx), notification.Message{
		Kind:        kind,
		SessionID:   sess.ID,
		Destination: sess.PayerWalletID,
		Body:        body,
		Attributes: map[string]string{
			"payee_wallet_id": sess.PayeeWalletID,
			"status":          string(sess.Status),
			"total_amount":    strconv.FormatInt(sess.TotalAmount, 10),
		},
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("notification failed", "session_id", sess.ID, "kind", kind, "error", err)
	}
}

func notFound(err error) error {
	if errors.Is(err, wallet.ErrNotFound) || errors.Is(err, catalog.ErrServiceNotFound) || errors.Is(err, catalog.ErrStoreNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func settlementError(err error) error {
	if errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, ledger.ErrSameWallet) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return err
}

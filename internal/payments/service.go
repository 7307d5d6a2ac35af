// Package payments issues refunds against settled stream sessions and
// operator balance adjustments.
package payments

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/notification"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/settlement"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

var (
	// ErrValidation wraps malformed refund or adjustment input.
	ErrValidation = errors.New("invalid payment request")
	// ErrRefundExceedsCharged rejects refunds above what the session collected.
	ErrRefundExceedsCharged = errors.New("refund exceeds amount charged")
)

// Sessions is the session lookup refunds need.
type Sessions interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// Wallets is the wallet lookup adjustments need.
type Wallets interface {
	Get(ctx context.Context, id string) (wallet.Wallet, error)
}

// Service posts refunds and adjustments through the settlement engine.
type Service struct {
	engine   *settlement.Engine
	sessions Sessions
	wallets  Wallets
	notifier notification.Notifier
	logger   *slog.Logger
	clock    func() time.Time

	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

// NewService constructs a payment service.
func NewService(engine *settlement.Engine, sessions Sessions, wallets Wallets, notifier notification.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		sessions: sessions,
		wallets:  wallets,
		notifier: notifier,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock replaces the time source stamped on refunds and adjustments.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// RefundInput captures a refund of part or all of a session's charges.
type RefundInput struct {
	SessionID  string
	Amount     int64
	ClientTxID string
	Note       string
}

// RefundResult describes the ledger outcome of a refund.
type RefundResult struct {
	TransactionID string
	SessionID     string
	Amount        int64
	Refunded      int64
	PayerBalance  int64
	PayeeBalance  int64
	CompletedAt   time.Time
}

// Refund moves money from the session's payee back to its payer. The sum of
// all refunds for a session never exceeds what the session charged. A zero
// amount refunds the remainder.
func (s *Service) Refund(ctx context.Context, input RefundInput) (RefundResult, error) {
	if input.Amount < 0 {
		return RefundResult{}, fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	if input.ClientTxID == "" {
		input.ClientTxID = uuid.NewString()
	}

	unlock := s.lock(input.SessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, input.SessionID)
	if err != nil {
		return RefundResult{}, err
	}
	entries, err := s.engine.SessionEntries(ctx, sess.ID)
	if err != nil {
		return RefundResult{}, err
	}
	charged, _ := ledger.SessionTotals(entries, sess.PayerWalletID, sess.PayeeWalletID)
	refunded := refundedTotal(entries, sess.PayerWalletID)
	remaining := charged - refunded

	amount := input.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return RefundResult{Refunded: refunded}, fmt.Errorf("%w: %d requested, %d refundable", ErrRefundExceedsCharged, amount, remaining)
	}

	res, err := s.engine.Refund(ctx, settlement.Reversal{
		SessionID:     sess.ID,
		PayeeWalletID: sess.PayeeWalletID,
		PayerWalletID: sess.PayerWalletID,
		Amount:        amount,
		Metadata: map[string]string{
			"client_tx_id": input.ClientTxID,
			"note":         input.Note,
			"charged":      strconv.FormatInt(charged, 10),
		},
		At: s.clock().UTC(),
	})
	if err != nil {
		return RefundResult{Refunded: refunded}, err
	}

	s.logger.Info("session refunded", "session_id", sess.ID, "amount", amount, "refunded", refunded+amount)
	if s.notifier != nil {
		if err := s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindRefundIssued,
			SessionID:   sess.ID,
			Destination: sess.PayerWalletID,
			Body:        fmt.Sprintf("Refund of %d issued for session %s", amount, sess.ID),
			OccurredAt:  res.Credit.CreatedAt,
		}); err != nil {
			s.logger.Warn("refund notification failed", "session_id", sess.ID, "error", err)
		}
	}

	return RefundResult{
		TransactionID: res.Credit.ID,
		SessionID:     sess.ID,
		Amount:        amount,
		Refunded:      refunded + amount,
		PayerBalance:  res.ToBalance,
		PayeeBalance:  res.FromBalance,
		CompletedAt:   res.Credit.CreatedAt,
	}, nil
}

// AdjustInput captures an operator correction to one wallet.
type AdjustInput struct {
	WalletID   string
	Direction  ledger.Direction
	Amount     int64
	ClientTxID string
	Note       string
}

// Adjust posts a single-sided ADJUSTMENT entry.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (ledger.Entry, error) {
	if input.Note == "" {
		return ledger.Entry{}, fmt.Errorf("%w: note is required", ErrValidation)
	}
	if _, err := s.wallets.Get(ctx, input.WalletID); err != nil {
		return ledger.Entry{}, err
	}
	if input.ClientTxID == "" {
		input.ClientTxID = uuid.NewString()
	}
	posting := settlement.Posting{
		WalletID: input.WalletID,
		Amount:   input.Amount,
		Reason:   ledger.ReasonAdjustment,
		Metadata: map[string]string{"client_tx_id": input.ClientTxID, "note": input.Note},
		At:       s.clock().UTC(),
	}

	var (
		entry ledger.Entry
		err   error
	)
	switch input.Direction {
	case ledger.Credit:
		entry, err = s.engine.Credit(ctx, posting)
	case ledger.Debit:
		entry, err = s.engine.Debit(ctx, posting)
	default:
		return ledger.Entry{}, fmt.Errorf("%w: direction must be %s or %s", ErrValidation, ledger.Credit, ledger.Debit)
	}
	if err != nil {
		return ledger.Entry{}, err
	}
	s.logger.Info("wallet adjusted", "wallet_id", input.WalletID, "direction", input.Direction, "amount", input.Amount)
	return entry, nil
}

// lock serialises refunds per session within this process.
func (s *Service) lock(sessionID string) func() {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	l := &s.locks[h.Sum32()%lockStripes]
	l.Lock()
	return l.Unlock
}

func refundedTotal(entries []ledger.Entry, payerWalletID string) int64 {
	var total int64
	for _, e := range entries {
		if e.Reason == ledger.ReasonRefund && e.Direction == ledger.Credit && e.WalletID == payerWalletID {
			total += e.Amount
		}
	}
	return total
}

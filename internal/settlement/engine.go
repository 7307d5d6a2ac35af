// Package settlement converts billed time into money movement. Every
// mutation goes through the ledger backend as one indivisible unit.
package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

// Engine wraps a ledger backend with the money-safety checks every caller
// must pass.
type Engine struct {
	ledger ledger.Ledger
}

// NewEngine constructs a settlement engine.
func NewEngine(ledger ledger.Ledger) *Engine {
	return &Engine{ledger: ledger}
}

// Charge is a settlement of Seconds of stream time from payer to payee.
type Charge struct {
	SessionID       string
	ServiceID       string
	PayerWalletID   string
	PayeeWalletID   string
	Seconds         int64
	RatePerSecond   int64
	Reason          ledger.Reason
	ExpectedVersion int64
	BilledFrom      time.Time
	At              time.Time
}

// Amount is the money owed for the charge.
func (c Charge) Amount() int64 {
	return c.Seconds * c.RatePerSecond
}

// Build validates the charge and returns the transfer that settles it. The
// transfer carries a cursor so the backend only commits it if the session
// has not moved.
func (e *Engine) Build(c Charge) (ledger.TransferInput, error) {
	if c.Seconds <= 0 || c.RatePerSecond <= 0 {
		return ledger.TransferInput{}, fmt.Errorf("%w: %d seconds at %d per second", ledger.ErrInvalidAmount, c.Seconds, c.RatePerSecond)
	}
	if c.PayerWalletID == c.PayeeWalletID {
		return ledger.TransferInput{}, ledger.ErrSameWallet
	}
	if !c.Reason.Valid() {
		return ledger.TransferInput{}, fmt.Errorf("unknown reason %q", c.Reason)
	}
	return ledger.TransferInput{
		FromWalletID: c.PayerWalletID,
		ToWalletID:   c.PayeeWalletID,
		Amount:       c.Amount(),
		Reason:       c.Reason,
		SessionID:    c.SessionID,
		Metadata: map[string]string{
			"service_id":      c.ServiceID,
			"seconds":         strconv.FormatInt(c.Seconds, 10),
			"rate_per_second": strconv.FormatInt(c.RatePerSecond, 10),
		},
		Cursor: &ledger.Cursor{
			SessionID:       c.SessionID,
			ExpectedVersion: c.ExpectedVersion,
			BilledAt:        c.BilledFrom.Add(time.Duration(c.Seconds) * time.Second),
			Seconds:         c.Seconds,
		},
		At: c.At,
	}, nil
}

// Settle debits the payer and credits the payee for the charge.
func (e *Engine) Settle(ctx context.Context, c Charge) (ledger.TransferResult, error) {
	in, err := e.Build(c)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	return e.ledger.Transfer(ctx, in)
}

// Reversal returns Amount of a session's charges from its payee to its payer.
type Reversal struct {
	SessionID     string
	PayeeWalletID string
	PayerWalletID string
	Amount        int64
	Metadata      map[string]string
	At            time.Time
}

// Refund posts the reversal with the REFUND reason. It carries no cursor;
// the session totals are untouched.
func (e *Engine) Refund(ctx context.Context, r Reversal) (ledger.TransferResult, error) {
	if r.Amount <= 0 {
		return ledger.TransferResult{}, ledger.ErrInvalidAmount
	}
	if r.PayeeWalletID == r.PayerWalletID {
		return ledger.TransferResult{}, ledger.ErrSameWallet
	}
	return e.ledger.Transfer(ctx, ledger.TransferInput{
		FromWalletID: r.PayeeWalletID,
		ToWalletID:   r.PayerWalletID,
		Amount:       r.Amount,
		Reason:       ledger.ReasonRefund,
		SessionID:    r.SessionID,
		Metadata:     r.Metadata,
		At:           r.At,
	})
}

// SessionEntries returns the entries a session produced, oldest first.
func (e *Engine) SessionEntries(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	return e.ledger.SessionEntries(ctx, sessionID)
}

// Posting is a single-sided movement on one wallet.
type Posting struct {
	WalletID string
	Amount   int64
	Reason   ledger.Reason
	Metadata map[string]string
	At       time.Time
}

// Credit posts a single-sided credit such as a top-up.
func (e *Engine) Credit(ctx context.Context, p Posting) (ledger.Entry, error) {
	return e.post(ctx, ledger.Credit, p)
}

// Debit posts a single-sided debit such as a withdrawal.
func (e *Engine) Debit(ctx context.Context, p Posting) (ledger.Entry, error) {
	return e.post(ctx, ledger.Debit, p)
}

func (e *Engine) post(ctx context.Context, dir ledger.Direction, p Posting) (ledger.Entry, error) {
	if p.Amount <= 0 {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	if !p.Reason.Valid() {
		return ledger.Entry{}, fmt.Errorf("unknown reason %q", p.Reason)
	}
	return e.ledger.Post(ctx, ledger.PostInput{
		WalletID:  p.WalletID,
		Direction: dir,
		Amount:    p.Amount,
		Reason:    p.Reason,
		Metadata:  p.Metadata,
		At:        p.At,
	})
}

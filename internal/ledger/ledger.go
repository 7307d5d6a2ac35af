package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when the debited wallet lacks available
	// balance to cover a requested posting.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for zero or negative posting amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrWalletNotFound indicates one of the wallets named by a posting does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrSameWallet rejects transfers where payer and payee are the same wallet.
	ErrSameWallet = errors.New("payer and payee must differ")

	// ErrStaleCursor means the session billing cursor moved (or the session
	// left ACTIVE) between the read and the settlement commit.
	ErrStaleCursor = errors.New("session cursor moved")
)

// Direction is the side of a ledger entry.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Reason classifies why a balance moved.
type Reason string

const (
	ReasonGymStream     Reason = "GYM_STREAM"
	ReasonEVStream      Reason = "EV_STREAM"
	ReasonWifiStream    Reason = "WIFI_STREAM"
	ReasonParkingStream Reason = "PARKING_STREAM"
	ReasonTopUp         Reason = "WALLET_TOPUP"
	ReasonWithdrawal    Reason = "WALLET_WITHDRAWAL"
	ReasonRefund        Reason = "REFUND"
	ReasonAdjustment    Reason = "ADJUSTMENT"
)

// Valid reports whether r is one of the known reason codes.
func (r Reason) Valid() bool {
	switch r {
	case ReasonGymStream, ReasonEVStream, ReasonWifiStream, ReasonParkingStream,
		ReasonTopUp, ReasonWithdrawal, ReasonRefund, ReasonAdjustment:
		return true
	}
	return false
}

// Entry is an immutable record of a single balance-affecting event.
type Entry struct {
	ID           string
	Seq          int64
	WalletID     string
	SessionID    string
	Direction    Direction
	Amount       int64
	Reason       Reason
	BalanceAfter int64
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Signed returns the amount with the sign of its direction.
func (e Entry) Signed() int64 {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// Cursor ties a transfer to a stream session billing window. The backend
// advances the session only if it is still ACTIVE at ExpectedVersion.
type Cursor struct {
	SessionID       string
	ExpectedVersion int64
	BilledAt        time.Time
	Seconds         int64
}

// TransferInput describes a debit of From and credit of To for the same amount.
type TransferInput struct {
	FromWalletID string
	ToWalletID   string
	Amount       int64
	Reason       Reason
	SessionID    string
	Metadata     map[string]string
	Cursor       *Cursor
	At           time.Time
}

// TransferResult captures both entries written by a transfer.
type TransferResult struct {
	Debit       Entry
	Credit      Entry
	FromBalance int64
	ToBalance   int64
}

// PostInput describes a single-sided posting such as a top-up or withdrawal.
type PostInput struct {
	WalletID  string
	Direction Direction
	Amount    int64
	Reason    Reason
	Metadata  map[string]string
	At        time.Time
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize(defaultLimit, maxLimit int) Page {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Ledger defines the contract implemented by ledger backends (memory, Postgres).
// Transfer and Post mutate wallet balances and append entries as one atomic unit.
type Ledger interface {
	Transfer(ctx context.Context, in TransferInput) (TransferResult, error)
	Post(ctx context.Context, in PostInput) (Entry, error)
	// Entries returns a wallet's entries newest first and the total count.
	Entries(ctx context.Context, walletID string, page Page) ([]Entry, int, error)
	// SessionEntries returns all entries tagged with a session, oldest first.
	SessionEntries(ctx context.Context, sessionID string) ([]Entry, error)
	// History returns a wallet's entries in [from, to], oldest first. Zero
	// bounds are open.
	History(ctx context.Context, walletID string, from, to time.Time) ([]Entry, error)
}

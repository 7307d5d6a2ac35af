package wallet

import "time"

// OwnerType tells whether a wallet pays for services or receives payment for them.
type OwnerType string

const (
	OwnerUser  OwnerType = "USER"
	OwnerStore OwnerType = "STORE"
)

// Status gates whether a wallet may take part in new sessions.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

// Wallet represents a stored value account. Balance and LockedBalance are
// integer minor units; only the ledger backends mutate them.
type Wallet struct {
	ID               string
	OwnerType        OwnerType
	OwnerID          string
	Balance          int64
	LockedBalance    int64
	Currency         string
	Status           Status
	ActiveSessionID  string
	RailAddress      string
	SealedCredential []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Available is the spendable part of the balance.
func (w Wallet) Available() int64 {
	return w.Balance - w.LockedBalance
}

// IsActive reports whether the wallet is not suspended.
func (w Wallet) IsActive() bool {
	return w.Status == StatusActive
}

// HasActiveSession reports whether the wallet's session pointer is claimed.
func (w Wallet) HasActiveSession() bool {
	return w.ActiveSessionID != ""
}

// CanSendOnRail reports whether the wallet can sign flows on the payment rail.
func (w Wallet) CanSendOnRail() bool {
	return w.RailAddress != "" && len(w.SealedCredential) > 0
}

// Balance encapsulates the funds view of a wallet.
type Balance struct {
	WalletID  string
	Balance   int64
	Locked    int64
	Available int64
	Currency  string
	AsOf      time.Time
}

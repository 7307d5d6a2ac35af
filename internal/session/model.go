package session

import (
	"time"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

// Status is the lifecycle state of a stream session.
type Status string

// A PENDING session holds the payer's claim while its rail flow is being
// opened. It cannot be billed, paused or ended.
const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusPaused  Status = "PAUSED"
	StatusEnded   Status = "ENDED"
)

// EndReason records why a session reached ENDED. It is audit metadata.
type EndReason string

const (
	EndRequested           EndReason = "REQUESTED"
	EndInsufficientBalance EndReason = "INSUFFICIENT_BALANCE"
	EndRailStopped         EndReason = "RAIL_STOPPED"
)

// Session is a metered billing relationship between a payer and a payee
// wallet. RatePerSecond and Reason are snapshotted at start.
type Session struct {
	ID            string
	PayerWalletID string
	PayeeWalletID string
	ServiceID     string
	StoreID       string
	RatePerSecond int64
	Reason        ledger.Reason
	Status        Status
	StartedAt     time.Time
	LastBilledAt  time.Time
	EndedAt       *time.Time
	TotalAmount   int64
	TotalSeconds  int64
	FlowRef       string
	EndReason     EndReason
	RailDivergent bool
	Version       int64
	UpdatedAt     time.Time
}

// IsEnded reports whether the session is terminal.
func (s Session) IsEnded() bool {
	return s.Status == StatusEnded
}

// RailBacked reports whether the session mirrors a flow on the rail.
func (s Session) RailBacked() bool {
	return s.FlowRef != ""
}

// Unbilled returns the whole seconds since the billing cursor and what they
// cost. now before the cursor yields zero.
func (s Session) Unbilled(now time.Time) (seconds, amount int64) {
	elapsed := now.Sub(s.LastBilledAt)
	if elapsed <= 0 {
		return 0, 0
	}
	seconds = int64(elapsed / time.Second)
	return seconds, seconds * s.RatePerSecond
}

package session

import (
	"context"
	"time"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

// EndInput describes the terminal transition. When Final is set the
// settlement is committed in the same unit as the status change, and the
// payer's active-session pointer is released only if it still names the
// session.
type EndInput struct {
	SessionID       string
	ExpectedVersion int64
	At              time.Time
	Reason          EndReason
	Final           *ledger.TransferInput
}

// Repository persists stream sessions. Version-guarded writes return
// ledger.ErrStaleCursor when the session moved since it was read.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// ActivateSession moves a PENDING session to ACTIVE, records the flow
	// reference and starts the billing clock at at. It returns
	// ErrInvalidTransition when the session is no longer PENDING.
	ActivateSession(ctx context.Context, id, flowRef string, at time.Time) (Session, error)
	// DeletePendingSession removes a session that never left PENDING. Any
	// other status yields ErrInvalidTransition and nothing is removed.
	DeletePendingSession(ctx context.Context, id string) error
	SetSessionRailDivergent(ctx context.Context, id string, divergent bool) error

	PauseSession(ctx context.Context, id string, expectedVersion int64, at time.Time) (Session, error)
	// ResumeSession moves PAUSED to ACTIVE and resets the billing cursor to at.
	ResumeSession(ctx context.Context, id string, expectedVersion int64, at time.Time) (Session, error)
	// EndSession refuses PENDING sessions with ErrInvalidTransition.
	EndSession(ctx context.Context, in EndInput) (Session, *ledger.TransferResult, error)

	// ListSessionsByPayer returns sessions newest first with the total count.
	ListSessionsByPayer(ctx context.Context, walletID string, page ledger.Page) ([]Session, int, error)
	// ListSessionsByStatus returns sessions least recently billed first.
	ListSessionsByStatus(ctx context.Context, status Status, limit int) ([]Session, error)
	ListDivergentSessions(ctx context.Context, limit int) ([]Session, error)
}

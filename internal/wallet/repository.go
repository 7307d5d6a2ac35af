package wallet

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no wallet matches the lookup.
	ErrNotFound = errors.New("wallet not found")

	// ErrInvalid wraps provisioning input that fails validation.
	ErrInvalid = errors.New("invalid wallet input")

	// ErrExists is returned when creating a wallet whose id or rail address is taken.
	ErrExists = errors.New("wallet exists")

	// ErrClaimConflict is returned when the active-session pointer is already set.
	ErrClaimConflict = errors.New("wallet already has an active session")

	// ErrStaleRelease is returned when the pointer names a different session
	// than the one being released. The pointer is left untouched.
	ErrStaleRelease = errors.New("active session pointer names another session")
)

// Repository persists wallet metadata and the active-session pointer.
// Balances are read here but only mutated through the ledger.
type Repository interface {
	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, id string) (Wallet, error)
	GetWalletByRailAddress(ctx context.Context, address string) (Wallet, error)
	SetWalletStatus(ctx context.Context, id string, status Status) error

	// ClaimActiveSession sets the pointer to sessionID only if it is empty,
	// as a single conditional write.
	ClaimActiveSession(ctx context.Context, walletID, sessionID string) error
	// ReleaseActiveSession clears the pointer only if it equals sessionID.
	ReleaseActiveSession(ctx context.Context, walletID, sessionID string) error
}

package session

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrWalletSuspended     = errors.New("wallet suspended")
	ErrSessionConflict     = errors.New("wallet already has an active session")
	ErrServiceInactive     = errors.New("service inactive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyEnded        = errors.New("session already ended")
	ErrNotActive           = errors.New("session not active")
	ErrInvalidTransition   = errors.New("invalid session transition")
	ErrRail                = errors.New("payment rail error")
	ErrNotRailBacked       = errors.New("session has no rail flow")
)

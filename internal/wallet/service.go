package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

const (
	defaultCurrency = "INR"
	defaultPageSize = 50
	maxPageSize     = 200
)

var supportedCurrencies = map[string]bool{"INR": true, "USD": true, "EUR": true}

// Service exposes wallet operations backed by the repository and the ledger.
type Service struct {
	repo   Repository
	ledger ledger.Ledger
	sealer *Sealer
}

// NewService builds a wallet service instance. sealer may be nil, in which
// case wallets cannot carry rail credentials.
func NewService(repo Repository, ledger ledger.Ledger, sealer *Sealer) *Service {
	return &Service{repo: repo, ledger: ledger, sealer: sealer}
}

// CreateInput captures data required to provision a wallet.
type CreateInput struct {
	OwnerType      OwnerType
	OwnerID        string
	Currency       string
	RailAddress    string
	RailPrivateKey string
}

// Create provisions a wallet with a zero balance. When a rail private key is
// given it is sealed, and the rail address is derived from it if absent.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	if input.OwnerType != OwnerUser && input.OwnerType != OwnerStore {
		return Wallet{}, fmt.Errorf("%w: owner type must be %s or %s", ErrInvalid, OwnerUser, OwnerStore)
	}
	if _, err := uuid.Parse(input.OwnerID); err != nil {
		return Wallet{}, fmt.Errorf("%w: owner id: %w", ErrInvalid, err)
	}

	currency := strings.ToUpper(input.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	if !supportedCurrencies[currency] {
		return Wallet{}, fmt.Errorf("%w: unsupported currency %q", ErrInvalid, input.Currency)
	}

	now := time.Now().UTC()
	w := Wallet{
		ID:        uuid.NewString(),
		OwnerType: input.OwnerType,
		OwnerID:   input.OwnerID,
		Currency:  currency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if input.RailAddress != "" {
		if !common.IsHexAddress(input.RailAddress) {
			return Wallet{}, fmt.Errorf("%w: rail address %q", ErrInvalid, input.RailAddress)
		}
		w.RailAddress = common.HexToAddress(input.RailAddress).Hex()
	}

	if input.RailPrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(input.RailPrivateKey, "0x"))
		if err != nil {
			return Wallet{}, fmt.Errorf("%w: rail private key: %w", ErrInvalid, err)
		}
		derived := crypto.PubkeyToAddress(key.PublicKey).Hex()
		if w.RailAddress == "" {
			w.RailAddress = derived
		} else if w.RailAddress != derived {
			return Wallet{}, fmt.Errorf("%w: rail address does not match private key", ErrInvalid)
		}
		sealed, err := s.sealer.Seal(w.ID, []byte(strings.TrimPrefix(input.RailPrivateKey, "0x")))
		if err != nil {
			return Wallet{}, err
		}
		w.SealedCredential = sealed
	}

	if err := s.repo.CreateWallet(ctx, w); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.GetWallet(ctx, id)
}

// GetByRailAddress resolves a wallet from its rail address.
func (s *Service) GetByRailAddress(ctx context.Context, address string) (Wallet, error) {
	if !common.IsHexAddress(address) {
		return Wallet{}, ErrNotFound
	}
	return s.repo.GetWalletByRailAddress(ctx, common.HexToAddress(address).Hex())
}

// Balance returns the funds view for the wallet.
func (s *Service) Balance(ctx context.Context, id string) (Balance, error) {
	w, err := s.repo.GetWallet(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		WalletID:  w.ID,
		Balance:   w.Balance,
		Locked:    w.LockedBalance,
		Available: w.Available(),
		Currency:  w.Currency,
		AsOf:      time.Now().UTC(),
	}, nil
}

// Transactions pages through the wallet's ledger entries, newest first.
func (s *Service) Transactions(ctx context.Context, id string, page ledger.Page) ([]ledger.Entry, int, error) {
	if _, err := s.repo.GetWallet(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.ledger.Entries(ctx, id, page.Normalize(defaultPageSize, maxPageSize))
}

// History returns balance-affecting entries in a time range, oldest first.
func (s *Service) History(ctx context.Context, id string, from, to time.Time) ([]ledger.Entry, error) {
	if _, err := s.repo.GetWallet(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, id, from, to)
}

// Suspend blocks the wallet from new sessions and funding.
func (s *Service) Suspend(ctx context.Context, id string) (Wallet, error) {
	return s.setStatus(ctx, id, StatusSuspended)
}

// Activate lifts a suspension.
func (s *Service) Activate(ctx context.Context, id string) (Wallet, error) {
	return s.setStatus(ctx, id, StatusActive)
}

func (s *Service) setStatus(ctx context.Context, id string, status Status) (Wallet, error) {
	if err := s.repo.SetWalletStatus(ctx, id, status); err != nil {
		return Wallet{}, err
	}
	return s.repo.GetWallet(ctx, id)
}

// ClaimActiveSession forwards to the repository's conditional write.
func (s *Service) ClaimActiveSession(ctx context.Context, walletID, sessionID string) error {
	return s.repo.ClaimActiveSession(ctx, walletID, sessionID)
}

// ReleaseActiveSession forwards to the repository's conditional clear.
func (s *Service) ReleaseActiveSession(ctx context.Context, walletID, sessionID string) error {
	return s.repo.ReleaseActiveSession(ctx, walletID, sessionID)
}

// SigningKey opens the wallet's sealed rail credential.
func (s *Service) SigningKey(w Wallet) (string, error) {
	if len(w.SealedCredential) == 0 {
		return "", errors.New("wallet has no rail credential")
	}
	plain, err := s.sealer.Open(w.ID, w.SealedCredential)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/settlement"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

const StatusCompleted = "completed"

var (
	// ErrValidation wraps malformed funding input.
	ErrValidation = errors.New("invalid funding request")
	// ErrWalletSuspended rejects funding a suspended wallet.
	ErrWalletSuspended = errors.New("wallet suspended")
	// ErrDeclined means the acquirer refused the authorisation.
	ErrDeclined = errors.New("authorisation declined")
)

// Wallets is the wallet lookup funding needs.
type Wallets interface {
	Get(ctx context.Context, id string) (wallet.Wallet, error)
}

// Service moves money between the funding source and wallets as
// single-sided ledger posts.
type Service struct {
	engine   *settlement.Engine
	wallets  Wallets
	acquirer Acquirer
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService prepares a funding service.
func NewService(engine *settlement.Engine, wallets Wallets, acquirer Acquirer, logger *slog.Logger) (*Service, error) {
	if engine == nil || wallets == nil {
		return nil, fmt.Errorf("settlement engine and wallet service are required")
	}
	if acquirer == nil {
		acquirer = StaticAcquirer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, wallets: wallets, acquirer: acquirer, logger: logger, clock: time.Now}, nil
}

// WithClock replaces the time source stamped on posted entries.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Service) posting(walletID string, amount int64, reason ledger.Reason, meta map[string]string) settlement.Posting {
	return settlement.Posting{
		WalletID: walletID,
		Amount:   amount,
		Reason:   reason,
		Metadata: meta,
		At:       s.clock().UTC(),
	}
}

// TopUpInput captures the data required for a card top-up.
type TopUpInput struct {
	WalletID   string
	Amount     int64
	ClientTxID string
	CardNumber string
	Expiry     string
	CVV        string
}

// WithdrawInput captures the data required for a card withdrawal.
type WithdrawInput struct {
	WalletID   string
	Amount     int64
	ClientTxID string
	CardNumber string
}

// Result is the outcome of a funding operation.
type Result struct {
	EntryID           string
	Status            string
	WalletBalance     int64
	AcquirerReference string
	CompletedAt       time.Time
}

// TopUp authorises the card and credits the wallet with WALLET_TOPUP.
func (s *Service) TopUp(ctx context.Context, input TopUpInput) (Result, error) {
	if err := validateCardNumber(input.CardNumber); err != nil {
		return Result{}, err
	}
	w, err := s.fundable(ctx, input.WalletID, input.Amount)
	if err != nil {
		return Result{}, err
	}
	if input.ClientTxID == "" {
		input.ClientTxID = uuid.NewString()
	}

	decision, err := s.acquirer.AuthorizeTopUp(ctx, TopUpAuthorization{
		CardNumber: input.CardNumber,
		Expiry:     input.Expiry,
		CVV:        input.CVV,
		Amount:     input.Amount,
		Currency:   w.Currency,
	})
	if err != nil {
		return Result{}, err
	}
	if !decision.Approved {
		return Result{AcquirerReference: decision.Reference}, declined(decision)
	}

	entry, err := s.engine.Credit(ctx, s.posting(w.ID, input.Amount, ledger.ReasonTopUp, metadata(input.ClientTxID, input.CardNumber, decision)))
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("wallet topped up", "wallet_id", w.ID, "amount", input.Amount, "entry_id", entry.ID)
	return toResult(entry, decision), nil
}

// Withdraw authorises the payout and debits the wallet with
// WALLET_WITHDRAWAL. The wallet must have the amount available.
func (s *Service) Withdraw(ctx context.Context, input WithdrawInput) (Result, error) {
	if err := validateCardNumber(input.CardNumber); err != nil {
		return Result{}, err
	}
	w, err := s.fundable(ctx, input.WalletID, input.Amount)
	if err != nil {
		return Result{}, err
	}
	if w.Available() < input.Amount {
		return Result{WalletBalance: w.Balance}, ledger.ErrInsufficientFunds
	}
	if input.ClientTxID == "" {
		input.ClientTxID = uuid.NewString()
	}

	decision, err := s.acquirer.AuthorizePayout(ctx, PayoutAuthorization{
		CardNumber: input.CardNumber,
		Amount:     input.Amount,
		Currency:   w.Currency,
	})
	if err != nil {
		return Result{}, err
	}
	if !decision.Approved {
		return Result{AcquirerReference: decision.Reference}, declined(decision)
	}

	entry, err := s.engine.Debit(ctx, s.posting(w.ID, input.Amount, ledger.ReasonWithdrawal, metadata(input.ClientTxID, input.CardNumber, decision)))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return Result{WalletBalance: w.Balance, AcquirerReference: decision.Reference}, err
		}
		return Result{}, err
	}
	s.logger.Info("wallet withdrawal", "wallet_id", w.ID, "amount", input.Amount, "entry_id", entry.ID)
	return toResult(entry, decision), nil
}

func (s *Service) fundable(ctx context.Context, walletID string, amount int64) (wallet.Wallet, error) {
	if amount <= 0 {
		return wallet.Wallet{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	if !w.IsActive() {
		return wallet.Wallet{}, ErrWalletSuspended
	}
	return w, nil
}

func declined(d AuthorizationDecision) error {
	if d.Reason == "" {
		return ErrDeclined
	}
	return fmt.Errorf("%w: %s", ErrDeclined, d.Reason)
}

// metadata never carries more of the card than its last four digits.
func metadata(clientTxID, card string, d AuthorizationDecision) map[string]string {
	return map[string]string{
		"client_tx_id":       clientTxID,
		"acquirer_reference": d.Reference,
		"card_last4":         lastFour(card),
	}
}

func toResult(entry ledger.Entry, decision AuthorizationDecision) Result {
	return Result{
		EntryID:           entry.ID,
		Status:            StatusCompleted,
		WalletBalance:     entry.BalanceAfter,
		AcquirerReference: decision.Reference,
		CompletedAt:       entry.CreatedAt,
	}
}

func validateCardNumber(card string) error {
	digits := strings.ReplaceAll(card, " ", "")
	if len(digits) < 12 || len(digits) > 19 {
		return fmt.Errorf("%w: card number must be between 12 and 19 digits", ErrValidation)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: card number must be numeric", ErrValidation)
		}
	}
	return nil
}

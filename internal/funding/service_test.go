package funding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/logging"
	"github.com/pulsepay/pulsepay/internal/settlement"
	"github.com/pulsepay/pulsepay/internal/store/memory"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

type decliningAcquirer struct{}

func (decliningAcquirer) AuthorizeTopUp(_ context.Context, _ TopUpAuthorization) (AuthorizationDecision, error) {
	return AuthorizationDecision{Reference: "ref-declined"}, nil
}

func (decliningAcquirer) AuthorizePayout(_ context.Context, _ PayoutAuthorization) (AuthorizationDecision, error) {
	return AuthorizationDecision{Reference: "ref-declined"}, nil
}

func newTestService(t *testing.T, acquirer Acquirer) (*Service, *wallet.Service, wallet.Wallet) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	wallets := wallet.NewService(store, store, nil)
	w, err := wallets.Create(ctx, wallet.CreateInput{OwnerType: wallet.OwnerUser, OwnerID: uuid.NewString()})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	svc, err := NewService(settlement.NewEngine(store), wallets, acquirer, logging.Discard())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, wallets, w
}

func TestServiceTopUpAndWithdraw(t *testing.T) {
	ctx := context.Background()
	svc, wallets, w := newTestService(t, StaticAcquirer{})

	res, err := svc.TopUp(ctx, TopUpInput{
		WalletID:   w.ID,
		Amount:     10_000,
		CardNumber: "4111 1111 1111 1111",
		Expiry:     "12/29",
		CVV:        "123",
		ClientTxID: "tx-1",
	})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if res.Status != StatusCompleted || res.WalletBalance != 10_000 || res.AcquirerReference == "" {
		t.Fatalf("unexpected top up result %+v", res)
	}

	res, err = svc.Withdraw(ctx, WithdrawInput{WalletID: w.ID, Amount: 4_000, CardNumber: "4111111111111111"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.WalletBalance != 6_000 {
		t.Fatalf("expected balance 6000, got %d", res.WalletBalance)
	}

	entries, total, err := wallets.Transactions(ctx, w.ID, ledger.Page{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 2 || entries[0].Reason != ledger.ReasonWithdrawal || entries[1].Reason != ledger.ReasonTopUp {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[1].Metadata["client_tx_id"] != "tx-1" {
		t.Fatalf("client tx id not recorded")
	}
}

func TestServiceWithdrawInsufficient(t *testing.T) {
	ctx := context.Background()
	svc, _, w := newTestService(t, StaticAcquirer{})

	_, err := svc.Withdraw(ctx, WithdrawInput{WalletID: w.ID, Amount: 1, CardNumber: "4111111111111111"})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestServiceValidation(t *testing.T) {
	ctx := context.Background()
	svc, wallets, w := newTestService(t, StaticAcquirer{})

	if _, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 100, CardNumber: "41x1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected card validation error, got %v", err)
	}
	if _, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 0, CardNumber: "4111111111111111"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected amount validation error, got %v", err)
	}
	if _, err := svc.TopUp(ctx, TopUpInput{WalletID: uuid.NewString(), Amount: 100, CardNumber: "4111111111111111"}); !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := wallets.Suspend(ctx, w.ID); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 100, CardNumber: "4111111111111111"}); !errors.Is(err, ErrWalletSuspended) {
		t.Fatalf("expected suspended, got %v", err)
	}
}

func TestServiceDeclined(t *testing.T) {
	ctx := context.Background()
	svc, wallets, w := newTestService(t, decliningAcquirer{})

	res, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 100, CardNumber: "4111111111111111"})
	if !errors.Is(err, ErrDeclined) || res.AcquirerReference != "ref-declined" {
		t.Fatalf("expected decline with reference, got %+v %v", res, err)
	}
	balance, _ := wallets.Balance(ctx, w.ID)
	if balance.Balance != 0 {
		t.Fatalf("declined top up must not move funds")
	}
}

func TestStaticAcquirerLimits(t *testing.T) {
	ctx := context.Background()
	svc, wallets, w := newTestService(t, StaticAcquirer{MaxAmount: 500, Blocked: []string{"0002"}})

	if _, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 501, CardNumber: "4111111111111111"}); !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected decline over limit, got %v", err)
	}
	if _, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 100, CardNumber: "4000 0000 0000 0002"}); !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected blocked card decline, got %v", err)
	}
	if _, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 500, CardNumber: "4111111111111111"}); err != nil {
		t.Fatalf("top up at limit: %v", err)
	}

	entries, _, err := wallets.Transactions(ctx, w.ID, ledger.Page{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata["card_last4"] != "1111" {
		t.Fatalf("expected one entry with masked card, got %+v", entries)
	}
	for k, v := range entries[0].Metadata {
		if v == "4111111111111111" {
			t.Fatalf("full card number stored under %q", k)
		}
	}
}

func TestFundingUsesServiceClock(t *testing.T) {
	ctx := context.Background()
	svc, _, w := newTestService(t, StaticAcquirer{})
	at := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return at })

	res, err := svc.TopUp(ctx, TopUpInput{WalletID: w.ID, Amount: 500, CardNumber: "4111111111111111", Expiry: "12/29", CVV: "123"})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if !res.CompletedAt.Equal(at) {
		t.Fatalf("top up should be stamped with the service clock, got %v", res.CompletedAt)
	}
	res, err = svc.Withdraw(ctx, WithdrawInput{WalletID: w.ID, Amount: 200, CardNumber: "4111111111111111"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.CompletedAt.Equal(at) {
		t.Fatalf("withdrawal should be stamped with the service clock, got %v", res.CompletedAt)
	}
}

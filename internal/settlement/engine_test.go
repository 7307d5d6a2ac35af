package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/settlement"
	"github.com/pulsepay/pulsepay/internal/store/memory"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

func seedWallet(t *testing.T, store *memory.Store, balance int64) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	if err := store.CreateWallet(ctx, wallet.Wallet{ID: id, OwnerType: wallet.OwnerUser, OwnerID: uuid.NewString(), Currency: "INR", Status: wallet.StatusActive}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if balance > 0 {
		if _, err := store.Post(ctx, ledger.PostInput{WalletID: id, Direction: ledger.Credit, Amount: balance, Reason: ledger.ReasonTopUp}); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return id
}

func seedSession(t *testing.T, store *memory.Store, payer, payee string, started time.Time) session.Session {
	t.Helper()
	s := session.Session{
		ID:            uuid.NewString(),
		PayerWalletID: payer,
		PayeeWalletID: payee,
		RatePerSecond: 2,
		Reason:        ledger.ReasonGymStream,
		Status:        session.StatusActive,
		StartedAt:     started,
		LastBilledAt:  started,
	}
	if err := store.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestSettleMovesMoneyAndAdvancesCursor(t *testing.T) {
	store := memory.New()
	engine := settlement.NewEngine(store)
	payer := seedWallet(t, store, 100)
	payee := seedWallet(t, store, 0)
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := seedSession(t, store, payer, payee, started)

	res, err := engine.Settle(context.Background(), settlement.Charge{
		SessionID: s.ID, PayerWalletID: payer, PayeeWalletID: payee,
		Seconds: 5, RatePerSecond: 2, Reason: ledger.ReasonGymStream,
		ExpectedVersion: s.Version, BilledFrom: s.LastBilledAt,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.FromBalance != 90 || res.ToBalance != 10 {
		t.Fatalf("unexpected balances %d/%d", res.FromBalance, res.ToBalance)
	}
	if res.Debit.BalanceAfter != 90 || res.Credit.BalanceAfter != 10 {
		t.Fatalf("entries must snapshot post balances")
	}

	updated, _ := store.GetSession(context.Background(), s.ID)
	if updated.TotalAmount != 10 || updated.TotalSeconds != 5 {
		t.Fatalf("unexpected totals %d/%d", updated.TotalAmount, updated.TotalSeconds)
	}
	if !updated.LastBilledAt.Equal(started.Add(5 * time.Second)) {
		t.Fatalf("cursor should advance by billed seconds, got %s", updated.LastBilledAt)
	}
}

func TestSettleRejectsStaleCursor(t *testing.T) {
	store := memory.New()
	engine := settlement.NewEngine(store)
	payer := seedWallet(t, store, 100)
	payee := seedWallet(t, store, 0)
	s := seedSession(t, store, payer, payee, time.Now().UTC())

	charge := settlement.Charge{
		SessionID: s.ID, PayerWalletID: payer, PayeeWalletID: payee,
		Seconds: 1, RatePerSecond: 2, Reason: ledger.ReasonGymStream,
		ExpectedVersion: s.Version, BilledFrom: s.LastBilledAt,
	}
	if _, err := engine.Settle(context.Background(), charge); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := engine.Settle(context.Background(), charge); !errors.Is(err, ledger.ErrStaleCursor) {
		t.Fatalf("expected stale cursor, got %v", err)
	}
	w, _ := store.GetWallet(context.Background(), payer)
	if w.Balance != 98 {
		t.Fatalf("second settlement must not move money, balance %d", w.Balance)
	}
}

func TestSettleInsufficientFundsLeavesStateUntouched(t *testing.T) {
	store := memory.New()
	engine := settlement.NewEngine(store)
	payer := seedWallet(t, store, 3)
	payee := seedWallet(t, store, 0)
	s := seedSession(t, store, payer, payee, time.Now().UTC())

	_, err := engine.Settle(context.Background(), settlement.Charge{
		SessionID: s.ID, PayerWalletID: payer, PayeeWalletID: payee,
		Seconds: 5, RatePerSecond: 2, Reason: ledger.ReasonGymStream,
		ExpectedVersion: s.Version, BilledFrom: s.LastBilledAt,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	entries, _ := store.SessionEntries(context.Background(), s.ID)
	if len(entries) != 0 {
		t.Fatalf("expected no session entries, got %d", len(entries))
	}
	updated, _ := store.GetSession(context.Background(), s.ID)
	if updated.Version != s.Version || updated.TotalAmount != 0 {
		t.Fatalf("session must be untouched")
	}
}

func TestBuildValidates(t *testing.T) {
	engine := settlement.NewEngine(memory.New())
	base := settlement.Charge{PayerWalletID: "a", PayeeWalletID: "b", Seconds: 1, RatePerSecond: 1, Reason: ledger.ReasonEVStream}

	zero := base
	zero.Seconds = 0
	if _, err := engine.Build(zero); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	same := base
	same.PayeeWalletID = "a"
	if _, err := engine.Build(same); !errors.Is(err, ledger.ErrSameWallet) {
		t.Fatalf("expected same wallet, got %v", err)
	}
	bad := base
	bad.Reason = "TIP"
	if _, err := engine.Build(bad); err == nil {
		t.Fatalf("expected unknown reason to fail")
	}
}

func TestDebitChecksAvailable(t *testing.T) {
	store := memory.New()
	engine := settlement.NewEngine(store)
	id := seedWallet(t, store, 10)

	if _, err := engine.Debit(context.Background(), settlement.Posting{WalletID: id, Amount: 11, Reason: ledger.ReasonWithdrawal}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	at := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	entry, err := engine.Debit(context.Background(), settlement.Posting{WalletID: id, Amount: 4, Reason: ledger.ReasonWithdrawal, At: at})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if entry.BalanceAfter != 6 {
		t.Fatalf("expected balance 6, got %d", entry.BalanceAfter)
	}
	if !entry.CreatedAt.Equal(at) {
		t.Fatalf("entry should carry the caller's time, got %v", entry.CreatedAt)
	}
}

func TestRefundReturnsMoneyWithoutMovingCursor(t *testing.T) {
	store := memory.New()
	engine := settlement.NewEngine(store)
	payer := seedWallet(t, store, 100)
	payee := seedWallet(t, store, 0)
	s := seedSession(t, store, payer, payee, time.Now().UTC())

	if _, err := engine.Settle(context.Background(), settlement.Charge{
		SessionID: s.ID, PayerWalletID: payer, PayeeWalletID: payee,
		Seconds: 10, RatePerSecond: 2, Reason: ledger.ReasonGymStream,
		ExpectedVersion: s.Version, BilledFrom: s.LastBilledAt,
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	res, err := engine.Refund(context.Background(), settlement.Reversal{
		SessionID: s.ID, PayeeWalletID: payee, PayerWalletID: payer,
		Amount: 5, Metadata: map[string]string{"note": "partial"}, At: at,
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.FromBalance != 15 || res.ToBalance != 85 || res.Credit.Reason != ledger.ReasonRefund {
		t.Fatalf("unexpected refund %+v", res)
	}
	if !res.Credit.CreatedAt.Equal(at) || !res.Debit.CreatedAt.Equal(at) {
		t.Fatalf("refund entries should carry the caller's time, got %v", res.Credit.CreatedAt)
	}
	updated, _ := store.GetSession(context.Background(), s.ID)
	if updated.TotalAmount != 20 || updated.Version != 1 {
		t.Fatalf("refund must not touch session totals, got %+v", updated)
	}
	if _, err := engine.Refund(context.Background(), settlement.Reversal{SessionID: s.ID, PayeeWalletID: payee, PayerWalletID: payer, Amount: 100}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

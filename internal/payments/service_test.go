package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/logging"
	"github.com/pulsepay/pulsepay/internal/notification"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/settlement"
	"github.com/pulsepay/pulsepay/internal/store/memory"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

type testNotifier struct {
	mu   sync.Mutex
	last notification.Message
}

func (n *testNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last = msg
	return nil
}

type storeSessions struct{ *memory.Store }

func (s storeSessions) Get(ctx context.Context, id string) (session.Session, error) {
	return s.GetSession(ctx, id)
}

type fixture struct {
	store    *memory.Store
	engine   *settlement.Engine
	wallets  *wallet.Service
	svc      *Service
	notifier *testNotifier
	sess     session.Session
}

// newFixture settles charged minor units from a payer holding 100.
func newFixture(t *testing.T, charged int64) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	engine := settlement.NewEngine(store)
	wallets := wallet.NewService(store, store, nil)

	payer, err := wallets.Create(ctx, wallet.CreateInput{OwnerType: wallet.OwnerUser, OwnerID: uuid.NewString()})
	if err != nil {
		t.Fatalf("create payer: %v", err)
	}
	payee, err := wallets.Create(ctx, wallet.CreateInput{OwnerType: wallet.OwnerStore, OwnerID: uuid.NewString()})
	if err != nil {
		t.Fatalf("create payee: %v", err)
	}
	if _, err := engine.Credit(ctx, settlement.Posting{WalletID: payer.ID, Amount: 100, Reason: ledger.ReasonTopUp}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	sess := session.Session{
		ID:            uuid.NewString(),
		PayerWalletID: payer.ID,
		PayeeWalletID: payee.ID,
		RatePerSecond: 1,
		Reason:        ledger.ReasonWifiStream,
		Status:        session.StatusActive,
		StartedAt:     started,
		LastBilledAt:  started,
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if charged > 0 {
		if _, err := engine.Settle(ctx, settlement.Charge{
			SessionID: sess.ID, PayerWalletID: payer.ID, PayeeWalletID: payee.ID,
			Seconds: charged, RatePerSecond: 1, Reason: sess.Reason,
			ExpectedVersion: sess.Version, BilledFrom: sess.LastBilledAt,
		}); err != nil {
			t.Fatalf("settle: %v", err)
		}
	}

	notifier := &testNotifier{}
	svc := NewService(engine, storeSessions{store}, wallets, notifier, logging.Discard())
	return fixture{store: store, engine: engine, wallets: wallets, svc: svc, notifier: notifier, sess: sess}
}

func TestRefundPartialThenRemainder(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	res, err := f.svc.Refund(ctx, RefundInput{SessionID: f.sess.ID, Amount: 10, Note: "dropped connection"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Amount != 10 || res.Refunded != 10 || res.PayerBalance != 80 || res.PayeeBalance != 20 {
		t.Fatalf("unexpected refund %+v", res)
	}
	if f.notifier.last.Kind != notification.KindRefundIssued || f.notifier.last.SessionID != f.sess.ID {
		t.Fatalf("expected refund notification, got %+v", f.notifier.last)
	}

	rest, err := f.svc.Refund(ctx, RefundInput{SessionID: f.sess.ID})
	if err != nil {
		t.Fatalf("refund remainder: %v", err)
	}
	if rest.Amount != 20 || rest.Refunded != 30 || rest.PayerBalance != 100 {
		t.Fatalf("unexpected remainder refund %+v", rest)
	}

	if _, err := f.svc.Refund(ctx, RefundInput{SessionID: f.sess.ID, Amount: 1}); !errors.Is(err, ErrRefundExceedsCharged) {
		t.Fatalf("expected exceeds charged, got %v", err)
	}

	payerEntries, _, _ := f.store.Entries(ctx, f.sess.PayerWalletID, ledger.Page{})
	if balance, err := ledger.Replay(payerEntries); err != nil || balance != 100 {
		t.Fatalf("payer replay %d: %v", balance, err)
	}
	got, _ := f.store.GetSession(ctx, f.sess.ID)
	if got.TotalAmount != 30 {
		t.Fatalf("session total must stay at charged amount, got %d", got.TotalAmount)
	}
}

func TestRefundConcurrentNeverExceedsCharged(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Refund(ctx, RefundInput{SessionID: f.sess.ID, Amount: 3})
		}()
	}
	wg.Wait()

	entries, _ := f.store.SessionEntries(ctx, f.sess.ID)
	if refunded := refundedTotal(entries, f.sess.PayerWalletID); refunded != 9 {
		t.Fatalf("expected three refunds of 3, got %d", refunded)
	}
}

func TestRefundUnchargedSessionFails(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.svc.Refund(context.Background(), RefundInput{SessionID: f.sess.ID}); !errors.Is(err, ErrRefundExceedsCharged) {
		t.Fatalf("expected exceeds charged, got %v", err)
	}
	if _, err := f.svc.Refund(context.Background(), RefundInput{SessionID: uuid.NewString(), Amount: 1}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Refund(context.Background(), RefundInput{SessionID: f.sess.ID, Amount: -1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAdjust(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	entry, err := f.svc.Adjust(ctx, AdjustInput{WalletID: f.sess.PayerWalletID, Direction: ledger.Credit, Amount: 5, Note: "goodwill"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if entry.Reason != ledger.ReasonAdjustment || entry.BalanceAfter != 105 || entry.Metadata["note"] != "goodwill" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, err := f.svc.Adjust(ctx, AdjustInput{WalletID: f.sess.PayerWalletID, Direction: ledger.Debit, Amount: 500, Note: "x"}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := f.svc.Adjust(ctx, AdjustInput{WalletID: f.sess.PayerWalletID, Direction: "SIDEWAYS", Amount: 1, Note: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.Adjust(ctx, AdjustInput{WalletID: f.sess.PayerWalletID, Direction: ledger.Credit, Amount: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected note required, got %v", err)
	}
	if _, err := f.svc.Adjust(ctx, AdjustInput{WalletID: uuid.NewString(), Direction: ledger.Credit, Amount: 1, Note: "x"}); !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
}

func TestRefundAndAdjustUseServiceClock(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 15, 0, 0, time.UTC)
	f.svc.WithClock(func() time.Time { return at })

	res, err := f.svc.Refund(ctx, RefundInput{SessionID: f.sess.ID, Amount: 4})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !res.CompletedAt.Equal(at) || !f.notifier.last.OccurredAt.Equal(at) {
		t.Fatalf("refund should be stamped with the service clock, got %v", res.CompletedAt)
	}
	entry, err := f.svc.Adjust(ctx, AdjustInput{WalletID: f.sess.PayerWalletID, Direction: ledger.Credit, Amount: 1, Note: "rounding"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !entry.CreatedAt.Equal(at) {
		t.Fatalf("adjustment should be stamped with the service clock, got %v", entry.CreatedAt)
	}
}

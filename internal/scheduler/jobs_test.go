package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulsepay/pulsepay/internal/logging"
	"github.com/pulsepay/pulsepay/internal/session"
)

type sessionsStub struct {
	active     []session.Session
	divergent  []session.Session
	listErr    error
	billErr    map[string]error
	billAmount int64
	reconciled []string
	actions    map[string]string
	billed     []string
	limit      int
	pending    []session.Session
	abandonErr map[string]error
	abandoned  []string
}

func (s *sessionsStub) ListActive(_ context.Context, limit int) ([]session.Session, error) {
	s.limit = limit
	return s.active, s.listErr
}

func (s *sessionsStub) ListDivergent(_ context.Context, limit int) ([]session.Session, error) {
	s.limit = limit
	return s.divergent, s.listErr
}

func (s *sessionsStub) Bill(_ context.Context, id string) (session.BillResult, error) {
	s.billed = append(s.billed, id)
	if err := s.billErr[id]; err != nil {
		return session.BillResult{SessionID: id}, err
	}
	return session.BillResult{SessionID: id, Amount: s.billAmount}, nil
}

func (s *sessionsStub) Reconcile(_ context.Context, id string) (session.ReconcileResult, error) {
	s.reconciled = append(s.reconciled, id)
	action, ok := s.actions[id]
	if !ok {
		return session.ReconcileResult{}, session.ErrRail
	}
	return session.ReconcileResult{Action: action}, nil
}

func (s *sessionsStub) ListStalePending(_ context.Context, limit int) ([]session.Session, error) {
	s.limit = limit
	return s.pending, s.listErr
}

func (s *sessionsStub) AbandonPending(_ context.Context, id string) error {
	s.abandoned = append(s.abandoned, id)
	return s.abandonErr[id]
}

func TestBillActiveCountsOutcomes(t *testing.T) {
	stub := &sessionsStub{
		active: []session.Session{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		billErr: map[string]error{
			"b": session.ErrInsufficientBalance,
			"c": session.ErrNotActive,
			"d": errors.New("boom"),
		},
		billAmount: 7,
	}
	jobs := NewJobs(stub, logging.Discard(), 50)

	sum := jobs.BillActive(context.Background())

	if sum.Scanned != 4 || sum.Settled != 1 || sum.Ended != 1 || sum.Failed != 1 || sum.Amount != 7 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if stub.limit != 50 {
		t.Fatalf("expected batch size 50, got %d", stub.limit)
	}
}

func TestBillActiveStopsOnCancelledContext(t *testing.T) {
	stub := &sessionsStub{active: []session.Session{{ID: "a"}, {ID: "b"}}}
	jobs := NewJobs(stub, logging.Discard(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := jobs.BillActive(ctx)

	if !sum.Cancelled || len(stub.billed) != 0 {
		t.Fatalf("expected cancelled run with no bills, got %+v billed=%v", sum, stub.billed)
	}
	if stub.limit != defaultBatchSize {
		t.Fatalf("expected default batch size, got %d", stub.limit)
	}
}

func TestBillActiveListFailure(t *testing.T) {
	stub := &sessionsStub{listErr: errors.New("db down")}
	sum := NewJobs(stub, logging.Discard(), 10).BillActive(context.Background())
	if sum.Scanned != 0 || len(stub.billed) != 0 {
		t.Fatalf("expected nothing billed, got %+v", sum)
	}
}

func TestReconcileRailBackedSkipsLedgerOnlySessions(t *testing.T) {
	stub := &sessionsStub{
		active: []session.Session{
			{ID: "ledger-only"},
			{ID: "flowing", FlowRef: "0xabc"},
			{ID: "stopped", FlowRef: "0xdef"},
		},
		actions: map[string]string{"flowing": session.ActionNone, "stopped": session.ActionEnded},
	}
	sum := NewJobs(stub, logging.Discard(), 10).ReconcileRailBacked(context.Background())

	if len(stub.reconciled) != 2 || stub.reconciled[0] != "flowing" {
		t.Fatalf("unexpected reconcile calls %v", stub.reconciled)
	}
	if sum.Scanned != 2 || sum.Ended != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestRetryDivergentCountsClosedAndFailed(t *testing.T) {
	stub := &sessionsStub{
		divergent: []session.Session{{ID: "x", FlowRef: "0x1"}, {ID: "y", FlowRef: "0x2"}, {ID: "z", FlowRef: "0x3"}},
		actions:   map[string]string{"x": session.ActionClosed, "y": session.ActionCleared},
	}
	sum := NewJobs(stub, logging.Discard(), 10).RetryDivergent(context.Background())

	if sum.Scanned != 3 || sum.Closed != 2 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestExpirePendingAbandonsStaleStarts(t *testing.T) {
	stub := &sessionsStub{
		pending: []session.Session{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}, {ID: "p4"}},
		abandonErr: map[string]error{
			"p2": session.ErrInvalidTransition,
			"p3": session.ErrNotFound,
			"p4": errors.New("rail down"),
		},
	}
	sum := NewJobs(stub, logging.Discard(), 25).ExpirePending(context.Background())

	if len(stub.abandoned) != 4 || stub.abandoned[0] != "p1" {
		t.Fatalf("unexpected abandon calls %v", stub.abandoned)
	}
	if sum.Scanned != 4 || sum.Abandoned != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if stub.limit != 25 {
		t.Fatalf("expected batch size 25, got %d", stub.limit)
	}
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	jobs := NewJobs(&sessionsStub{}, logging.Discard(), 10)
	s := NewScheduler(jobs, logging.Discard(), Schedules{Billing: "not a cron spec"}, time.Second)
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("expected invalid schedule to fail")
	}
}

func TestSchedulerRunsBillingJob(t *testing.T) {
	stub := &sessionsStub{}
	done := make(chan struct{})
	jobs := NewJobs(&notifyingStub{sessionsStub: stub, done: done}, logging.Discard(), 10)
	s := NewScheduler(jobs, logging.Discard(), Schedules{Billing: "@every 1s"}, time.Second)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-s.Stop().Done() }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("billing job did not run")
	}
}

type notifyingStub struct {
	*sessionsStub
	done chan struct{}
	once bool
}

func (n *notifyingStub) ListActive(ctx context.Context, limit int) ([]session.Session, error) {
	if !n.once {
		n.once = true
		close(n.done)
	}
	return n.sessionsStub.ListActive(ctx, limit)
}

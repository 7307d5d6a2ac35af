package funding

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Acquirer authorises money entering (top-up) or leaving (payout) the
// platform through a card funding source.
type Acquirer interface {
	AuthorizeTopUp(ctx context.Context, input TopUpAuthorization) (AuthorizationDecision, error)
	AuthorizePayout(ctx context.Context, input PayoutAuthorization) (AuthorizationDecision, error)
}

// AuthorizationDecision is the acquirer's answer. Reference is set for
// declines too so support can trace them.
type AuthorizationDecision struct {
	Reference string
	Approved  bool
	Reason    string
}

// TopUpAuthorization pulls Amount minor units from a card.
type TopUpAuthorization struct {
	CardNumber string
	Expiry     string
	CVV        string
	Amount     int64
	Currency   string
}

// PayoutAuthorization pushes Amount minor units to a card.
type PayoutAuthorization struct {
	CardNumber string
	Amount     int64
	Currency   string
}

// StaticAcquirer is the in-process funding source used in development and
// tests. A zero value approves everything. MaxAmount declines single
// operations above it, and cards listed in Blocked (by last four digits)
// are always declined.
type StaticAcquirer struct {
	MaxAmount int64
	Blocked   []string
}

func (a StaticAcquirer) decide(card string, amount int64) AuthorizationDecision {
	decision := AuthorizationDecision{Reference: "acq_" + uuid.NewString(), Approved: true}
	last4 := lastFour(card)
	for _, b := range a.Blocked {
		if b == last4 {
			decision.Approved, decision.Reason = false, "card blocked"
			return decision
		}
	}
	if a.MaxAmount > 0 && amount > a.MaxAmount {
		decision.Approved, decision.Reason = false, "amount over limit"
	}
	return decision
}

// AuthorizeTopUp applies the static rules to a top-up.
func (a StaticAcquirer) AuthorizeTopUp(_ context.Context, in TopUpAuthorization) (AuthorizationDecision, error) {
	return a.decide(in.CardNumber, in.Amount), nil
}

// AuthorizePayout applies the static rules to a payout.
func (a StaticAcquirer) AuthorizePayout(_ context.Context, in PayoutAuthorization) (AuthorizationDecision, error) {
	return a.decide(in.CardNumber, in.Amount), nil
}

func lastFour(card string) string {
	digits := strings.ReplaceAll(card, " ", "")
	if len(digits) <= 4 {
		return digits
	}
	return digits[len(digits)-4:]
}

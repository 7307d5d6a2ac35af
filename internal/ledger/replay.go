package ledger

import (
	"fmt"
	"sort"
)

// Replay folds entries in commit order starting from a zero balance and
// returns the resulting balance. It fails if any entry's BalanceAfter
// disagrees with the running total, or if the balance ever goes negative.
func Replay(entries []Entry) (int64, error) {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Seq != ordered[j].Seq {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	var balance int64
	for _, e := range ordered {
		balance += e.Signed()
		if balance < 0 {
			return 0, fmt.Errorf("entry %s drives balance negative", e.ID)
		}
		if e.BalanceAfter != balance {
			return 0, fmt.Errorf("entry %s balance_after %d, replay %d", e.ID, e.BalanceAfter, balance)
		}
	}
	return balance, nil
}

// Totals sums debit and credit amounts separately.
func Totals(entries []Entry) (debits, credits int64) {
	for _, e := range entries {
		switch e.Direction {
		case Debit:
			debits += e.Amount
		case Credit:
			credits += e.Amount
		}
	}
	return debits, credits
}

// SessionTotals sums the amounts a session moved out of payer and into payee.
func SessionTotals(entries []Entry, payerWalletID, payeeWalletID string) (debited, credited int64) {
	for _, e := range entries {
		switch {
		case e.Direction == Debit && e.WalletID == payerWalletID:
			debited += e.Amount
		case e.Direction == Credit && e.WalletID == payeeWalletID:
			credited += e.Amount
		}
	}
	return debited, credited
}

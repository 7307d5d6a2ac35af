package catalog

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

func TestRatePerSecond(t *testing.T) {
	cases := []struct {
		perMinute string
		want      int64
	}{
		{"120", 2},
		{"150", 2},
		{"60", 1},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := RatePerSecond(decimal.RequireFromString(tc.perMinute))
		if err != nil {
			t.Fatalf("rate %s: %v", tc.perMinute, err)
		}
		if got != tc.want {
			t.Fatalf("rate %s: expected %d, got %d", tc.perMinute, tc.want, got)
		}
	}
}

func TestRatePerSecondRejectsUnrepresentable(t *testing.T) {
	if _, err := RatePerSecond(decimal.RequireFromString("30")); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected invalid rate, got %v", err)
	}
	if _, err := RatePerSecond(decimal.RequireFromString("-60")); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected invalid rate, got %v", err)
	}
}

func TestCategoryReason(t *testing.T) {
	if CategoryEV.Reason() != ledger.ReasonEVStream {
		t.Fatalf("unexpected EV reason")
	}
	if Category("SPA").Reason() != ledger.ReasonGymStream {
		t.Fatalf("unknown category should fall back to gym stream")
	}
}

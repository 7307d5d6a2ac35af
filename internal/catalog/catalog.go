// Package catalog holds the rate cards sessions are billed against. Store
// and service records are provisioned elsewhere; this package only reads
// them and derives billing rates.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

var (
	// ErrServiceNotFound indicates no service matches the id.
	ErrServiceNotFound = errors.New("service not found")
	// ErrStoreNotFound indicates no store matches the id.
	ErrStoreNotFound = errors.New("store not found")
	// ErrInvalidRate rejects negative rates and positive per-minute rates
	// that round to zero per second.
	ErrInvalidRate = errors.New("invalid rate")
)

var secondsPerMinute = decimal.NewFromInt(60)

// Category is the kind of business a store runs.
type Category string

const (
	CategoryGym     Category = "GYM"
	CategoryEV      Category = "EV"
	CategoryWifi    Category = "WIFI"
	CategoryParking Category = "PARKING"
)

// Reason maps the category to the ledger reason its sessions post with.
// Unknown categories fall back to GYM_STREAM.
func (c Category) Reason() ledger.Reason {
	switch c {
	case CategoryEV:
		return ledger.ReasonEVStream
	case CategoryWifi:
		return ledger.ReasonWifiStream
	case CategoryParking:
		return ledger.ReasonParkingStream
	default:
		return ledger.ReasonGymStream
	}
}

// Store is the payee side of a session.
type Store struct {
	ID       string
	Name     string
	Category Category
	WalletID string
	Active   bool
}

// Service is a rate card owned by a store. RatePerSecond is derived from
// RatePerMinute and is what sessions snapshot.
type Service struct {
	ID            string
	StoreID       string
	Name          string
	RatePerMinute decimal.Decimal
	RatePerSecond int64
	MinBalance    int64
	Active        bool
	CreatedAt     time.Time
}

// RatePerSecond converts a per-minute rate in minor units to whole minor
// units per second, rounding down.
func RatePerSecond(perMinute decimal.Decimal) (int64, error) {
	if perMinute.IsNegative() {
		return 0, fmt.Errorf("%w: per-minute rate %s is negative", ErrInvalidRate, perMinute)
	}
	perSecond := perMinute.Div(secondsPerMinute).Floor()
	if perMinute.IsPositive() && perSecond.IsZero() {
		return 0, fmt.Errorf("%w: per-minute rate %s is below one unit per second", ErrInvalidRate, perMinute)
	}
	return perSecond.IntPart(), nil
}

// NewService builds a rate card, deriving the per-second rate.
func NewService(id, storeID, name string, perMinute decimal.Decimal, minBalance int64) (Service, error) {
	rate, err := RatePerSecond(perMinute)
	if err != nil {
		return Service{}, err
	}
	if minBalance < 0 {
		return Service{}, fmt.Errorf("%w: minimum balance %d is negative", ErrInvalidRate, minBalance)
	}
	return Service{
		ID:            id,
		StoreID:       storeID,
		Name:          name,
		RatePerMinute: perMinute,
		RatePerSecond: rate,
		MinBalance:    minBalance,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// CanAfford reports whether an available balance meets the start minimum.
func (s Service) CanAfford(available int64) bool {
	return available >= s.MinBalance
}

// Repository reads stores and services.
type Repository interface {
	CreateStore(ctx context.Context, st Store) error
	CreateService(ctx context.Context, svc Service) error
	GetStore(ctx context.Context, id string) (Store, error)
	GetService(ctx context.Context, id string) (Service, error)
}

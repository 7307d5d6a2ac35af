package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// SeedFile is the JSON layout of a catalog seed.
type SeedFile struct {
	Stores []SeedStore `json:"stores"`
}

// SeedStore describes one store and its rate cards. An empty WalletID asks
// the provisioner for a fresh payee wallet.
type SeedStore struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Category Category      `json:"category"`
	WalletID string        `json:"wallet_id"`
	Services []SeedService `json:"services"`
}

// SeedService is a rate card inside a seed store.
type SeedService struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	MinBalance    int64           `json:"min_balance"`
}

// ProvisionFunc creates a payee wallet for a store and returns its id.
type ProvisionFunc func(ctx context.Context, storeID string) (string, error)

// Seed loads stores and services from r into repo. It returns the seeded
// stores with their resolved wallet ids.
func Seed(ctx context.Context, repo Repository, r io.Reader, provision ProvisionFunc) ([]Store, error) {
	var file SeedFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode catalog seed: %w", err)
	}

	stores := make([]Store, 0, len(file.Stores))
	for _, s := range file.Stores {
		if s.ID == "" {
			return nil, fmt.Errorf("catalog seed: store %q has no id", s.Name)
		}
		walletID := s.WalletID
		if walletID == "" {
			if provision == nil {
				return nil, fmt.Errorf("catalog seed: store %s has no wallet", s.ID)
			}
			id, err := provision(ctx, s.ID)
			if err != nil {
				return nil, fmt.Errorf("provision wallet for store %s: %w", s.ID, err)
			}
			walletID = id
		}
		st := Store{
			ID:       s.ID,
			Name:     s.Name,
			Category: Category(strings.ToUpper(string(s.Category))),
			WalletID: walletID,
			Active:   true,
		}
		if err := repo.CreateStore(ctx, st); err != nil {
			return nil, fmt.Errorf("seed store %s: %w", s.ID, err)
		}
		for _, svc := range s.Services {
			card, err := NewService(svc.ID, s.ID, svc.Name, svc.RatePerMinute, svc.MinBalance)
			if err != nil {
				return nil, fmt.Errorf("seed service %s: %w", svc.ID, err)
			}
			if err := repo.CreateService(ctx, card); err != nil {
				return nil, fmt.Errorf("seed service %s: %w", svc.ID, err)
			}
		}
		stores = append(stores, st)
	}
	return stores, nil
}

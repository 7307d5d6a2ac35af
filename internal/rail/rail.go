// Package rail mirrors stream sessions as continuous flows on an external
// payment rail. The engine only needs three capabilities from it: open a
// flow, close a flow and read the live flow rate between two addresses.
package rail

import (
	"context"
	"errors"
	"math/big"
)

// ErrRail wraps every failure coming back from the rail, including timeouts
// and an open circuit.
var ErrRail = errors.New("payment rail error")

// Credential is what a sender needs to sign rail operations. PrivateKey is
// hex encoded and only lives in memory for the duration of a call.
type Credential struct {
	Address    string
	PrivateKey string
}

// Adapter is the capability the session lifecycle consumes.
type Adapter interface {
	// OpenFlow starts a flow from the credential's address to receiver and
	// returns a reference for it.
	OpenFlow(ctx context.Context, sender Credential, receiver string, ratePerSecond int64) (string, error)
	CloseFlow(ctx context.Context, sender Credential, receiver string) error
	// QueryFlow returns the current on-rail rate. Zero means no flow.
	QueryFlow(ctx context.Context, sender, receiver string) (*big.Int, error)
}

// ToWei scales a per-second rate in currency minor units to token base units.
func ToWei(ratePerSecond int64, weiPerUnit *big.Int) *big.Int {
	out := big.NewInt(ratePerSecond)
	if weiPerUnit == nil {
		return out
	}
	return out.Mul(out, weiPerUnit)
}

package rail

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process rail used in development and tests. Failures and
// latency can be injected per operation.
type Memory struct {
	mu    sync.Mutex
	flows map[string]*big.Int

	OpenErr  error
	CloseErr error
	QueryErr error
	Delay    time.Duration
	// OpenGate, when set, holds every OpenFlow until it is closed.
	OpenGate chan struct{}

	opens  int
	closes int
}

// NewMemory builds an empty in-memory rail.
func NewMemory() *Memory {
	return &Memory{flows: make(map[string]*big.Int)}
}

func flowKey(sender, receiver string) string {
	return strings.ToLower(sender) + "->" + strings.ToLower(receiver)
}

func (m *Memory) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenFlow records a flow at ratePerSecond.
func (m *Memory) OpenFlow(ctx context.Context, sender Credential, receiver string, ratePerSecond int64) (string, error) {
	if m.OpenGate != nil {
		select {
		case <-m.OpenGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	if ratePerSecond <= 0 {
		return "", fmt.Errorf("flow rate must be positive, got %d", ratePerSecond)
	}
	m.flows[flowKey(sender.Address, receiver)] = big.NewInt(ratePerSecond)
	return "mem-" + uuid.NewString(), nil
}

// CloseFlow removes the flow.
func (m *Memory) CloseFlow(ctx context.Context, sender Credential, receiver string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	if m.CloseErr != nil {
		return m.CloseErr
	}
	delete(m.flows, flowKey(sender.Address, receiver))
	return nil
}

// QueryFlow returns the recorded rate or zero.
func (m *Memory) QueryFlow(ctx context.Context, sender, receiver string) (*big.Int, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	rate, ok := m.flows[flowKey(sender, receiver)]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(rate), nil
}

// SetRate overwrites a flow out of band, as if the sender edited it on the rail.
// A zero rate removes it.
func (m *Memory) SetRate(sender, receiver string, rate int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rate == 0 {
		delete(m.flows, flowKey(sender, receiver))
		return
	}
	m.flows[flowKey(sender, receiver)] = big.NewInt(rate)
}

// Calls reports how many open and close calls reached the rail.
func (m *Memory) Calls() (opens, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, m.closes
}

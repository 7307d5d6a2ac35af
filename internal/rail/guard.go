package rail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// GuardConfig bounds every rail call.
type GuardConfig struct {
	Timeout      time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	FailureRatio uint
	MinRequests  uint
	OpenFor      time.Duration
}

// DefaultGuardConfig returns the production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:      15 * time.Second,
		MaxRetries:   2,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		FailureRatio: 5,
		MinRequests:  10,
		OpenFor:      30 * time.Second,
	}
}

// Guard wraps an Adapter with a per-call timeout and a circuit breaker.
// Only QueryFlow is retried; open and close submit transactions and a blind
// retry could double-submit.
type Guard struct {
	next    Adapter
	timeout time.Duration
	breaker circuitbreaker.CircuitBreaker[any]
	retry   retrypolicy.RetryPolicy[any]
}

// NewGuard wraps next.
func NewGuard(next Adapter, cfg GuardConfig, logger *slog.Logger) *Guard {
	def := DefaultGuardConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureRatio == 0 || cfg.FailureRatio > cfg.MinRequests {
		cfg.FailureRatio = cfg.MinRequests/2 + 1
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = def.OpenFor
	}
	if logger == nil {
		logger = slog.Default()
	}

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(cfg.FailureRatio, cfg.MinRequests).
		WithDelay(cfg.OpenFor).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("rail circuit breaker state change",
				"from_state", stateName(event.OldState),
				"to_state", stateName(event.NewState),
			)
		}).
		Build()

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}).
		Build()

	return &Guard{next: next, timeout: cfg.Timeout, breaker: breaker, retry: retry}
}

// OpenFlow forwards to the wrapped adapter.
func (g *Guard) OpenFlow(ctx context.Context, sender Credential, receiver string, ratePerSecond int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := failsafe.With(g.breaker).WithContext(ctx).Get(func() (any, error) {
		return g.next.OpenFlow(ctx, sender, receiver, ratePerSecond)
	})
	if err != nil {
		return "", fmt.Errorf("%w: open flow: %w", ErrRail, err)
	}
	return out.(string), nil
}

// CloseFlow forwards to the wrapped adapter.
func (g *Guard) CloseFlow(ctx context.Context, sender Credential, receiver string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	_, err := failsafe.With(g.breaker).WithContext(ctx).Get(func() (any, error) {
		return nil, g.next.CloseFlow(ctx, sender, receiver)
	})
	if err != nil {
		return fmt.Errorf("%w: close flow: %w", ErrRail, err)
	}
	return nil
}

// QueryFlow forwards to the wrapped adapter, retrying transient failures.
func (g *Guard) QueryFlow(ctx context.Context, sender, receiver string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := failsafe.With(g.retry, g.breaker).WithContext(ctx).Get(func() (any, error) {
		return g.next.QueryFlow(ctx, sender, receiver)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query flow: %w", ErrRail, err)
	}
	return out.(*big.Int), nil
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// Open reports whether the breaker is rejecting calls.
func (g *Guard) Open() bool {
	return g.breaker.IsOpen()
}

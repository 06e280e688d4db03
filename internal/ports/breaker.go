package ports

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerAccountProvider wraps an AccountProvider in a circuit breaker.
// A flapping broker API trips the breaker open; while open, Account
// fails fast with gobreaker.ErrOpenState instead of hammering the
// broker, and the engine skips reconciliation for that cycle.
type BreakerAccountProvider struct {
	inner AccountProvider
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerAccountProvider wraps inner with a breaker that opens after
// five consecutive failures and probes again after 30 seconds.
func NewBreakerAccountProvider(inner AccountProvider) *BreakerAccountProvider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-account",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &BreakerAccountProvider{inner: inner, cb: cb}
}

// Account fetches the broker account through the breaker.
func (p *BreakerAccountProvider) Account(ctx context.Context) (AccountState, error) {
	out, err := p.cb.Execute(func() (interface{}, error) {
		return p.inner.Account(ctx)
	})
	if err != nil {
		return AccountState{}, err
	}
	return out.(AccountState), nil
}

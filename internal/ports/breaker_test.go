package ports

import (
	"context"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyAccount struct {
	fail  bool
	calls int
}

func (f *flakyAccount) Account(context.Context) (AccountState, error) {
	f.calls++
	if f.fail {
		return AccountState{}, fmt.Errorf("broker unavailable")
	}
	return AccountState{Holdings: map[string]int64{"AAA": 100}, Cash: 5000}, nil
}

func TestBreakerAccountProvider_PassesThrough(t *testing.T) {
	inner := &flakyAccount{}
	p := NewBreakerAccountProvider(inner)

	st, err := p.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.Holdings["AAA"])
	assert.Equal(t, 5000.0, st.Cash)
}

func TestBreakerAccountProvider_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyAccount{fail: true}
	p := NewBreakerAccountProvider(inner)

	for i := 0; i < 5; i++ {
		_, err := p.Account(context.Background())
		require.Error(t, err)
	}
	calls := inner.calls

	// Breaker is now open: the broker is no longer called
	_, err := p.Account(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, calls, inner.calls)
}

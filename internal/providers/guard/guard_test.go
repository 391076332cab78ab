package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.SustainedRate = 1000
	cfg.BurstLimit = 1000
	cfg.MaxRetries = 2
	cfg.BackoffBaseMs = 1
	return cfg
}

func TestExecuteSuccess(t *testing.T) {
	g := New(fastConfig("alpha"), nil)

	res, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return "bars", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "bars", res.Value)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	g := New(fastConfig("alpha"), nil)

	calls := 0
	res, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
}

func TestExecuteRateLimitRegistersBackoffAndStops(t *testing.T) {
	g := New(fastConfig("alpha"), nil)
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	g.Ledger().SetClock(func() time.Time { return base })

	calls := 0
	_, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, &ProviderError{
			Provider: "alpha", StatusCode: 429, Message: "too many requests",
			Retryable: true, RetryAfter: 30 * time.Second,
		}
	})
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.RateLimited)
	assert.Equal(t, 1, calls, "quota errors must not retry the same provider")

	// retry-after honored exactly
	assert.True(t, g.InBackoff())
	assert.Equal(t, 30*time.Second, g.BackoffRemaining())

	g.Ledger().SetClock(func() time.Time { return base.Add(29 * time.Second) })
	assert.True(t, g.InBackoff())
	g.Ledger().SetClock(func() time.Time { return base.Add(31 * time.Second) })
	assert.False(t, g.InBackoff())
}

func TestExecuteForbiddenDefaultsThirtyMinutes(t *testing.T) {
	g := New(fastConfig("alpha"), nil)
	base := time.Now()
	g.Ledger().SetClock(func() time.Time { return base })

	_, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return nil, &ProviderError{Provider: "alpha", StatusCode: 403, Message: "quota exhausted"}
	})
	require.Error(t, err)
	assert.Equal(t, DefaultForbiddenBackoff, g.BackoffRemaining())
}

func TestExecuteSkipsProviderInBackoff(t *testing.T) {
	g := New(fastConfig("alpha"), nil)
	g.Ledger().RegisterStatus("alpha", 429, time.Minute)

	calls := 0
	_, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, nil
	})
	require.Error(t, err)
	assert.Zero(t, calls)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Message, "cooling down")
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cfg := fastConfig("alpha")
	cfg.MaxRetries = 0
	cfg.BreakerConsecutiveFails = 3
	g := New(cfg, nil)

	transitions := []string{}
	g.OnStateChange(func(name string, from, to gobreaker.State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	boom := func(context.Context) (interface{}, error) {
		return nil, &ProviderError{Provider: "alpha", StatusCode: 500, Message: "boom", Retryable: true}
	}
	for i := 0; i < 3; i++ {
		_, err := g.Execute(context.Background(), boom)
		require.Error(t, err)
	}

	assert.True(t, g.BreakerOpen())
	require.NotEmpty(t, transitions)
	assert.Contains(t, transitions[len(transitions)-1], "open")

	_, err := g.Execute(context.Background(), boom)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.BreakerOpen)
}

func TestManagerSharesLedgerAcrossGuards(t *testing.T) {
	m := NewManager(map[string]Config{"alpha": fastConfig("alpha")})

	a := m.Get("alpha")
	assert.Same(t, a, m.Get("alpha"))

	m.Ledger().RegisterStatus("beta", 429, 0)
	assert.True(t, m.Get("beta").InBackoff())
	assert.False(t, a.InBackoff())

	states := m.States()
	assert.Contains(t, states, "alpha")
	assert.Contains(t, states, "beta")
}

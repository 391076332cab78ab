// Package guard wraps provider calls with rate limiting, circuit breaking,
// quota cooldowns and bounded retries so the fetcher can rotate across
// providers on typed failures instead of raw errors.
package guard

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Config tunes one provider's guard.
type Config struct {
	Name          string  `yaml:"name"`
	SustainedRate float64 `yaml:"sustained_rate"` // requests per second
	BurstLimit    int     `yaml:"burst_limit"`
	MaxRetries    int     `yaml:"max_retries"`
	BackoffBaseMs int     `yaml:"backoff_base_ms"`

	BreakerConsecutiveFails uint32        `yaml:"breaker_consecutive_fails"`
	BreakerMinRequests      uint32        `yaml:"breaker_min_requests"`
	BreakerFailureRatio     float64       `yaml:"breaker_failure_ratio"`
	BreakerOpenTimeout      time.Duration `yaml:"breaker_open_timeout"`
}

// DefaultConfig returns conservative guard settings for a provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:                    name,
		SustainedRate:           1.0,
		BurstLimit:              3,
		MaxRetries:              2,
		BackoffBaseMs:           200,
		BreakerConsecutiveFails: 5,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.6,
		BreakerOpenTimeout:      30 * time.Second,
	}
}

// ProviderError is the typed failure adapters and the guard hand to the
// fetcher. RateLimited marks quota responses so metrics can count them
// separately from plain failures.
type ProviderError struct {
	Provider    string
	StatusCode  int
	Message     string
	Retryable   bool
	RateLimited bool
	BreakerOpen bool
	RetryAfter  time.Duration
}

func (e *ProviderError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s (status %d): %s (retry after %s)",
			e.Provider, e.StatusCode, e.Message, e.RetryAfter)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// Result carries a successful guarded call plus attempt accounting.
type Result struct {
	Value    interface{}
	Attempts int
	Latency  time.Duration
}

// Guard protects one provider.
type Guard struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	ledger  *BackoffLedger
	onState func(name string, from, to gobreaker.State)
	now     func() time.Time
}

// New builds a guard from config. The shared ledger may be nil, in which
// case the guard owns a private one.
func New(cfg Config, ledger *BackoffLedger) *Guard {
	if ledger == nil {
		ledger = NewBackoffLedger()
	}
	g := &Guard{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SustainedRate), max(cfg.BurstLimit, 1)),
		ledger:  ledger,
		now:     time.Now,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 2,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFails {
				return true
			}
			if counts.Requests >= cfg.BreakerMinRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.BreakerFailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider circuit breaker state change")
			if g.onState != nil {
				g.onState(name, from, to)
			}
		},
	})
	return g
}

// OnStateChange registers an observer for breaker transitions.
func (g *Guard) OnStateChange(fn func(name string, from, to gobreaker.State)) { g.onState = fn }

// SetClock replaces the guard clock (tests).
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// Ledger exposes the cooldown ledger shared with the fetcher.
func (g *Guard) Ledger() *BackoffLedger { return g.ledger }

// InBackoff reports whether the provider is cooling down.
func (g *Guard) InBackoff() bool { return g.ledger.InBackoff(g.cfg.Name) }

// BackoffRemaining returns the remaining cooldown.
func (g *Guard) BackoffRemaining() time.Duration { return g.ledger.Remaining(g.cfg.Name) }

// BreakerState returns the current circuit state.
func (g *Guard) BreakerState() gobreaker.State { return g.breaker.State() }

// BreakerOpen reports whether the circuit refuses calls.
func (g *Guard) BreakerOpen() bool { return g.breaker.State() == gobreaker.StateOpen }

// Execute runs fn behind the rate limiter, breaker and retry policy.
// Quota responses (429/403) register a cooldown and stop retrying so the
// caller rotates to the next provider immediately.
func (g *Guard) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (*Result, error) {
	name := g.cfg.Name
	if g.InBackoff() {
		return nil, &ProviderError{
			Provider:   name,
			Message:    "provider cooling down: " + g.ledger.Reason(name),
			Retryable:  false,
			RetryAfter: g.BackoffRemaining(),
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for %s: %w", name, err)
	}

	start := g.now()
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.retryDelay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		value, err := g.breaker.Execute(func() (interface{}, error) { return fn(ctx) })
		if err == nil {
			return &Result{Value: value, Attempts: attempt + 1, Latency: g.now().Sub(start)}, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{Provider: name, Message: "circuit breaker open", BreakerOpen: true}
		}

		var perr *ProviderError
		if errors.As(err, &perr) {
			switch perr.StatusCode {
			case 429, 403:
				g.ledger.RegisterStatus(name, perr.StatusCode, perr.RetryAfter)
				perr.RateLimited = perr.StatusCode == 429
				return nil, perr
			}
			if !perr.Retryable {
				return nil, perr
			}
			lastErr = perr
			continue
		}

		// Transport-level failure, retry within this provider.
		lastErr = &ProviderError{Provider: name, Message: err.Error(), Retryable: true}
	}
	return nil, lastErr
}

// retryDelay is exponential in the attempt with ±25% jitter, capped at 30s.
func (g *Guard) retryDelay(attempt int) time.Duration {
	base := g.cfg.BackoffBaseMs
	if base <= 0 {
		base = 100
	}
	ms := base * (1 << uint(attempt-1))
	if ms > 30000 {
		ms = 30000
	}
	jitter := int(float64(ms) * 0.25)
	if jitter > 0 {
		ms += rand.Intn(2*jitter) - jitter
	}
	return time.Duration(ms) * time.Millisecond
}

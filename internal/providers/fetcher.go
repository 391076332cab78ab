package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/cache"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers/guard"
)

// ErrNoProvidersAvailable surfaces when every provider was skipped or
// failed and synthetic fallback is not permitted.
var ErrNoProvidersAvailable = errors.New("no_providers_available")

// MaxBarCount bounds one bars request.
const MaxBarCount = 5000

// FetchOptions tune a single fetch. Purpose is a free-form label used in
// metric attribution only.
type FetchOptions struct {
	Purpose        string
	AllowSynthetic *bool
	Disabled       []string
	Timeout        time.Duration
}

// Observer receives per-request telemetry; implementations must be fast.
type Observer interface {
	ProviderRequest(provider, operation, outcome string, latency time.Duration)
}

// FetcherConfig shapes the fan-out behavior.
type FetcherConfig struct {
	AllowSynthetic  bool
	RequireRealtime bool
	QuoteMaxAge     time.Duration
	BarTimeout      time.Duration
	QuoteTimeout    time.Duration
	BarCacheTTL     time.Duration
}

// DefaultFetcherConfig returns development-appropriate settings.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		AllowSynthetic:  true,
		RequireRealtime: false,
		QuoteMaxAge:     10 * time.Minute,
		BarTimeout:      8 * time.Second,
		QuoteTimeout:    4 * time.Second,
		BarCacheTTL:     30 * time.Second,
	}
}

// Fetcher fans bar and quote requests out across providers ordered by
// live composite quality, honoring cooldowns and circuit breakers, with
// a deterministic synthetic fallback in non-strict mode.
type Fetcher struct {
	order     []string
	registry  map[string]Provider
	guards    *guard.Manager
	tracker   *Tracker
	cache     cache.Cache
	synthetic *Synthetic
	cfg       FetcherConfig
	obs       Observer
	now       func() time.Time
}

// NewFetcher wires the fan-out. order is the configured preference list;
// providers not in the registry are ignored. cache may be nil to disable
// response caching; obs may be nil.
func NewFetcher(order []string, registry map[string]Provider, guards *guard.Manager,
	tracker *Tracker, c cache.Cache, cfg FetcherConfig, obs Observer) *Fetcher {
	if guards == nil {
		guards = guard.NewManager(nil)
	}
	if tracker == nil {
		tracker = NewTracker(nil)
	}
	return &Fetcher{
		order:     order,
		registry:  registry,
		guards:    guards,
		tracker:   tracker,
		cache:     c,
		synthetic: NewSynthetic(),
		cfg:       cfg,
		obs:       obs,
		now:       time.Now,
	}
}

// SetClock replaces the fetcher clock (tests); the synthetic generator
// follows it.
func (f *Fetcher) SetClock(now func() time.Time) {
	f.now = now
	f.synthetic.SetClock(now)
}

// Guards exposes the guard manager so the availability classifier can
// read breaker states.
func (f *Fetcher) Guards() *guard.Manager { return f.guards }

// Tracker exposes the rolling metrics.
func (f *Fetcher) Tracker() *Tracker { return f.tracker }

// Providers lists the configured preference order.
func (f *Fetcher) Providers() []string { return append([]string(nil), f.order...) }

// FetchBars requests count bars for the pair and timeframe, rotating
// across eligible providers until one response passes validation.
func (f *Fetcher) FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int, opts FetchOptions) ([]domain.Bar, error) {
	if count < 1 || count > MaxBarCount {
		return nil, fmt.Errorf("fetch bars %s: count %d outside [1,%d]", pair, count, MaxBarCount)
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("fetch bars %s: invalid timeframe %q", pair, tf)
	}

	cacheKey := fmt.Sprintf("bars:%s:%s:%d", pair.Symbol, tf, count)
	if f.cache != nil && f.cfg.BarCacheTTL > 0 {
		if raw, ok := f.cache.Get(cacheKey); ok {
			var bars []domain.Bar
			if json.Unmarshal(raw, &bars) == nil && len(bars) > 0 {
				return bars, nil
			}
		}
	}

	timeout := f.cfg.BarTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var lastErr error
	for _, name := range f.eligible(opts.Disabled) {
		p := f.registry[name]
		g := f.guards.Get(name)

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := f.now()
		res, err := g.Execute(callCtx, func(c context.Context) (interface{}, error) {
			return p.FetchBars(c, pair, tf, count)
		})
		cancel()

		if err != nil {
			lastErr = err
			f.recordFailure(name, "bars", err, f.now().Sub(start))
			continue
		}

		bars := res.Value.([]domain.Bar)
		if verr := domain.ValidateBars(bars, tf); verr != nil {
			lastErr = fmt.Errorf("provider %s: %w", name, verr)
			f.tracker.RecordFailure(name, false)
			f.observe(name, "bars", "invalid", res.Latency)
			log.Warn().Err(verr).Str("provider", name).Str("pair", pair.Symbol).Msg("bar validation failed")
			continue
		}

		f.tracker.RecordSuccess(name, res.Latency)
		f.observe(name, "bars", "success", res.Latency)
		if f.cache != nil && f.cfg.BarCacheTTL > 0 {
			if raw, err := json.Marshal(bars); err == nil {
				f.cache.Set(cacheKey, raw, f.cfg.BarCacheTTL)
			}
		}
		return bars, nil
	}

	if f.syntheticAllowed(opts) {
		log.Debug().Str("pair", pair.Symbol).Str("tf", string(tf)).Str("purpose", opts.Purpose).
			Msg("all providers unavailable, serving synthetic bars")
		return f.synthetic.Bars(pair, tf, count), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s %s: %s", ErrNoProvidersAvailable, pair, tf, lastErr)
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoProvidersAvailable, pair, tf)
}

// FetchQuote requests a fresh quote, rotating providers whose responses
// are stale or failing.
func (f *Fetcher) FetchQuote(ctx context.Context, pair domain.Pair, opts FetchOptions) (*domain.Quote, error) {
	cacheKey := "quote:" + pair.Symbol
	quoteTTL := f.cfg.QuoteMaxAge / 2
	if f.cache != nil && quoteTTL > 0 {
		if raw, ok := f.cache.Get(cacheKey); ok {
			var q domain.Quote
			if json.Unmarshal(raw, &q) == nil && q.IsFresh(f.now(), f.cfg.QuoteMaxAge) {
				return &q, nil
			}
		}
	}

	timeout := f.cfg.QuoteTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var lastErr error
	for _, name := range f.eligible(opts.Disabled) {
		p := f.registry[name]
		g := f.guards.Get(name)

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := f.now()
		res, err := g.Execute(callCtx, func(c context.Context) (interface{}, error) {
			return p.FetchQuote(c, pair)
		})
		cancel()

		if err != nil {
			lastErr = err
			f.recordFailure(name, "quote", err, f.now().Sub(start))
			continue
		}

		q := res.Value.(*domain.Quote)
		if q == nil || q.Bid <= 0 || q.Ask < q.Bid {
			lastErr = fmt.Errorf("provider %s: malformed quote", name)
			f.tracker.RecordFailure(name, false)
			f.observe(name, "quote", "invalid", res.Latency)
			continue
		}
		if !q.IsFresh(f.now(), f.cfg.QuoteMaxAge) {
			lastErr = fmt.Errorf("provider %s: quote stale by %dms", name, q.AgeMs(f.now()))
			f.tracker.RecordFailure(name, false)
			f.observe(name, "quote", "stale", res.Latency)
			continue
		}

		f.tracker.RecordSuccess(name, res.Latency)
		f.observe(name, "quote", "success", res.Latency)
		if f.cache != nil && quoteTTL > 0 {
			if raw, err := json.Marshal(q); err == nil {
				f.cache.Set(cacheKey, raw, quoteTTL)
			}
		}
		return q, nil
	}

	if f.syntheticAllowed(opts) {
		return f.synthetic.Quote(pair), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: quote %s: %s", ErrNoProvidersAvailable, pair, lastErr)
	}
	return nil, fmt.Errorf("%w: quote %s", ErrNoProvidersAvailable, pair)
}

// eligible filters the preference list to configured providers outside
// cooldown with a closed breaker, then orders by composite quality with
// latency as the tie-breaker.
func (f *Fetcher) eligible(disabled []string) []string {
	skip := make(map[string]bool, len(disabled))
	for _, d := range disabled {
		skip[d] = true
	}

	out := make([]string, 0, len(f.order))
	for _, name := range f.order {
		p, ok := f.registry[name]
		if !ok || skip[name] || !p.IsConfigured() {
			continue
		}
		g := f.guards.Get(name)
		if g.InBackoff() || g.BreakerOpen() {
			continue
		}
		out = append(out, name)
	}

	sort.SliceStable(out, func(i, j int) bool {
		qi, qj := f.tracker.Quality(out[i]), f.tracker.Quality(out[j])
		if qi != qj {
			return qi > qj
		}
		return f.tracker.AvgLatencyMs(out[i]) < f.tracker.AvgLatencyMs(out[j])
	})
	return out
}

// Snapshots renders the current provider metrics, stamping breaker state
// and remaining cooldown from the guards.
func (f *Fetcher) Snapshots() []MetricSnapshot {
	out := make([]MetricSnapshot, 0, len(f.order))
	for _, name := range f.order {
		if _, ok := f.registry[name]; !ok {
			continue
		}
		snap := f.tracker.Snapshot(name)
		g := f.guards.Get(name)
		snap.CircuitBreakerState = g.BreakerState().String()
		snap.BackoffSeconds = g.BackoffRemaining().Seconds()
		out = append(out, snap)
	}
	return out
}

func (f *Fetcher) syntheticAllowed(opts FetchOptions) bool {
	if f.cfg.RequireRealtime {
		return false
	}
	if opts.AllowSynthetic != nil {
		return *opts.AllowSynthetic
	}
	return f.cfg.AllowSynthetic
}

// recordFailure classifies a guard error into tracker and observer
// updates. Skips (cooldown, open breaker) do not count as requests.
func (f *Fetcher) recordFailure(name, op string, err error, latency time.Duration) {
	var perr *guard.ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.BreakerOpen:
			f.observe(name, op, "breaker_open", 0)
			return
		case perr.RetryAfter > 0 && perr.StatusCode == 0:
			// cooldown skip registered earlier
			f.observe(name, op, "cooldown", 0)
			return
		case perr.RateLimited:
			f.tracker.RecordFailure(name, true)
			f.observe(name, op, "rate_limited", latency)
			return
		}
	}
	f.tracker.RecordFailure(name, false)
	f.observe(name, op, "error", latency)
}

func (f *Fetcher) observe(provider, op, outcome string, latency time.Duration) {
	if f.obs != nil {
		f.obs.ProviderRequest(provider, op, outcome, latency)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/broker"
	"github.com/meridianfx/meridian/internal/domain"
)

var (
	// ErrAlreadyRunning is returned by Enable when the loop is live.
	ErrAlreadyRunning = errors.New("auto-trader already running")
	// ErrNotRunning is returned by Disable when there is nothing to stop.
	ErrNotRunning = errors.New("auto-trader not running")
)

// SignalRunner generates one signal. *Coordinator satisfies it.
type SignalRunner interface {
	GenerateSignal(ctx context.Context, pair domain.Pair, opts Options) *Outcome
}

// PositionCloser closes one open position. *broker.Router satisfies it.
type PositionCloser interface {
	ClosePosition(ctx context.Context, req *domain.OrderRequest) (*broker.OrderResult, error)
}

// OpenBook lists currently open trades. *risk.Engine satisfies it.
type OpenBook interface {
	OpenTrades() []*domain.Trade
}

// TraderConfig tunes the scan loop.
type TraderConfig struct {
	Interval      time.Duration `json:"interval"`
	Pairs         []string      `json:"pairs"`
	MaxConcurrent int           `json:"max_concurrent"`
	Broker        string        `json:"broker,omitempty"`
}

func (c TraderConfig) withDefaults() TraderConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if len(c.Pairs) == 0 {
		c.Pairs = []string{"EURUSD", "GBPUSD", "USDJPY"}
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	return c
}

// ConfigUpdate carries the mutable auto-trader settings; nil fields keep
// their current values.
type ConfigUpdate struct {
	Interval      *time.Duration
	Pairs         []string
	MaxConcurrent *int
}

// CloseAllResult summarizes a close-all sweep.
type CloseAllResult struct {
	Closed int      `json:"closed"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// AutoTrader scans the configured pair list on an interval and generates
// signals with execution enabled. Enable and Disable are idempotent per
// the running flag; config updates take effect on the next scan.
type AutoTrader struct {
	runner SignalRunner
	closer PositionCloser
	book   OpenBook

	mu  sync.RWMutex
	cfg TraderConfig

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAutoTrader wires the loop. closer and book may be nil when broker
// routing is disabled; CloseAll then reports a routing error.
func NewAutoTrader(runner SignalRunner, closer PositionCloser, book OpenBook, cfg TraderConfig) *AutoTrader {
	return &AutoTrader{
		runner: runner,
		closer: closer,
		book:   book,
		cfg:    cfg.withDefaults(),
	}
}

// Running reports whether the scan loop is live.
func (a *AutoTrader) Running() bool { return a.running.Load() }

// Config returns a snapshot of the current settings.
func (a *AutoTrader) Config() TraderConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := a.cfg
	out.Pairs = append([]string(nil), a.cfg.Pairs...)
	return out
}

// UpdateConfig applies the non-nil fields and returns the resulting
// settings. A running loop picks them up on its next tick.
func (a *AutoTrader) UpdateConfig(u ConfigUpdate) (TraderConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u.Interval != nil {
		if *u.Interval < time.Second {
			return TraderConfig{}, fmt.Errorf("auto-trader: interval %s below 1s floor", *u.Interval)
		}
		a.cfg.Interval = *u.Interval
	}
	if u.Pairs != nil {
		pairs := make([]string, 0, len(u.Pairs))
		for _, p := range u.Pairs {
			parsed, err := domain.ParsePair(p)
			if err != nil {
				return TraderConfig{}, fmt.Errorf("auto-trader: %w", err)
			}
			pairs = append(pairs, parsed.Symbol)
		}
		a.cfg.Pairs = pairs
	}
	if u.MaxConcurrent != nil {
		if *u.MaxConcurrent < 1 {
			return TraderConfig{}, fmt.Errorf("auto-trader: max concurrent %d below 1", *u.MaxConcurrent)
		}
		a.cfg.MaxConcurrent = *u.MaxConcurrent
	}
	out := a.cfg
	out.Pairs = append([]string(nil), a.cfg.Pairs...)
	return out, nil
}

// Enable starts the scan loop. The first scan runs immediately.
func (a *AutoTrader) Enable(parent context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(ctx)
	log.Info().Dur("interval", a.Config().Interval).
		Strs("pairs", a.Config().Pairs).Msg("auto-trader enabled")
	return nil
}

// Disable stops the loop and waits for the in-flight scan to finish.
func (a *AutoTrader) Disable() error {
	if !a.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	a.cancel()
	a.wg.Wait()
	log.Info().Msg("auto-trader disabled")
	return nil
}

// CloseAll closes every open trade through the broker router.
func (a *AutoTrader) CloseAll(ctx context.Context) CloseAllResult {
	var res CloseAllResult
	if a.closer == nil || a.book == nil {
		res.Errors = append(res.Errors, "broker routing disabled")
		return res
	}
	for _, t := range a.book.OpenTrades() {
		req := &domain.OrderRequest{
			Broker:  t.Broker,
			Pair:    t.Pair,
			ID:      t.ID,
			Reason:  "close_all",
			Source:  "auto_trader",
			TradeID: t.ID,
		}
		if _, err := a.closer.ClosePosition(ctx, req); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", t.ID, err))
			continue
		}
		res.Closed++
	}
	log.Info().Int("closed", res.Closed).Int("failed", res.Failed).Msg("close-all sweep finished")
	return res
}

func (a *AutoTrader) loop(ctx context.Context) {
	defer a.wg.Done()
	a.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.Config().Interval):
			a.scan(ctx)
		}
	}
}

// scan generates one auto-executing signal per configured pair, capped
// at MaxConcurrent in flight.
func (a *AutoTrader) scan(ctx context.Context) {
	cfg := a.Config()
	sem := make(chan struct{}, cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, symbol := range cfg.Pairs {
		pair, err := domain.ParsePair(symbol)
		if err != nil {
			log.Warn().Err(err).Str("pair", symbol).Msg("auto-trader skipping unparseable pair")
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(p domain.Pair) {
			defer wg.Done()
			defer func() { <-sem }()
			out := a.runner.GenerateSignal(ctx, p, Options{
				AutoExecute: true,
				Broker:      cfg.Broker,
				Broadcast:   true,
			})
			if out.Execution != nil && out.Execution.Attempted && !out.Execution.Success {
				log.Warn().Str("pair", p.Symbol).Str("error", out.Execution.Error).
					Msg("auto-trade execution failed")
			}
		}(pair)
	}
	wg.Wait()
}

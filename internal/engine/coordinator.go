// Package engine orchestrates the signal pipeline: analyzers fan out,
// quality gates, scoring, risk sizing, the live backtest gate and the
// optional broker hand-off. Generation never returns an error; every
// failure path degrades to a NEUTRAL signal carrying the reason.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/alerts"
	"github.com/meridianfx/meridian/internal/analysis/economic"
	"github.com/meridianfx/meridian/internal/analysis/news"
	"github.com/meridianfx/meridian/internal/analysis/technical"
	"github.com/meridianfx/meridian/internal/backtest"
	"github.com/meridianfx/meridian/internal/broker"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/features"
	"github.com/meridianfx/meridian/internal/metrics"
	"github.com/meridianfx/meridian/internal/providers"
	"github.com/meridianfx/meridian/internal/quality"
	"github.com/meridianfx/meridian/internal/risk"
	"github.com/meridianfx/meridian/internal/signals"
)

// QuoteSource reads the current quote for a pair.
type QuoteSource interface {
	FetchQuote(ctx context.Context, pair domain.Pair, opts providers.FetchOptions) (*domain.Quote, error)
}

// TechnicalSource produces the multi-timeframe technical read.
type TechnicalSource interface {
	Analyze(ctx context.Context, pair domain.Pair, opts technical.Options) (*technical.Analysis, error)
}

// EconomicSource produces the macro read.
type EconomicSource interface {
	Analyze(ctx context.Context, pair domain.Pair) (*economic.Analysis, error)
}

// NewsSource produces the headline sentiment read.
type NewsSource interface {
	Analyze(ctx context.Context, pair domain.Pair) (*news.Analysis, error)
}

// BacktestGate replays a directional signal over its recent lookback.
type BacktestGate interface {
	ValidateSignal(ctx context.Context, sig *domain.Signal, pair domain.Pair) *backtest.Verdict
}

// Executor submits approved orders. *broker.Router satisfies it.
type Executor interface {
	OpenPosition(ctx context.Context, req *domain.OrderRequest) (*broker.OrderResult, error)
}

// Broadcast pushes one frame to the websocket hub; fire-and-forget.
type Broadcast func(event string, payload any)

// Config tunes the coordinator.
type Config struct {
	// BorderlineConfidence is the ceiling below which directional signals
	// must additionally survive the live backtest gate.
	BorderlineConfidence float64
	// EAOnlyMode leaves execution to the terminal advisor: signals are
	// generated and broadcast but never submitted to the router.
	EAOnlyMode bool
}

func (c Config) withDefaults() Config {
	if c.BorderlineConfidence <= 0 {
		c.BorderlineConfidence = 70
	}
	return c
}

// Deps wires the coordinator. Guard, Combiner and Risk are required;
// everything else degrades gracefully when nil.
type Deps struct {
	Quotes    QuoteSource
	Technical TechnicalSource
	Economic  EconomicSource
	News      NewsSource
	Guard     *quality.Guard
	Combiner  *signals.Combiner
	Risk      *risk.Engine
	Features  *features.Store
	Validator BacktestGate
	Router    Executor
	Bus       *alerts.Bus
	Metrics   *metrics.Registry
	Broadcast Broadcast
}

// Options modifies one generation call.
type Options struct {
	AutoExecute bool
	Broker      string
	Broadcast   bool
	EAOnly      bool
	NoCache     bool
	Disabled    []string
}

// Execution is the broker hand-off outcome attached to a signal.
type Execution struct {
	Attempted bool                `json:"attempted"`
	Success   bool                `json:"success"`
	Error     string              `json:"error,omitempty"`
	Order     *broker.OrderResult `json:"order,omitempty"`
}

// Outcome bundles the signal with the optional gate verdict and
// execution result.
type Outcome struct {
	Signal    *domain.Signal    `json:"signal"`
	Backtest  *backtest.Verdict `json:"backtest,omitempty"`
	Execution *Execution        `json:"execution,omitempty"`
}

type flight struct {
	done chan struct{}
	out  *Outcome
}

// Coordinator serializes signal generation per pair and coalesces
// concurrent requests onto the in-flight result.
type Coordinator struct {
	cfg       Config
	quotes    QuoteSource
	technical TechnicalSource
	economic  EconomicSource
	news      NewsSource
	guard     *quality.Guard
	combiner  *signals.Combiner
	risk      *risk.Engine
	features  *features.Store
	validator BacktestGate
	router    Executor
	bus       *alerts.Bus
	metrics   *metrics.Registry
	broadcast Broadcast
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]*flight
}

// NewCoordinator assembles the pipeline.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		quotes:    deps.Quotes,
		technical: deps.Technical,
		economic:  deps.Economic,
		news:      deps.News,
		guard:     deps.Guard,
		combiner:  deps.Combiner,
		risk:      deps.Risk,
		features:  deps.Features,
		validator: deps.Validator,
		router:    deps.Router,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		broadcast: deps.Broadcast,
		now:       time.Now,
		inflight:  make(map[string]*flight),
	}
}

// SetClock replaces the coordinator clock (tests).
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// GenerateSignal runs the full pipeline for one pair. Concurrent calls
// for the same pair coalesce onto the first caller's result; pairs under
// a live quality breaker are refused before any work is queued.
func (c *Coordinator) GenerateSignal(ctx context.Context, pair domain.Pair, opts Options) *Outcome {
	if st, active := c.guard.Breakers().Active(pair.Symbol); active {
		sig := domain.NeutralSignal(pair.Symbol, c.now().UnixMilli(),
			"rejected:pair_circuit_breaker_active: "+st.Reason)
		out := &Outcome{Signal: sig}
		if opts.Broadcast {
			c.emit("signal", sig)
		}
		return out
	}

	c.mu.Lock()
	if f, ok := c.inflight[pair.Symbol]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.out
		case <-ctx.Done():
			return &Outcome{Signal: domain.NeutralSignal(pair.Symbol, c.now().UnixMilli(),
				"generation cancelled: "+ctx.Err().Error())}
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[pair.Symbol] = f
	c.mu.Unlock()

	out := c.run(ctx, pair, opts)

	f.out = out
	c.mu.Lock()
	delete(c.inflight, pair.Symbol)
	c.mu.Unlock()
	close(f.done)
	return out
}

// run executes the pipeline once. A panic anywhere inside degrades to a
// NEUTRAL signal and a system alert; the coordinator itself never fails.
func (c *Coordinator) run(ctx context.Context, pair domain.Pair, opts Options) (out *Outcome) {
	startMs := c.now().UnixMilli()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("pair", pair.Symbol).
				Msg("signal generation panicked")
			c.alert(alerts.TopicSystem, alerts.SeverityError,
				fmt.Sprintf("signal generation for %s panicked: %v", pair.Symbol, r))
			out = &Outcome{Signal: domain.NeutralSignal(pair.Symbol, startMs,
				fmt.Sprintf("internal_error: %v", r))}
		}
	}()

	if c.features != nil {
		c.features.PurgeExpired()
	}

	var (
		wg    sync.WaitGroup
		quote *domain.Quote
		tech  *technical.Analysis
		eco   *economic.Analysis
		nws   *news.Analysis
	)
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := c.startStep("analyzers")
	wg.Add(4)
	go guarded("quote", &wg, func() { quote = c.fetchQuote(actx, pair, opts) })
	go guarded("technical", &wg, func() { tech = c.analyzeTechnical(actx, pair, opts) })
	go guarded("economic", &wg, func() { eco = c.analyzeEconomic(actx, pair) })
	go guarded("news", &wg, func() { nws = c.analyzeNews(actx, pair) })
	wg.Wait()
	timer.Stop(resultFor(tech != nil || eco != nil || nws != nil))

	if quote == nil && tech != nil {
		quote = tech.Quote
	}

	timer = c.startStep("quality_assess")
	report := c.guard.Assess(ctx, pair, quality.AssessOptions{
		Quote:    quote,
		NoCache:  opts.NoCache,
		Disabled: opts.Disabled,
	})
	timer.Stop("ok")
	if c.metrics != nil {
		c.metrics.SetQuality(pair.Symbol, report.Score, report.BreakerActive)
	}
	if report.BreakerActive {
		reason := "circuit_breaker: " + report.BreakerReason
		sig := domain.NeutralSignal(pair.Symbol, c.now().UnixMilli(), reason)
		log.Info().Str("pair", pair.Symbol).Str("reason", report.BreakerReason).
			Msg("generation blocked by data quality breaker")
		if opts.Broadcast {
			c.emit("signal", sig)
		}
		return &Outcome{Signal: sig}
	}

	sctx := signals.Context{
		Pair:      pair,
		Quote:     quote,
		Technical: tech,
		Economic:  eco,
		News:      nws,
		Quality:   report,
	}
	sig := c.combiner.Combine(sctx)
	sig.RiskManagement = c.risk.Evaluate(sig, pair).RiskManagement()
	c.combiner.Finalize(sig, sctx)

	out = &Outcome{Signal: sig}
	c.gateBorderline(ctx, out, pair, opts)

	if c.metrics != nil {
		c.metrics.SignalEmitted(pair.Symbol, string(sig.Direction))
	}
	log.Info().Str("pair", pair.Symbol).Str("direction", string(sig.Direction)).
		Float64("strength", sig.Strength).Float64("confidence", sig.Confidence).
		Bool("valid", sig.Validity.IsValid).Str("reason", sig.Validity.Reason).
		Msg("signal generated")

	if opts.Broadcast {
		c.emit("signal", sig)
	}
	if opts.AutoExecute {
		out.Execution = c.execute(ctx, sig, opts)
	}
	return out
}

// gateBorderline runs the live backtest confirmation for directional
// signals whose confidence sits under the borderline ceiling. A failed
// replay invalidates the signal; a skipped replay never does.
func (c *Coordinator) gateBorderline(ctx context.Context, out *Outcome, pair domain.Pair, opts Options) {
	sig := out.Signal
	if c.validator == nil || !sig.Validity.IsValid || !sig.Direction.Directional() {
		return
	}
	if sig.Confidence >= c.cfg.BorderlineConfidence {
		return
	}

	timer := c.startStep("backtest_gate")
	verdict := c.validator.ValidateSignal(ctx, sig, pair)
	out.Backtest = verdict
	if verdict.Skipped {
		timer.Stop("skipped")
		sig.Reasoning = append(sig.Reasoning, "live backtest skipped: "+verdict.SkipReason)
		return
	}
	if verdict.Passed {
		timer.Stop("ok")
		if m := verdict.Metrics; m != nil {
			sig.Reasoning = append(sig.Reasoning, fmt.Sprintf(
				"live backtest passed: %d trades, win rate %.2f, profit factor %.2f",
				m.Trades, m.WinRate, m.ProfitFactor))
		}
		return
	}

	timer.Stop("rejected")
	sig.Validity.IsValid = false
	sig.Validity.Reason = "live_backtest: " + strings.Join(verdict.Reasons, "; ")
	sig.Validity.Decision.State = domain.DecisionRejected
	sig.Validity.Decision.Blockers = append(sig.Validity.Decision.Blockers, "live_backtest")
	if sig.Validity.Checks != nil {
		sig.Validity.Checks["live_backtest"] = false
	}
}

// execute hands a valid signal to the broker router.
func (c *Coordinator) execute(ctx context.Context, sig *domain.Signal, opts Options) *Execution {
	ex := &Execution{}
	if c.cfg.EAOnlyMode || opts.EAOnly {
		ex.Error = "ea_only_mode: execution left to the terminal advisor"
		return ex
	}
	if c.router == nil {
		ex.Error = "broker routing disabled"
		return ex
	}
	if !sig.Validity.IsValid || sig.Entry == nil {
		ex.Error = "signal not executable: " + sig.Validity.Reason
		return ex
	}

	req := &domain.OrderRequest{
		Broker:     opts.Broker,
		Pair:       sig.Pair,
		Direction:  sig.Direction,
		Volume:     sig.RiskManagement.PositionSize,
		Price:      sig.Entry.Price,
		StopLoss:   &sig.Entry.StopLoss,
		TakeProfit: &sig.Entry.TakeProfit,
		Source:     "auto_trader",
		Comment:    fmt.Sprintf("meridian %s conf %.0f", sig.Direction, sig.Confidence),
	}

	ex.Attempted = true
	timer := c.startStep("execute")
	res, err := c.router.OpenPosition(ctx, req)
	if err != nil {
		timer.Stop("error")
		ex.Error = err.Error()
		c.alert(alerts.TopicTrading, alerts.SeverityWarning,
			fmt.Sprintf("auto-trade for %s rejected: %v", sig.Pair, err))
		return ex
	}
	timer.Stop("ok")
	ex.Success = true
	ex.Order = res
	return ex
}

func (c *Coordinator) fetchQuote(ctx context.Context, pair domain.Pair, opts Options) *domain.Quote {
	if c.quotes == nil {
		return nil
	}
	q, err := c.quotes.FetchQuote(ctx, pair, providers.FetchOptions{
		Purpose:  "signal_quote",
		Disabled: opts.Disabled,
	})
	if err != nil {
		log.Debug().Err(err).Str("pair", pair.Symbol).Msg("quote unavailable")
		return nil
	}
	return q
}

func (c *Coordinator) analyzeTechnical(ctx context.Context, pair domain.Pair, opts Options) *technical.Analysis {
	if c.technical == nil {
		return nil
	}
	a, err := c.technical.Analyze(ctx, pair, technical.Options{
		NoCache:  opts.NoCache,
		Disabled: opts.Disabled,
	})
	if err != nil {
		log.Warn().Err(err).Str("pair", pair.Symbol).Msg("technical analysis unavailable")
		return nil
	}
	return a
}

func (c *Coordinator) analyzeEconomic(ctx context.Context, pair domain.Pair) *economic.Analysis {
	if c.economic == nil {
		return nil
	}
	a, err := c.economic.Analyze(ctx, pair)
	if err != nil {
		log.Warn().Err(err).Str("pair", pair.Symbol).Msg("economic analysis unavailable")
		return nil
	}
	return a
}

func (c *Coordinator) analyzeNews(ctx context.Context, pair domain.Pair) *news.Analysis {
	if c.news == nil {
		return nil
	}
	a, err := c.news.Analyze(ctx, pair)
	if err != nil {
		log.Warn().Err(err).Str("pair", pair.Symbol).Msg("news analysis unavailable")
		return nil
	}
	return a
}

func (c *Coordinator) emit(event string, payload any) {
	if c.broadcast != nil {
		c.broadcast(event, payload)
	}
}

func (c *Coordinator) alert(topic, severity, msg string) {
	if c.bus != nil {
		c.bus.Publish(alerts.New(topic, severity, msg))
	}
}

func (c *Coordinator) startStep(step string) *metrics.StepTimer {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.StartStep(step)
}

// guarded runs one fan-out step, containing panics at the boundary.
func guarded(step string, wg *sync.WaitGroup, fn func()) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("step", step).Msg("pipeline step panicked")
		}
	}()
	fn()
}

func resultFor(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers"
)

// BarSource supplies the lookback window.
type BarSource interface {
	FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int, opts providers.FetchOptions) ([]domain.Bar, error)
}

// Thresholds are the pass gates applied to a validation summary.
type Thresholds struct {
	MinTrades        int     `json:"min_trades"`
	MinWinRate       float64 `json:"min_win_rate"`
	MinProfitFactor  float64 `json:"min_profit_factor"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	MinExpectancyPct float64 `json:"min_expectancy_pct"`
}

// DefaultThresholds reject signals whose recent replay shows a thin or
// drawdown-heavy edge.
var DefaultThresholds = Thresholds{
	MinTrades:        20,
	MinWinRate:       0.62,
	MinProfitFactor:  1.1,
	MaxDrawdownPct:   18,
	MinExpectancyPct: 0.2,
}

// Config tunes the validator.
type Config struct {
	Timeframe     domain.Timeframe
	LookbackDays  int
	MaxBars       int
	MinBars       int
	Stride        int
	HoldBars      int
	DefaultTPPips float64
	DefaultSLPips float64
	Thresholds    Thresholds
}

func (c Config) withDefaults() Config {
	if c.Timeframe == "" {
		c.Timeframe = domain.TFM15
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 30
	}
	if c.MaxBars <= 0 {
		c.MaxBars = 3200
	}
	if c.MinBars <= 0 {
		c.MinBars = 96
	}
	if c.Stride <= 0 {
		c.Stride = 4
	}
	if c.HoldBars <= 0 {
		c.HoldBars = 12
	}
	if c.DefaultTPPips <= 0 {
		c.DefaultTPPips = 40
	}
	if c.DefaultSLPips <= 0 {
		c.DefaultSLPips = 22
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds
	}
	return c
}

// Window describes the bars the validation ran over.
type Window struct {
	Timeframe domain.Timeframe `json:"timeframe"`
	Bars      int              `json:"bars"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
}

// Verdict is the validation outcome. A skipped verdict means the replay
// could not run and carries no pass/fail judgement.
type Verdict struct {
	Passed     bool       `json:"passed"`
	Skipped    bool       `json:"skipped"`
	SkipReason string     `json:"skip_reason,omitempty"`
	Reasons    []string   `json:"reasons,omitempty"`
	Metrics    *Summary   `json:"metrics,omitempty"`
	Window     *Window    `json:"window,omitempty"`
	Thresholds Thresholds `json:"thresholds"`
}

// Validator replays a signal's direction over its recent lookback and
// gates it on the resulting performance summary.
type Validator struct {
	cfg Config
	src BarSource
}

// NewValidator builds a validator over the bar source. Zero config
// fields take defaults.
func NewValidator(src BarSource, cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults(), src: src}
}

// ValidateSignal replays same-direction entries across the lookback and
// applies the pass thresholds. Fetch failures, short windows, and
// non-directional signals skip rather than fail.
func (v *Validator) ValidateSignal(ctx context.Context, sig *domain.Signal, pair domain.Pair) *Verdict {
	verdict := &Verdict{Thresholds: v.cfg.Thresholds}
	if sig == nil || !sig.Direction.Directional() {
		return v.skip(verdict, pair, "signal_not_directional")
	}

	bars, err := v.src.FetchBars(ctx, pair, v.cfg.Timeframe, v.lookbackBars(), providers.FetchOptions{
		Purpose: "backtest",
	})
	if err != nil {
		return v.skip(verdict, pair, fmt.Sprintf("bar_fetch_failed: %v", err))
	}
	if len(bars) < v.cfg.MinBars {
		return v.skip(verdict, pair, fmt.Sprintf("insufficient_bars: %d < %d", len(bars), v.cfg.MinBars))
	}

	tpPips, slPips := v.levels(sig, pair)
	res, err := Run(bars, Params{
		Direction:      sig.Direction,
		TakeProfitPips: tpPips,
		StopLossPips:   slPips,
		HoldBars:       v.cfg.HoldBars,
		Stride:         v.cfg.Stride,
		PipSize:        pair.PipSize(),
		BarPeriod:      time.Duration(v.cfg.Timeframe.PeriodSeconds()) * time.Second,
	})
	if err != nil {
		return v.skip(verdict, pair, fmt.Sprintf("replay_failed: %v", err))
	}

	verdict.Metrics = &res.Summary
	verdict.Window = &Window{
		Timeframe: v.cfg.Timeframe,
		Bars:      len(bars),
		From:      bars[0].Time(),
		To:        bars[len(bars)-1].Time(),
	}
	verdict.Reasons = v.cfg.Thresholds.evaluate(res.Summary)
	verdict.Passed = len(verdict.Reasons) == 0

	log.Debug().Str("pair", pair.Symbol).Str("direction", string(sig.Direction)).
		Bool("passed", verdict.Passed).Int("trades", res.Summary.Trades).
		Float64("win_rate", res.Summary.WinRate).Float64("profit_factor", res.Summary.ProfitFactor).
		Strs("reasons", verdict.Reasons).Msg("backtest validation")
	return verdict
}

func (v *Validator) skip(verdict *Verdict, pair domain.Pair, reason string) *Verdict {
	verdict.Skipped = true
	verdict.SkipReason = reason
	log.Debug().Str("pair", pair.Symbol).Str("reason", reason).Msg("backtest validation skipped")
	return verdict
}

func (v *Validator) lookbackBars() int {
	period := v.cfg.Timeframe.PeriodSeconds()
	if period == 0 {
		return v.cfg.MaxBars
	}
	bars := int(int64(v.cfg.LookbackDays) * 86400 / period)
	if bars > v.cfg.MaxBars {
		bars = v.cfg.MaxBars
	}
	if bars > providers.MaxBarCount {
		bars = providers.MaxBarCount
	}
	return bars
}

// levels derives TP/SL distances in pips from the signal's entry plan,
// falling back to the configured defaults when geometry is missing.
func (v *Validator) levels(sig *domain.Signal, pair domain.Pair) (tp, sl float64) {
	tp, sl = v.cfg.DefaultTPPips, v.cfg.DefaultSLPips
	e := sig.Entry
	if e == nil || e.Price <= 0 {
		return tp, sl
	}
	pip := pair.PipSize()
	sign := 1.0
	if sig.Direction == domain.DirectionSell {
		sign = -1
	}
	if d := sign * (e.TakeProfit - e.Price) / pip; d > 0 {
		tp = d
	}
	if d := sign * (e.Price - e.StopLoss) / pip; d > 0 {
		sl = d
	}
	return tp, sl
}

func (t Thresholds) evaluate(s Summary) []string {
	var reasons []string
	if s.Trades < t.MinTrades {
		reasons = append(reasons, fmt.Sprintf("min_trades: %d < %d", s.Trades, t.MinTrades))
	}
	if s.WinRate < t.MinWinRate {
		reasons = append(reasons, fmt.Sprintf("min_win_rate: %.2f < %.2f", s.WinRate, t.MinWinRate))
	}
	if s.ProfitFactor < t.MinProfitFactor {
		reasons = append(reasons, fmt.Sprintf("min_profit_factor: %.2f < %.2f", s.ProfitFactor, t.MinProfitFactor))
	}
	if s.MaxDrawdownPct > t.MaxDrawdownPct {
		reasons = append(reasons, fmt.Sprintf("max_drawdown_pct: %.1f > %.1f", s.MaxDrawdownPct, t.MaxDrawdownPct))
	}
	if s.ExpectancyPct < t.MinExpectancyPct {
		reasons = append(reasons, fmt.Sprintf("min_expectancy_pct: %.2f < %.2f", s.ExpectancyPct, t.MinExpectancyPct))
	}
	return reasons
}

// Package signals assembles analyzer and scorer output into the trading
// signal aggregate and judges its validity.
package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/meridianfx/meridian/internal/analysis/economic"
	"github.com/meridianfx/meridian/internal/analysis/news"
	"github.com/meridianfx/meridian/internal/analysis/technical"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/quality"
	"github.com/meridianfx/meridian/internal/scoring"
)

// Config tunes the validity gates and the entry geometry.
type Config struct {
	MinStrength      float64 // default 35
	MinConfidence    float64 // default 45
	MinRiskReward    float64 // default 1.6
	StrictRiskReward float64 // default 2.5
	Strict           bool
}

// DefaultConfig returns the desk defaults.
func DefaultConfig() Config {
	return Config{
		MinStrength:      35,
		MinConfidence:    45,
		MinRiskReward:    1.6,
		StrictRiskReward: 2.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinStrength <= 0 {
		c.MinStrength = d.MinStrength
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.MinRiskReward <= 0 {
		c.MinRiskReward = d.MinRiskReward
	}
	if c.StrictRiskReward <= 0 {
		c.StrictRiskReward = d.StrictRiskReward
	}
	return c
}

// riskReward returns the active risk-reward floor.
func (c Config) riskReward() float64 {
	if c.Strict {
		return c.StrictRiskReward
	}
	return c.MinRiskReward
}

// Context carries everything the combiner consumes for one pair.
type Context struct {
	Pair      domain.Pair
	Quote     *domain.Quote
	Technical *technical.Analysis
	Economic  *economic.Analysis
	News      *news.Analysis
	Quality   *quality.Report
}

// Combiner builds signals; the scorer is consumed inside it.
type Combiner struct {
	cfg    Config
	scorer *scoring.Scorer
	now    func() time.Time
}

// NewCombiner wires the combiner around an adaptive scorer.
func NewCombiner(scorer *scoring.Scorer, cfg Config) *Combiner {
	return &Combiner{cfg: cfg.withDefaults(), scorer: scorer, now: time.Now}
}

// SetClock replaces the combiner clock (tests).
func (c *Combiner) SetClock(now func() time.Time) { c.now = now }

// stop and target multiples per volatility regime.
var entryMultiples = map[technical.VolRegime]struct{ sl, tp float64 }{
	technical.VolLow:    {sl: 1.2, tp: 2.2},
	technical.VolNormal: {sl: 1.5, tp: 2.6},
	technical.VolHigh:   {sl: 2.0, tp: 3.4},
}

// Combine scores the pair and assembles the signal skeleton: direction,
// strength, confidence, components and the entry plan. Risk management
// and validity are attached afterwards.
func (c *Combiner) Combine(ctx Context) *domain.Signal {
	score := c.scorer.Score(ctx.Pair, scoring.Inputs{
		Economic:  ctx.Economic,
		News:      ctx.News,
		Technical: ctx.Technical,
	})

	sig := &domain.Signal{
		Pair:        ctx.Pair.Symbol,
		TimestampMs: c.now().UnixMilli(),
		Direction:   score.Direction,
		Strength:    math.Min(100, math.Abs(score.FinalScore)),
		Confidence:  score.Confidence,
		FinalScore:  score.FinalScore,
		Components:  c.components(ctx, score),
		Explain:     explainMap(score),
	}

	if sig.Direction.Directional() {
		plan, note := c.entryPlan(ctx, sig.Direction)
		if plan == nil {
			// a directional call without executable geometry is untradeable
			sig.Direction = domain.DirectionNeutral
			sig.Reasoning = append(sig.Reasoning, note)
		} else {
			sig.Entry = plan
			sig.Reasoning = append(sig.Reasoning, fmt.Sprintf(
				"%s: probability %.3f vs thresholds buy %.2f / sell %.2f",
				sig.Direction, score.Probability, score.Thresholds.Buy, score.Thresholds.Sell))
		}
	} else {
		sig.Reasoning = append(sig.Reasoning, fmt.Sprintf(
			"neutral: probability %.3f inside thresholds buy %.2f / sell %.2f",
			score.Probability, score.Thresholds.Buy, score.Thresholds.Sell))
	}
	return sig
}

// components maps the analyzer outputs into the signal aggregate.
func (c *Combiner) components(ctx Context, score *scoring.Result) domain.SignalComponents {
	var out domain.SignalComponents
	if t := ctx.Technical; t != nil {
		out.Technical = domain.ComponentScore{
			Score:      t.Score,
			Confidence: t.Strength,
			Direction:  t.Direction,
			Source:     t.Source,
		}
	}
	if e := ctx.Economic; e != nil {
		out.Economic = domain.ComponentScore{
			Score:      e.Score,
			Confidence: e.Confidence,
			Direction:  e.Direction,
			Source:     e.Source,
		}
	}
	if n := ctx.News; n != nil {
		out.News = domain.ComponentScore{
			Score:      n.Score,
			Confidence: n.Confidence,
			Direction:  n.Direction,
			Source:     n.Source,
		}
	}
	out.Scorer = domain.ScorerSummary{
		Probability:      score.Probability,
		RuleProbability:  score.RuleProb,
		ModelProbability: score.ModelProb,
		BuyThreshold:     score.Thresholds.Buy,
		SellThreshold:    score.Thresholds.Sell,
		Reason:           score.Diagnostics["reason"],
	}
	return out
}

// entryPlan derives stop and target from ATR and the volatility regime.
// Returns nil with a note when the geometry cannot be built.
func (c *Combiner) entryPlan(ctx Context, dir domain.Direction) (*domain.EntryPlan, string) {
	quote := ctx.Quote
	if quote == nil && ctx.Technical != nil {
		quote = ctx.Technical.Quote
	}
	if quote == nil {
		return nil, "no entry geometry: quote unavailable"
	}
	if ctx.Technical == nil || ctx.Technical.ATR <= 0 {
		return nil, "no entry geometry: ATR unavailable"
	}

	atr := ctx.Technical.ATR
	regime := ctx.Technical.Regime.Volatility
	if _, ok := entryMultiples[regime]; !ok {
		regime = technical.VolNormal
	}
	m := entryMultiples[regime]
	// stretch the target when the configured floor demands more
	if m.tp/m.sl < c.cfg.riskReward() {
		m.tp = m.sl * c.cfg.riskReward()
	}

	price := quote.Mid()
	plan := &domain.EntryPlan{
		Price:        price,
		RiskReward:   m.tp / m.sl,
		TrailingStop: regime == technical.VolNormal || regime == technical.VolHigh,
		ATR:          atr,
	}
	switch dir {
	case domain.DirectionBuy:
		plan.StopLoss = price - m.sl*atr
		plan.TakeProfit = price + m.tp*atr
	case domain.DirectionSell:
		plan.StopLoss = price + m.sl*atr
		plan.TakeProfit = price - m.tp*atr
	}
	if plan.StopLoss <= 0 || plan.TakeProfit <= 0 {
		return nil, "no entry geometry: levels collapsed below zero"
	}
	return plan, ""
}

func explainMap(score *scoring.Result) map[string]float64 {
	out := map[string]float64{
		"technical":   score.Features.TechnicalScore,
		"economic":    score.Features.EconomicScore,
		"news":        score.Features.NewsScore,
		"probability": score.Probability,
		"rule_prob":   score.RuleProb,
	}
	if score.ModelProb != nil {
		out["model_prob"] = *score.ModelProb
	}
	return out
}

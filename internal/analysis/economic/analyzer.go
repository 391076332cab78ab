// Package economic scores macro conditions per currency and derives a
// differential read for a pair: base currency strength minus quote
// currency strength, clipped to [-100,100].
package economic

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/cache"
	"github.com/meridianfx/meridian/internal/domain"
)

// Sentiment buckets a currency's aggregate macro score.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentNeutral Sentiment = "neutral"
	SentimentBearish Sentiment = "bearish"
)

// IndicatorKind enumerates the macro series the analyzer consumes.
type IndicatorKind string

const (
	IndGDPGrowth     IndicatorKind = "gdp_growth"
	IndInflation     IndicatorKind = "inflation"
	IndInterestRate  IndicatorKind = "interest_rate"
	IndUnemployment  IndicatorKind = "unemployment"
	IndRetailSales   IndicatorKind = "retail_sales"
	IndManufacturing IndicatorKind = "manufacturing_pmi"
)

// indicatorWeights is the fixed blend over available series. Missing
// series drop out and the remainder renormalizes.
var indicatorWeights = map[IndicatorKind]float64{
	IndInterestRate:  0.25,
	IndInflation:     0.20,
	IndGDPGrowth:     0.20,
	IndUnemployment:  0.15,
	IndRetailSales:   0.10,
	IndManufacturing: 0.10,
}

// Indicator is one macro observation for a currency.
type Indicator struct {
	Kind       IndicatorKind `json:"kind"`
	Value      float64       `json:"value"`
	Previous   float64       `json:"previous,omitempty"`
	Period     string        `json:"period,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Impact is one indicator's scored contribution.
type Impact struct {
	Kind   IndicatorKind `json:"kind"`
	Value  float64       `json:"value"`
	Score  float64       `json:"score"` // -100..100
	Weight float64       `json:"weight"`
}

// CurrencyRead aggregates all indicator impacts for one currency.
type CurrencyRead struct {
	Currency  string                   `json:"currency"`
	Score     float64                  `json:"score"` // -100..100
	Sentiment Sentiment                `json:"sentiment"`
	Impacts   map[IndicatorKind]Impact `json:"impacts"`
	Coverage  float64                  `json:"coverage"` // weight share of series present
}

// Analysis is the pair-level macro differential.
type Analysis struct {
	Pair        string           `json:"pair"`
	Score       float64          `json:"score"` // -100..100, base minus quote
	Direction   domain.Direction `json:"direction"`
	Confidence  float64          `json:"confidence"` // 0..100
	Base        CurrencyRead     `json:"base"`
	Quote       CurrencyRead     `json:"quote"`
	Source      string           `json:"source"`
	GeneratedAt time.Time        `json:"generated_at"`
	CacheHit    bool             `json:"-"`
}

// Source supplies macro series per currency.
type Source interface {
	Name() string
	IsConfigured() bool
	FetchIndicators(ctx context.Context, currency string) ([]Indicator, error)
}

// DefaultCacheTTL matches the slow cadence of macro releases.
const DefaultCacheTTL = time.Hour

// Analyzer computes per-currency macro reads with a shared cache.
type Analyzer struct {
	src      Source
	fallback Source
	cache    cache.Cache
	ttl      time.Duration
	now      func() time.Time
}

// NewAnalyzer wires the analyzer. src may be unconfigured; the static
// fallback table then serves so signal generation keeps working in
// development. c may be nil to disable caching.
func NewAnalyzer(src Source, c cache.Cache, ttl time.Duration) *Analyzer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Analyzer{
		src:      src,
		fallback: NewStaticSource(),
		cache:    c,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the analyzer clock (tests).
func (a *Analyzer) SetClock(now func() time.Time) { a.now = now }

// Analyze produces the macro differential for a pair. Currency reads are
// cached independently so shared currencies (USD in most pairs) fetch once.
func (a *Analyzer) Analyze(ctx context.Context, pair domain.Pair) (*Analysis, error) {
	base, err := a.currency(ctx, pair.Base)
	if err != nil {
		return nil, fmt.Errorf("economic analysis %s: base %s: %w", pair, pair.Base, err)
	}
	quote, err := a.currency(ctx, pair.Quote)
	if err != nil {
		return nil, fmt.Errorf("economic analysis %s: quote %s: %w", pair, pair.Quote, err)
	}

	score := clamp((base.Score-quote.Score)/2, -100, 100)
	out := &Analysis{
		Pair:        pair.Symbol,
		Score:       score,
		Direction:   scoreDirection(score),
		Confidence:  confidence(base, quote),
		Base:        base,
		Quote:       quote,
		Source:      a.sourceTag(),
		GeneratedAt: a.now(),
	}
	return out, nil
}

// currency resolves one currency read through the cache.
func (a *Analyzer) currency(ctx context.Context, ccy string) (CurrencyRead, error) {
	cacheKey := "analysis:economic:" + ccy
	if a.cache != nil {
		if raw, ok := a.cache.Get(cacheKey); ok {
			var read CurrencyRead
			if json.Unmarshal(raw, &read) == nil && read.Currency == ccy {
				return read, nil
			}
		}
	}

	indicators, err := a.fetch(ctx, ccy)
	if err != nil {
		return CurrencyRead{}, err
	}
	read := ScoreCurrency(ccy, indicators)

	if a.cache != nil {
		if raw, err := json.Marshal(read); err == nil {
			a.cache.Set(cacheKey, raw, a.ttl)
		}
	}
	return read, nil
}

// fetch prefers the configured source and degrades to the static table,
// logging the swap once per call site.
func (a *Analyzer) fetch(ctx context.Context, ccy string) ([]Indicator, error) {
	if a.src != nil && a.src.IsConfigured() {
		indicators, err := a.src.FetchIndicators(ctx, ccy)
		if err == nil && len(indicators) > 0 {
			return indicators, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("currency", ccy).Str("source", a.src.Name()).
				Msg("economic source failed, using static table")
		}
	}
	return a.fallback.FetchIndicators(ctx, ccy)
}

func (a *Analyzer) sourceTag() string {
	if a.src != nil && a.src.IsConfigured() {
		return "economic"
	}
	return "economic-static"
}

// ScoreCurrency folds indicators into a weighted currency read. Kinds
// without a weight are ignored; duplicate kinds keep the latest capture.
func ScoreCurrency(ccy string, indicators []Indicator) CurrencyRead {
	latest := make(map[IndicatorKind]Indicator, len(indicators))
	for _, ind := range indicators {
		if prev, ok := latest[ind.Kind]; !ok || ind.CapturedAt.After(prev.CapturedAt) {
			latest[ind.Kind] = ind
		}
	}

	read := CurrencyRead{
		Currency: ccy,
		Impacts:  make(map[IndicatorKind]Impact, len(latest)),
	}
	weighted, total := 0.0, 0.0
	for kind, ind := range latest {
		w, ok := indicatorWeights[kind]
		if !ok {
			continue
		}
		s := impactScore(kind, ind.Value)
		read.Impacts[kind] = Impact{Kind: kind, Value: ind.Value, Score: s, Weight: w}
		weighted += s * w
		total += w
	}
	if total > 0 {
		read.Score = clamp(weighted/total, -100, 100)
		read.Coverage = total
	}
	read.Sentiment = sentiment(read.Score)
	return read
}

// impactScore maps one raw indicator value to [-100,100]. Each series
// has its own shape: rates and growth reward above-trend values,
// unemployment rewards below-trend, inflation rewards proximity to the
// 2% target with an overheat penalty past 6%.
func impactScore(kind IndicatorKind, v float64) float64 {
	var s float64
	switch kind {
	case IndInterestRate:
		s = math.Tanh((v-2.5)/2.5) * 100
	case IndInflation:
		s = math.Tanh((v-2.0)/3.0) * 60
		if v > 6 {
			s -= (v - 6) * 15
		}
	case IndGDPGrowth:
		s = math.Tanh((v-2.0)/2.5) * 100
	case IndUnemployment:
		s = math.Tanh((5.0-v)/2.5) * 100
	case IndRetailSales:
		s = math.Tanh(v/4.0) * 100
	case IndManufacturing:
		s = (v - 50) * 10
	}
	return clamp(s, -100, 100)
}

func sentiment(score float64) Sentiment {
	switch {
	case score >= 25:
		return SentimentBullish
	case score <= -25:
		return SentimentBearish
	}
	return SentimentNeutral
}

func scoreDirection(score float64) domain.Direction {
	switch {
	case score >= 15:
		return domain.DirectionBuy
	case score <= -15:
		return domain.DirectionSell
	}
	return domain.DirectionNeutral
}

// confidence grows with indicator coverage and the separation between
// the two currency reads.
func confidence(base, quote CurrencyRead) float64 {
	coverage := (base.Coverage + quote.Coverage) / 2
	separation := math.Abs(base.Score-quote.Score) / 200
	return clamp(100*(0.6*coverage+0.4*separation*2), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

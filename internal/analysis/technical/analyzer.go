// Package technical derives indicator, pattern and regime readings from
// multi-timeframe bars and casts a weighted direction vote per pair.
package technical

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/cache"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers"
)

// BarSource supplies validated bars; *providers.Fetcher satisfies it.
type BarSource interface {
	FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int, opts providers.FetchOptions) ([]domain.Bar, error)
}

// Config tunes the analyzer. Weights missing a configured timeframe get
// zero weight; the vector is normalized before aggregation.
type Config struct {
	Timeframes []domain.Timeframe
	Weights    map[domain.Timeframe]float64
	BarCount   int
	CacheTTL   time.Duration
}

// DefaultConfig mirrors the standard M15/H1/H4 ladder.
func DefaultConfig() Config {
	return Config{
		Timeframes: []domain.Timeframe{domain.TFM15, domain.TFH1, domain.TFH4},
		Weights: map[domain.Timeframe]float64{
			domain.TFM15: 0.2,
			domain.TFH1:  0.3,
			domain.TFH4:  0.5,
		},
		BarCount: 200,
		CacheTTL: time.Minute,
	}
}

// TimeframeVote is one timeframe's contribution.
type TimeframeVote struct {
	Timeframe domain.Timeframe `json:"timeframe"`
	Direction domain.Direction `json:"direction"`
	Score     float64          `json:"score"` // -100..100
	Weight    float64          `json:"weight"`
	Bars      int              `json:"bars"`
}

// Analysis is the full technical read for one pair.
type Analysis struct {
	Pair        string                                `json:"pair"`
	Score       float64                               `json:"score"` // -150..150
	Strength    float64                               `json:"strength"`
	Direction   domain.Direction                      `json:"direction"`
	Votes       []TimeframeVote                       `json:"votes"`
	Indicators  map[domain.Timeframe]IndicatorSet     `json:"indicators"`
	Patterns    []Pattern                             `json:"patterns"`
	Levels      Levels                                `json:"levels"`
	Regime      RegimeRead                            `json:"regime"`
	ATR         float64                               `json:"atr"`
	ATRPips     float64                               `json:"atr_pips"`
	VolumePress float64                               `json:"volume_pressure"` // -1..1
	Divergence  float64                               `json:"divergence"`      // -1..1
	Consensus   float64                               `json:"direction_consensus"`
	Quote       *domain.Quote                         `json:"quote,omitempty"`
	Source      string                                `json:"source"`
	GeneratedAt time.Time                             `json:"generated_at"`
	CacheHit    bool                                  `json:"-"`
}

// Options modifies a single Analyze call.
type Options struct {
	Quote    *domain.Quote
	NoCache  bool
	Disabled []string // providers excluded from bar fetches
}

// Analyzer computes technical analyses with a short best-effort cache.
type Analyzer struct {
	src   BarSource
	cfg   Config
	cache cache.Cache
	now   func() time.Time
}

// NewAnalyzer wires the analyzer; c may be nil to disable caching.
func NewAnalyzer(src BarSource, cfg Config, c cache.Cache) *Analyzer {
	if len(cfg.Timeframes) == 0 {
		cfg = DefaultConfig()
	}
	if cfg.BarCount <= 0 {
		cfg.BarCount = 200
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &Analyzer{src: src, cfg: cfg, cache: c, now: time.Now}
}

// SetClock replaces the analyzer clock (tests).
func (a *Analyzer) SetClock(now func() time.Time) { a.now = now }

// Analyze fetches bars per configured timeframe and folds them into one
// weighted read. Timeframes that fail to fetch are skipped; all failing
// is an error.
func (a *Analyzer) Analyze(ctx context.Context, pair domain.Pair, opts Options) (*Analysis, error) {
	cacheKey := "analysis:technical:" + pair.Symbol
	if a.cache != nil && !opts.NoCache {
		if raw, ok := a.cache.Get(cacheKey); ok {
			var cached Analysis
			if json.Unmarshal(raw, &cached) == nil {
				cached.CacheHit = true
				if opts.Quote != nil {
					cached.Quote = opts.Quote
				}
				return &cached, nil
			}
		}
	}

	out := &Analysis{
		Pair:        pair.Symbol,
		Indicators:  make(map[domain.Timeframe]IndicatorSet, len(a.cfg.Timeframes)),
		Quote:       opts.Quote,
		Source:      "technical",
		GeneratedAt: a.now(),
	}

	totalWeight := 0.0
	weighted := 0.0
	synthetic := false
	for _, tf := range a.cfg.Timeframes {
		bars, err := a.src.FetchBars(ctx, pair, tf, a.cfg.BarCount, providers.FetchOptions{
			Purpose:  "analysis",
			Disabled: opts.Disabled,
		})
		if err != nil {
			log.Warn().Err(err).Str("pair", pair.Symbol).Str("timeframe", string(tf)).
				Msg("technical analysis timeframe skipped")
			continue
		}
		set, ok := computeIndicators(bars)
		if !ok {
			continue
		}
		if len(bars) > 0 && bars[0].Source == domain.SourceSynthetic {
			synthetic = true
		}

		patterns := detectPatterns(bars, tf)
		vote := scoreTimeframe(set, patterns)
		weight := a.cfg.Weights[tf]

		out.Indicators[tf] = set
		out.Patterns = append(out.Patterns, patterns...)
		out.Votes = append(out.Votes, TimeframeVote{
			Timeframe: tf,
			Direction: voteDirection(vote),
			Score:     vote,
			Weight:    weight,
			Bars:      len(bars),
		})
		weighted += vote * weight
		totalWeight += weight
		out.VolumePress += set.OBVSlope * weight

		// structural reads come from the first (execution) timeframe
		if tf == a.cfg.Timeframes[0] {
			out.Levels = findLevels(bars)
			out.Regime = classifyRegime(bars, set)
			out.ATR = set.ATR
			out.ATRPips = set.ATR / pair.PipSize()
			out.Divergence = divergenceScore(bars)
		}
	}
	if totalWeight == 0 {
		return nil, fmt.Errorf("technical analysis %s: no timeframe produced indicators", pair)
	}

	out.Score = clamp(1.5*weighted/totalWeight, -150, 150)
	out.Strength = math.Abs(out.Score) / 1.5
	out.Direction = aggregateDirection(out.Score)
	out.VolumePress = clamp(out.VolumePress/totalWeight, -1, 1)
	out.Consensus = consensus(out.Votes, out.Direction)
	if synthetic {
		out.Source = "technical-synthetic"
	}

	if a.cache != nil && !opts.NoCache {
		if raw, err := json.Marshal(out); err == nil {
			a.cache.Set(cacheKey, raw, a.cfg.CacheTTL)
		}
	}
	return out, nil
}

// scoreTimeframe folds one timeframe's indicators and patterns into a
// score in [-100,100].
func scoreTimeframe(set IndicatorSet, patterns []Pattern) float64 {
	score := 0.0

	// trend: fast/slow EMA gap measured in ATRs
	score += math.Tanh((set.EMAFast-set.EMASlow)/set.ATR) * 40

	// momentum
	score += (set.RSI - 50) / 50 * 25
	score += math.Tanh(set.MACDHist/set.ATR*4) * 20

	// band position leans with the trend
	score += (set.BBPosition - 0.5) * 10

	// pattern bonus capped either side
	bonus := 0.0
	for _, p := range patterns {
		switch p.Direction {
		case domain.DirectionBuy:
			bonus += p.Strength * 10
		case domain.DirectionSell:
			bonus -= p.Strength * 10
		}
	}
	score += clamp(bonus, -15, 15)

	return clamp(score, -100, 100)
}

func voteDirection(score float64) domain.Direction {
	switch {
	case score >= 15:
		return domain.DirectionBuy
	case score <= -15:
		return domain.DirectionSell
	}
	return domain.DirectionNeutral
}

func aggregateDirection(score float64) domain.Direction {
	switch {
	case score >= 22.5:
		return domain.DirectionBuy
	case score <= -22.5:
		return domain.DirectionSell
	}
	return domain.DirectionNeutral
}

// consensus is the share of directional votes agreeing with the aggregate.
func consensus(votes []TimeframeVote, dir domain.Direction) float64 {
	if !dir.Directional() {
		return 0
	}
	directional, agree := 0, 0
	for _, v := range votes {
		if !v.Direction.Directional() {
			continue
		}
		directional++
		if v.Direction == dir {
			agree++
		}
	}
	if directional == 0 {
		return 0
	}
	return float64(agree) / float64(directional)
}

// divergenceScore compares the last two price swing highs/lows against
// RSI at those bars: price extending while RSI fades reads as divergence.
// Positive is bullish (price lower low, RSI higher low).
func divergenceScore(bars []domain.Bar) float64 {
	if len(bars) < minBars {
		return 0
	}
	rsi := rsiSeries(bars)

	highIdx := swingIndexes(bars, true)
	if n := len(highIdx); n >= 2 {
		i, j := highIdx[n-2], highIdx[n-1]
		if bars[j].High > bars[i].High && rsi[j] < rsi[i] {
			return -clamp((rsi[i]-rsi[j])/10, 0.2, 1)
		}
	}
	lowIdx := swingIndexes(bars, false)
	if n := len(lowIdx); n >= 2 {
		i, j := lowIdx[n-2], lowIdx[n-1]
		if bars[j].Low < bars[i].Low && rsi[j] > rsi[i] {
			return clamp((rsi[j]-rsi[i])/10, 0.2, 1)
		}
	}
	return 0
}

func rsiSeries(bars []domain.Bar) []float64 {
	return talib.Rsi(domain.Closes(bars), rsiPeriod)
}

func swingIndexes(bars []domain.Bar, highs bool) []int {
	var idx []int
	for i := swingWing; i < len(bars)-swingWing; i++ {
		if highs && isSwingHigh(bars, i) {
			idx = append(idx, i)
		}
		if !highs && isSwingLow(bars, i) {
			idx = append(idx, i)
		}
	}
	return idx
}

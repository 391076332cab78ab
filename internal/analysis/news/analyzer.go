// Package news classifies headlines and blends positioning components
// into a pair-level sentiment read. Missing sources degrade to synthetic
// neutrals which downstream logic treats as non-confirming evidence.
package news

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/cache"
	"github.com/meridianfx/meridian/internal/domain"
)

// Composite weights over the positioning components.
const (
	weightSocial      = 0.30
	weightCOT         = 0.40
	weightOptionsFlow = 0.30
)

// DefaultCacheTTL matches the news refresh cadence.
const DefaultCacheTTL = 10 * time.Minute

// Analysis is the full sentiment read for one pair.
type Analysis struct {
	Pair               string                          `json:"pair"`
	Score              float64                         `json:"score"`      // -100..100
	Confidence         float64                         `json:"confidence"` // 0..100
	Direction          domain.Direction                `json:"direction"`
	Impact             domain.NewsImpact               `json:"impact"`
	Items              []domain.NewsItem               `json:"items,omitempty"`
	Components         map[SentimentKind]ComponentRead `json:"components"`
	HighImpactImminent bool                            `json:"high_impact_imminent"`
	Synthetic          bool                            `json:"synthetic"`
	Source             string                          `json:"source"`
	GeneratedAt        time.Time                       `json:"generated_at"`
	CacheHit           bool                            `json:"-"`
}

// NewsSink persists classified items asynchronously; errors are dropped.
type NewsSink func(ctx context.Context, items []domain.NewsItem) error

// Analyzer classifies headlines and computes the composite read.
type Analyzer struct {
	headlines HeadlineSource
	sentiment map[SentimentKind]SentimentSource
	cache     cache.Cache
	sink      NewsSink
	ttl       time.Duration
	now       func() time.Time
}

// NewAnalyzer wires the analyzer. Unconfigured or nil sources degrade to
// synthetic neutrals per component; c may be nil to disable caching.
func NewAnalyzer(headlines HeadlineSource, sources []SentimentSource, c cache.Cache, ttl time.Duration) *Analyzer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	byKind := make(map[SentimentKind]SentimentSource, len(sources))
	for _, s := range sources {
		if s != nil {
			byKind[s.Kind()] = s
		}
	}
	return &Analyzer{
		headlines: headlines,
		sentiment: byKind,
		cache:     c,
		ttl:       ttl,
		now:       time.Now,
	}
}

// SetSink enables fire-and-forget persistence of classified items.
func (a *Analyzer) SetSink(fn NewsSink) { a.sink = fn }

// SetClock replaces the analyzer clock (tests).
func (a *Analyzer) SetClock(now func() time.Time) { a.now = now }

// Analyze builds the sentiment read for a pair, serving a cached result
// when fresh.
func (a *Analyzer) Analyze(ctx context.Context, pair domain.Pair) (*Analysis, error) {
	cacheKey := "analysis:news:" + pair.Symbol
	if a.cache != nil {
		if raw, ok := a.cache.Get(cacheKey); ok {
			var cached Analysis
			if json.Unmarshal(raw, &cached) == nil {
				cached.CacheHit = true
				return &cached, nil
			}
		}
	}

	now := a.now()
	out := &Analysis{
		Pair:        pair.Symbol,
		Components:  make(map[SentimentKind]ComponentRead, 3),
		Impact:      domain.ImpactLow,
		Source:      "news",
		GeneratedAt: now,
	}

	headlineScore, headlineConf := a.foldHeadlines(ctx, pair, now, out)
	a.foldComponents(ctx, pair, out)

	// components carry the composite; headlines tilt it and set impact
	composite, compositeConf := compositeScore(out.Components)
	out.Score = clamp(0.7*composite+0.3*headlineScore, -100, 100)
	out.Confidence = clamp(0.7*compositeConf+0.3*headlineConf, 0, 100)
	out.Direction = direction(out.Score)

	if out.Synthetic {
		out.Source = "synthetic-news"
		// synthetic components must never confirm a direction
		out.Direction = domain.DirectionNeutral
		out.Confidence = math.Min(out.Confidence, 25)
	}

	if a.cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			a.cache.Set(cacheKey, raw, a.ttl)
		}
	}
	return out, nil
}

// foldHeadlines fetches, classifies and scores headlines. Returns the
// headline tilt in [-100,100] and its confidence.
func (a *Analyzer) foldHeadlines(ctx context.Context, pair domain.Pair, now time.Time, out *Analysis) (float64, float64) {
	if a.headlines == nil || !a.headlines.IsConfigured() {
		out.Synthetic = true
		return 0, 0
	}

	raw, err := a.headlines.FetchHeadlines(ctx, pair.Currencies(), 50)
	if err != nil {
		log.Warn().Err(err).Str("pair", pair.Symbol).Msg("headline fetch failed, treating as synthetic")
		out.Synthetic = true
		return 0, 0
	}

	lean, weightSum := 0.0, 0.0
	items := make([]domain.NewsItem, 0, len(raw))
	for _, h := range raw {
		cls := Classify(h, now)
		item := domain.NewsItem{
			ID:             h.ID,
			Headline:       h.Title,
			Source:         h.Source,
			PublishedAt:    h.PublishedAt,
			Currencies:     h.Currencies,
			Classification: cls,
		}
		items = append(items, item)

		if cls.Timing == domain.TimingStale {
			continue
		}
		if impactRank(cls.ImpactLevel) > impactRank(out.Impact) {
			out.Impact = cls.ImpactLevel
		}
		if (cls.ImpactLevel == domain.ImpactHigh || cls.ImpactLevel == domain.ImpactCritical) &&
			(cls.Timing == domain.TimingImminent || cls.Timing == domain.TimingDuring) {
			out.HighImpactImminent = true
		}

		polarity := headlinePolarity(h.Title)
		if polarity == 0 {
			continue
		}
		w := cls.VolatilityMultiplier * timingWeight(cls.Timing)
		for _, ccy := range h.Currencies {
			if l := pairLean(polarity, ccy, pair); l != 0 {
				lean += l * w
				weightSum += w
			}
		}
	}
	out.Items = items

	if a.sink != nil && len(items) > 0 {
		go func(persisted []domain.NewsItem) {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			if err := a.sink(sctx, persisted); err != nil {
				log.Debug().Err(err).Msg("news items persist failed")
			}
		}(items)
	}

	if weightSum == 0 {
		return 0, 20
	}
	score := clamp(lean/weightSum*100, -100, 100)
	conf := clamp(30+weightSum*10, 0, 90)
	return score, conf
}

// foldComponents resolves the three positioning components, substituting
// synthetic neutrals for missing or failing sources.
func (a *Analyzer) foldComponents(ctx context.Context, pair domain.Pair, out *Analysis) {
	for _, kind := range []SentimentKind{KindSocial, KindCOT, KindOptionsFlow} {
		src, ok := a.sentiment[kind]
		if !ok || !src.IsConfigured() {
			out.Components[kind] = SyntheticComponent(kind)
			out.Synthetic = true
			continue
		}
		read, err := src.Fetch(ctx, pair.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("pair", pair.Symbol).Str("component", string(kind)).
				Msg("sentiment component failed, substituting synthetic neutral")
			out.Components[kind] = SyntheticComponent(kind)
			out.Synthetic = true
			continue
		}
		out.Components[kind] = read
	}
}

// compositeScore blends the components with fixed weights; confidence is
// the component-confidence-weighted mean so a dead component drags it.
func compositeScore(components map[SentimentKind]ComponentRead) (float64, float64) {
	w := map[SentimentKind]float64{
		KindSocial:      weightSocial,
		KindCOT:         weightCOT,
		KindOptionsFlow: weightOptionsFlow,
	}
	score, confWeighted, total := 0.0, 0.0, 0.0
	for kind, weight := range w {
		c := components[kind]
		score += c.Score * weight
		confWeighted += c.Confidence * weight
		total += weight
	}
	if total == 0 {
		return 0, 0
	}
	return clamp(score/total, -100, 100), clamp(confWeighted/total, 0, 100)
}

func timingWeight(t domain.NewsTiming) float64 {
	switch t {
	case domain.TimingImminent, domain.TimingDuring:
		return 1.0
	case domain.TimingRecent:
		return 0.6
	default:
		return 0
	}
}

func impactRank(i domain.NewsImpact) int {
	switch i {
	case domain.ImpactCritical:
		return 3
	case domain.ImpactHigh:
		return 2
	case domain.ImpactMedium:
		return 1
	default:
		return 0
	}
}

func direction(score float64) domain.Direction {
	switch {
	case score >= 15:
		return domain.DirectionBuy
	case score <= -15:
		return domain.DirectionSell
	}
	return domain.DirectionNeutral
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

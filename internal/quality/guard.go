// Package quality scores market data fitness per pair and trips per-pair
// circuit breakers when the data cannot be trusted for signal generation.
package quality

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers"
)

// Status grades an assessment.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Recommendation tells the pipeline what to do with the pair.
type Recommendation string

const (
	RecommendProceed Recommendation = "proceed"
	RecommendCaution Recommendation = "caution"
	RecommendBlock   Recommendation = "block"
)

// SpreadStatus grades the live spread against the category thresholds.
type SpreadStatus string

const (
	SpreadOK       SpreadStatus = "ok"
	SpreadCaution  SpreadStatus = "caution"
	SpreadCritical SpreadStatus = "critical"
	SpreadUnknown  SpreadStatus = "unknown"
)

// GapClass grades the worst weekend gap seen in the window.
type GapClass string

const (
	GapNone     GapClass = "none"
	GapMinor    GapClass = "minor"
	GapElevated GapClass = "elevated"
	GapCritical GapClass = "critical"
)

// TimeframeReport scores one timeframe's bar window.
type TimeframeReport struct {
	Timeframe  domain.Timeframe   `json:"timeframe"`
	Score      float64            `json:"score"`
	Bars       int                `json:"bars"`
	Spikes     int                `json:"spikes"`
	Gaps       int                `json:"gaps"`
	GapRate    float64            `json:"gap_rate"`
	Misaligned int                `json:"misaligned"`
	Stale      bool               `json:"stale"`
	Sanity     int                `json:"sanity_violations"`
	WeekendGap GapClass           `json:"weekend_gap"`
	Penalties  map[string]float64 `json:"penalties"`
	Issues     []string           `json:"issues,omitempty"`
}

// Report is the cached verdict for one pair.
type Report struct {
	Pair            string             `json:"pair"`
	Score           float64            `json:"score"`
	Status          Status             `json:"status"`
	Recommendation  Recommendation     `json:"recommendation"`
	Timeframes      []*TimeframeReport `json:"timeframes"`
	SpreadPips      float64            `json:"spread_pips"`
	SpreadStatus    SpreadStatus       `json:"spread_status"`
	SpreadPenalty   float64            `json:"spread_penalty"`
	WeekendGap      GapClass           `json:"weekend_gap"`
	ConfidenceFloor float64            `json:"confidence_floor,omitempty"`
	BreakerActive   bool               `json:"breaker_active"`
	BreakerReason   string             `json:"breaker_reason,omitempty"`
	BreakerUntil    *time.Time         `json:"breaker_until,omitempty"`
	Issues          []string           `json:"issues,omitempty"`
	GeneratedAt     time.Time          `json:"generated_at"`
}

// Blocked reports whether the pipeline must refuse the pair.
func (r *Report) Blocked() bool { return r.Recommendation == RecommendBlock }

// Source supplies the market data under assessment.
type Source interface {
	FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int, opts providers.FetchOptions) ([]domain.Bar, error)
	FetchQuote(ctx context.Context, pair domain.Pair, opts providers.FetchOptions) (*domain.Quote, error)
}

// SinkFunc persists a report asynchronously; errors are logged and dropped.
type SinkFunc func(ctx context.Context, r *Report) error

// AssessOptions modifies a single Assess call.
type AssessOptions struct {
	Quote    *domain.Quote // reuse a quote the caller already fetched
	NoCache  bool
	Disabled []string
}

type cachedReport struct {
	report *Report
	until  time.Time
}

// Guard runs assessments and owns the per-pair breaker map.
type Guard struct {
	src      Source
	cfg      Config
	breakers *BreakerMap
	sink     SinkFunc

	mu      sync.Mutex
	reports map[string]cachedReport

	now func() time.Time
}

// NewGuard wires a guard with its own breaker map.
func NewGuard(src Source, cfg Config) *Guard {
	cfg = cfg.withDefaults()
	return &Guard{
		src:      src,
		cfg:      cfg,
		breakers: NewBreakerMap(cfg.BreakerFloor),
		reports:  make(map[string]cachedReport),
		now:      time.Now,
	}
}

// Breakers exposes the per-pair breaker map.
func (g *Guard) Breakers() *BreakerMap { return g.breakers }

// SetSink enables fire-and-forget persistence of reports.
func (g *Guard) SetSink(fn SinkFunc) { g.sink = fn }

// SetClock replaces the guard clock (tests). The breaker map keeps its
// own clock.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// Assess scores the pair's market data. Reports are cached per pair and
// the identical report pointer is returned within the TTL.
func (g *Guard) Assess(ctx context.Context, pair domain.Pair, opts AssessOptions) *Report {
	if !opts.NoCache {
		g.mu.Lock()
		if entry, ok := g.reports[pair.Symbol]; ok && g.now().Before(entry.until) {
			g.mu.Unlock()
			return entry.report
		}
		g.mu.Unlock()
	}

	now := g.now()
	r := &Report{
		Pair:         pair.Symbol,
		SpreadStatus: SpreadUnknown,
		WeekendGap:   GapNone,
		GeneratedAt:  now,
	}

	g.assessSpread(ctx, pair, opts, r)

	sum := 0.0
	for _, tf := range g.cfg.Timeframes {
		tr := g.assessTimeframe(ctx, pair, tf, opts, now)
		r.Timeframes = append(r.Timeframes, tr)
		sum += tr.Score
		if gapWorse(tr.WeekendGap, r.WeekendGap) {
			r.WeekendGap = tr.WeekendGap
		}
		r.Issues = append(r.Issues, tr.Issues...)
	}
	if len(r.Timeframes) > 0 {
		r.Score = sum / float64(len(r.Timeframes))
	}
	r.Score = math.Max(0, r.Score-r.SpreadPenalty)

	switch {
	case r.Score < 40:
		r.Status = StatusCritical
	case r.Score < 70:
		r.Status = StatusDegraded
	default:
		r.Status = StatusHealthy
	}

	var reasons []string
	if r.Status == StatusCritical {
		reasons = append(reasons, "quality_critical")
	}
	if r.SpreadStatus == SpreadCritical {
		reasons = append(reasons, "spread_critical")
		r.ConfidenceFloor = g.cfg.ConfidenceFloorSpread
	}
	if r.WeekendGap == GapCritical {
		reasons = append(reasons, "weekend_gap_critical")
	}

	if len(reasons) > 0 {
		st := g.breakers.Activate(pair.Symbol, strings.Join(reasons, ","), g.cfg.BreakerDuration)
		r.BreakerActive = true
		r.BreakerReason = st.Reason
		r.BreakerUntil = &st.Until
		r.Recommendation = RecommendBlock
	} else if st, active := g.breakers.Active(pair.Symbol); active {
		// an earlier activation still binds even if data recovered
		r.BreakerActive = true
		r.BreakerReason = st.Reason
		r.BreakerUntil = &st.Until
		r.Recommendation = RecommendBlock
	} else if r.Status == StatusDegraded {
		r.Recommendation = RecommendCaution
	} else {
		r.Recommendation = RecommendProceed
	}

	if g.sink != nil {
		go func(persisted *Report) {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			if err := g.sink(sctx, persisted); err != nil {
				log.Debug().Err(err).Str("pair", persisted.Pair).Msg("quality report persist failed")
			}
		}(r)
	}

	g.mu.Lock()
	g.reports[pair.Symbol] = cachedReport{report: r, until: now.Add(g.cfg.CacheTTL)}
	g.mu.Unlock()
	return r
}

// assessSpread grades the live spread and sets the penalty.
func (g *Guard) assessSpread(ctx context.Context, pair domain.Pair, opts AssessOptions, r *Report) {
	quote := opts.Quote
	if quote == nil {
		q, err := g.src.FetchQuote(ctx, pair, providers.FetchOptions{
			Purpose:  "quality-check",
			Disabled: opts.Disabled,
		})
		if err != nil {
			r.Issues = append(r.Issues, "quote unavailable: "+err.Error())
			return
		}
		quote = q
	}

	r.SpreadPips = quote.SpreadPips(pair)
	th := g.cfg.spreadThresholds(pair)
	switch {
	case r.SpreadPips > th.Critical:
		r.SpreadStatus = SpreadCritical
		r.SpreadPenalty = 25
		r.Issues = append(r.Issues, fmt.Sprintf("spread:critical %.1f pips (limit %.1f)", r.SpreadPips, th.Critical))
	case r.SpreadPips > th.Caution:
		r.SpreadStatus = SpreadCaution
		r.SpreadPenalty = 10
		r.Issues = append(r.Issues, fmt.Sprintf("spread:caution %.1f pips (limit %.1f)", r.SpreadPips, th.Caution))
	default:
		r.SpreadStatus = SpreadOK
	}
}

// assessTimeframe fetches and scores one timeframe window.
func (g *Guard) assessTimeframe(ctx context.Context, pair domain.Pair, tf domain.Timeframe, opts AssessOptions, now time.Time) *TimeframeReport {
	tr := &TimeframeReport{
		Timeframe:  tf,
		WeekendGap: GapNone,
		Penalties:  make(map[string]float64),
	}

	bars, err := g.src.FetchBars(ctx, pair, tf, g.cfg.BarCount, providers.FetchOptions{
		Purpose:  "quality-check",
		Disabled: opts.Disabled,
	})
	if err != nil {
		tr.Issues = append(tr.Issues, string(tf)+" fetch failed: "+err.Error())
		return tr
	}
	tr.Bars = len(bars)
	if len(bars) < 2 {
		tr.Issues = append(tr.Issues, string(tf)+" insufficient bars")
		return tr
	}

	g.inspectBars(pair, tf, bars, tr)

	expected := tf.Period()
	if now.Sub(bars[len(bars)-1].Time()) > 3*expected {
		tr.Stale = true
	}

	lo, hi := plausibleRange(pair)
	for _, b := range bars {
		if b.Close < lo || b.Close > hi {
			tr.Sanity++
		}
	}

	tr.Score = g.scoreTimeframe(tr)
	return tr
}

// inspectBars walks the window once counting spikes, gaps, misalignment
// and the worst weekend gap.
func (g *Guard) inspectBars(pair domain.Pair, tf domain.Timeframe, bars []domain.Bar, tr *TimeframeReport) {
	spikeCut := g.cfg.spikeThreshold(tf)
	expectedMs := tf.PeriodSeconds() * 1000
	pip := pair.PipSize()

	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]

		if prev.Close > 0 {
			movePct := math.Abs(cur.Close-prev.Close) / prev.Close * 100
			if movePct > spikeCut {
				tr.Spikes++
			}
		}

		interval := cur.TimestampMs - prev.TimestampMs
		switch {
		case float64(interval) > 1.75*float64(expectedMs):
			if spansWeekend(prev.Time(), cur.Time()) {
				gapPips := math.Abs(cur.Open-prev.Close) / pip
				cls := g.classifyWeekendGap(gapPips)
				if gapWorse(cls, tr.WeekendGap) {
					tr.WeekendGap = cls
				}
			} else {
				tr.Gaps++
			}
		case math.Abs(float64(interval)-float64(expectedMs)) > 0.20*float64(expectedMs):
			tr.Misaligned++
		}
	}
	tr.GapRate = float64(tr.Gaps) / float64(len(bars)-1)
}

// scoreTimeframe converts the counts into the clipped 0..100 score.
func (g *Guard) scoreTimeframe(tr *TimeframeReport) float64 {
	intervals := tr.Bars - 1
	if intervals < 1 {
		return 0
	}

	spike := math.Min(40, float64(tr.Spikes)*8)
	gap := math.Min(40, float64(tr.Gaps)*3+tr.GapRate*75)
	misalign := math.Min(20, float64(tr.Misaligned)/float64(intervals)*100*0.5)
	stale := 0.0
	if tr.Stale {
		stale = 35
	}
	sanity := 0.0
	if tr.Sanity > 0 {
		sanity = 25
	}
	weekend := 0.0
	switch tr.WeekendGap {
	case GapElevated:
		weekend = 5
	case GapCritical:
		weekend = 15
	}

	tr.Penalties["spike"] = spike
	tr.Penalties["gap"] = gap
	tr.Penalties["misalign"] = misalign
	tr.Penalties["stale"] = stale
	tr.Penalties["sanity"] = sanity
	tr.Penalties["weekend"] = weekend

	if spike > 0 {
		tr.Issues = append(tr.Issues, fmt.Sprintf("%s spikes:%d", tr.Timeframe, tr.Spikes))
	}
	if tr.Gaps > 0 {
		tr.Issues = append(tr.Issues, fmt.Sprintf("%s gaps:%d rate:%.2f", tr.Timeframe, tr.Gaps, tr.GapRate))
	}
	if tr.Stale {
		tr.Issues = append(tr.Issues, fmt.Sprintf("%s stale", tr.Timeframe))
	}
	if tr.Sanity > 0 {
		tr.Issues = append(tr.Issues, fmt.Sprintf("%s sanity:%d", tr.Timeframe, tr.Sanity))
	}

	return math.Max(0, 100-spike-gap-misalign-stale-sanity-weekend)
}

func (g *Guard) classifyWeekendGap(pips float64) GapClass {
	switch {
	case pips > g.cfg.WeekendCriticalPips:
		return GapCritical
	case pips > g.cfg.WeekendElevatedPips:
		return GapElevated
	}
	return GapMinor
}

var gapRank = map[GapClass]int{GapNone: 0, GapMinor: 1, GapElevated: 2, GapCritical: 3}

func gapWorse(a, b GapClass) bool { return gapRank[a] > gapRank[b] }

// spansWeekend reports whether the interval touches a Saturday or Sunday.
func spansWeekend(a, b time.Time) bool {
	if wd := b.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	for t := a; t.Before(b); t = t.Add(24 * time.Hour) {
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return true
		}
	}
	return false
}

// plausibleRange bounds believable closes per asset class.
func plausibleRange(p domain.Pair) (float64, float64) {
	switch p.Class {
	case domain.AssetMetal:
		return 1, 50000
	case domain.AssetIndex:
		return 50, 200000
	case domain.AssetCrypto:
		return 1e-6, 1e7
	default:
		if p.Quote == "JPY" {
			return 20, 500
		}
		return 0.05, 20
	}
}

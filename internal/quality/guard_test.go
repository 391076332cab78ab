package quality

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers"
)

// anchor is a Wednesday so short windows stay clear of the weekend.
var anchor = time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	bars     map[domain.Timeframe][]domain.Bar
	quote    *domain.Quote
	barErr   error
	quoteErr error
	fetches  int
}

func (f *fakeSource) FetchBars(_ context.Context, _ domain.Pair, tf domain.Timeframe, _ int, _ providers.FetchOptions) ([]domain.Bar, error) {
	f.fetches++
	if f.barErr != nil {
		return nil, f.barErr
	}
	return f.bars[tf], nil
}

func (f *fakeSource) FetchQuote(_ context.Context, _ domain.Pair, _ providers.FetchOptions) (*domain.Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return f.quote, nil
}

// cleanBars builds an evenly spaced low-volatility window ending at end.
func cleanBars(tf domain.Timeframe, n int, end time.Time) []domain.Bar {
	period := tf.Period()
	bars := make([]domain.Bar, n)
	price := 1.0850
	for i := 0; i < n; i++ {
		ts := end.Add(-time.Duration(n-1-i) * period)
		drift := 0.0002
		if i%2 == 0 {
			drift = -drift
		}
		open := price
		price += drift
		bars[i] = domain.Bar{
			TimestampMs: ts.UnixMilli(),
			Open:        open,
			High:        math.Max(open, price) + 0.0001,
			Low:         math.Min(open, price) - 0.0001,
			Close:       price,
			Volume:      100,
			Source:      "test",
		}
	}
	return bars
}

func quoteWithSpreadPips(pair domain.Pair, pips float64, at time.Time) *domain.Quote {
	mid := 1.0850
	half := pips * pair.PipSize() / 2
	return &domain.Quote{
		Pair:        pair.Symbol,
		Bid:         mid - half,
		Ask:         mid + half,
		TimestampMs: at.UnixMilli(),
		Provider:    "test",
	}
}

func newTestGuard(src Source) *Guard {
	g := NewGuard(src, DefaultConfig())
	g.SetClock(func() time.Time { return anchor })
	return g
}

func sourceWithCleanData(pair domain.Pair, spreadPips float64) *fakeSource {
	return &fakeSource{
		bars: map[domain.Timeframe][]domain.Bar{
			domain.TFM15: cleanBars(domain.TFM15, 64, anchor),
			domain.TFH1:  cleanBars(domain.TFH1, 64, anchor),
			domain.TFH4:  cleanBars(domain.TFH4, 64, anchor),
		},
		quote: quoteWithSpreadPips(pair, spreadPips, anchor),
	}
}

func TestAssessCleanDataHealthy(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	g := newTestGuard(sourceWithCleanData(pair, 1.0))

	r := g.Assess(context.Background(), pair, AssessOptions{})

	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, RecommendProceed, r.Recommendation)
	assert.GreaterOrEqual(t, r.Score, 90.0)
	assert.Equal(t, SpreadOK, r.SpreadStatus)
	assert.False(t, r.BreakerActive)
	require.Len(t, r.Timeframes, 3)
	for _, tr := range r.Timeframes {
		assert.Zero(t, tr.Spikes, "%s", tr.Timeframe)
		assert.Zero(t, tr.Gaps, "%s", tr.Timeframe)
		assert.False(t, tr.Stale, "%s", tr.Timeframe)
	}
}

func TestAssessCriticalSpreadBlocksAndTripsBreaker(t *testing.T) {
	pair := domain.MustPair("EURUSD") // majors: critical above 3.0 pips
	g := newTestGuard(sourceWithCleanData(pair, 4.5))

	r := g.Assess(context.Background(), pair, AssessOptions{})

	assert.Equal(t, SpreadCritical, r.SpreadStatus)
	assert.Equal(t, RecommendBlock, r.Recommendation)
	assert.True(t, r.BreakerActive)
	assert.Contains(t, r.BreakerReason, "spread_critical")
	assert.InDelta(t, 65, r.ConfidenceFloor, 1e-9)
	assertIssueContains(t, r.Issues, "spread:critical")

	_, active := g.Breakers().Active(pair.Symbol)
	assert.True(t, active)
}

func TestAssessSpikePenalty(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := sourceWithCleanData(pair, 1.0)
	// one 1.2% jump in the M15 window reads as spikes on both sides
	m15 := src.bars[domain.TFM15]
	i := 30
	m15[i].Close = m15[i-1].Close * 1.012
	m15[i].High = m15[i].Close + 0.0001
	g := newTestGuard(src)

	r := g.Assess(context.Background(), pair, AssessOptions{})

	var m15Report *TimeframeReport
	for _, tr := range r.Timeframes {
		if tr.Timeframe == domain.TFM15 {
			m15Report = tr
		}
	}
	require.NotNil(t, m15Report)
	assert.GreaterOrEqual(t, m15Report.Spikes, 1)
	assert.Greater(t, m15Report.Penalties["spike"], 0.0)
	assert.Less(t, m15Report.Score, 100.0)
	assert.Less(t, r.Score, 100.0)
}

func TestAssessGapPenalty(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := sourceWithCleanData(pair, 1.0)
	// drop three bars mid-window: one 4x interval, no weekend involved
	m15 := src.bars[domain.TFM15]
	src.bars[domain.TFM15] = append(append([]domain.Bar{}, m15[:20]...), m15[23:]...)
	g := newTestGuard(src)

	r := g.Assess(context.Background(), pair, AssessOptions{})

	var m15Report *TimeframeReport
	for _, tr := range r.Timeframes {
		if tr.Timeframe == domain.TFM15 {
			m15Report = tr
		}
	}
	require.NotNil(t, m15Report)
	assert.GreaterOrEqual(t, m15Report.Gaps, 1)
	assert.Greater(t, m15Report.Penalties["gap"], 0.0)
}

func TestAssessStaleData(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := sourceWithCleanData(pair, 1.0)
	stale := anchor.Add(-5 * domain.TFM15.Period())
	src.bars[domain.TFM15] = cleanBars(domain.TFM15, 64, stale)
	g := newTestGuard(src)

	r := g.Assess(context.Background(), pair, AssessOptions{})

	var m15Report *TimeframeReport
	for _, tr := range r.Timeframes {
		if tr.Timeframe == domain.TFM15 {
			m15Report = tr
		}
	}
	require.NotNil(t, m15Report)
	assert.True(t, m15Report.Stale)
	assert.InDelta(t, 65, m15Report.Score, 1e-9)
}

func TestAssessWeekendGapCritical(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := sourceWithCleanData(pair, 1.0)

	// Friday close to Sunday reopen jumping 120 pips
	friday := time.Date(2025, 7, 4, 21, 0, 0, 0, time.UTC)
	sunday := time.Date(2025, 7, 6, 22, 0, 0, 0, time.UTC)
	h1 := cleanBars(domain.TFH1, 40, friday)
	reopen := h1[len(h1)-1].Close + 120*pair.PipSize()
	tail := cleanBars(domain.TFH1, 24, sunday.Add(23*domain.TFH1.Period()))
	tail[0] = domain.Bar{
		TimestampMs: sunday.UnixMilli(),
		Open:        reopen,
		High:        reopen + 0.0003,
		Low:         reopen - 0.0003,
		Close:       reopen + 0.0001,
		Volume:      100,
		Source:      "test",
	}
	src.bars[domain.TFH1] = append(h1, tail...)
	g := newTestGuard(src)
	g.SetClock(func() time.Time { return tail[len(tail)-1].Time() })

	r := g.Assess(context.Background(), pair, AssessOptions{})

	assert.Equal(t, GapCritical, r.WeekendGap)
	assert.True(t, r.BreakerActive)
	assert.Contains(t, r.BreakerReason, "weekend_gap_critical")
	assert.Equal(t, RecommendBlock, r.Recommendation)
}

func TestAssessIdentityCache(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := sourceWithCleanData(pair, 1.0)
	now := anchor
	g := NewGuard(src, DefaultConfig())
	g.SetClock(func() time.Time { return now })

	first := g.Assess(context.Background(), pair, AssessOptions{})
	second := g.Assess(context.Background(), pair, AssessOptions{})
	assert.Same(t, first, second)

	fresh := g.Assess(context.Background(), pair, AssessOptions{NoCache: true})
	assert.NotSame(t, first, fresh)

	now = now.Add(6 * time.Minute) // past the 5 min TTL
	expired := g.Assess(context.Background(), pair, AssessOptions{})
	assert.NotSame(t, first, expired)
}

func TestAssessBreakerBindsUntilExpiry(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := sourceWithCleanData(pair, 4.5)
	g := newTestGuard(src)

	r := g.Assess(context.Background(), pair, AssessOptions{})
	require.True(t, r.BreakerActive)

	// spread recovers but the earlier activation still blocks
	src.quote = quoteWithSpreadPips(pair, 1.0, anchor)
	r2 := g.Assess(context.Background(), pair, AssessOptions{NoCache: true})
	assert.Equal(t, SpreadOK, r2.SpreadStatus)
	assert.True(t, r2.BreakerActive)
	assert.Equal(t, RecommendBlock, r2.Recommendation)
}

func TestAssessFetchFailureScoresZero(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := &fakeSource{barErr: errors.New("all providers down"), quoteErr: errors.New("no quotes")}
	g := newTestGuard(src)

	r := g.Assess(context.Background(), pair, AssessOptions{})

	assert.Equal(t, StatusCritical, r.Status)
	assert.Equal(t, RecommendBlock, r.Recommendation)
	assert.True(t, r.BreakerActive)
	assert.Contains(t, r.BreakerReason, "quality_critical")
	assert.Equal(t, SpreadUnknown, r.SpreadStatus)
}

func TestAssessReusesProvidedQuote(t *testing.T) {
	pair := domain.MustPair("EURUSD")
	src := sourceWithCleanData(pair, 1.0)
	src.quoteErr = errors.New("should not be called")
	g := newTestGuard(src)

	q := quoteWithSpreadPips(pair, 2.5, anchor) // caution band for majors
	r := g.Assess(context.Background(), pair, AssessOptions{Quote: q})

	assert.Equal(t, SpreadCaution, r.SpreadStatus)
	assert.InDelta(t, 2.5, r.SpreadPips, 1e-6)
	assert.InDelta(t, 10, r.SpreadPenalty, 1e-9)
	assert.Equal(t, StatusHealthy, r.Status)
}

func assertIssueContains(t *testing.T, issues []string, substr string) {
	t.Helper()
	for _, issue := range issues {
		if strings.Contains(issue, substr) {
			return
		}
	}
	t.Fatalf("no issue contains %q: %v", substr, issues)
}

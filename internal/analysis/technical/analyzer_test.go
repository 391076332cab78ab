package technical

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/cache"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers"
)

// trendBars builds a deterministic drifting series with mild oscillation.
func trendBars(tf domain.Timeframe, n int, start, drift float64) []domain.Bar {
	t0 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	period := tf.PeriodSeconds() * 1000
	bars := make([]domain.Bar, n)
	px := start
	for i := range bars {
		wobble := 0.0004 * math.Sin(float64(i)/3)
		open := px
		px += drift + wobble
		closePx := px
		hi := max(open, closePx) + 0.0003
		lo := min(open, closePx) - 0.0003
		bars[i] = domain.Bar{
			TimestampMs: t0 + int64(i)*period,
			Open:        open, High: hi, Low: lo, Close: closePx,
			Volume: 1000 + float64(i%7)*40,
			Source: "test",
		}
	}
	return bars
}

type stubBars struct {
	bars  map[domain.Timeframe][]domain.Bar
	calls int
	err   error
}

func (s *stubBars) FetchBars(_ context.Context, _ domain.Pair, tf domain.Timeframe, _ int, _ providers.FetchOptions) ([]domain.Bar, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.bars[tf], nil
}

func TestAnalyzeUptrend(t *testing.T) {
	up := trendBars(domain.TFM15, 200, 1.0800, 0.0003)
	src := &stubBars{bars: map[domain.Timeframe][]domain.Bar{
		domain.TFM15: up,
		domain.TFH1:  trendBars(domain.TFH1, 200, 1.0700, 0.0003),
		domain.TFH4:  trendBars(domain.TFH4, 200, 1.0500, 0.0003),
	}}

	a := NewAnalyzer(src, DefaultConfig(), nil)
	res, err := a.Analyze(context.Background(), domain.MustPair("EURUSD"), Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.DirectionBuy, res.Direction)
	assert.Greater(t, res.Score, 22.5)
	assert.LessOrEqual(t, res.Score, 150.0)
	assert.Greater(t, res.Strength, 15.0)
	assert.Len(t, res.Votes, 3)
	assert.Equal(t, 1.0, res.Consensus)
	assert.Greater(t, res.ATR, 0.0)
	assert.Greater(t, res.ATRPips, 0.0)
	assert.Equal(t, "technical", res.Source)

	m15 := res.Indicators[domain.TFM15]
	assert.Greater(t, m15.EMAFast, m15.EMASlow)
	assert.Greater(t, m15.RSI, 50.0)
}

func TestAnalyzeDowntrendMirrors(t *testing.T) {
	src := &stubBars{bars: map[domain.Timeframe][]domain.Bar{
		domain.TFM15: trendBars(domain.TFM15, 200, 1.2000, -0.0003),
		domain.TFH1:  trendBars(domain.TFH1, 200, 1.2100, -0.0003),
		domain.TFH4:  trendBars(domain.TFH4, 200, 1.2400, -0.0003),
	}}
	a := NewAnalyzer(src, DefaultConfig(), nil)
	res, err := a.Analyze(context.Background(), domain.MustPair("EURUSD"), Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionSell, res.Direction)
	assert.Less(t, res.Score, -22.5)
}

func TestAnalyzeCaches(t *testing.T) {
	src := &stubBars{bars: map[domain.Timeframe][]domain.Bar{
		domain.TFM15: trendBars(domain.TFM15, 200, 1.08, 0.0003),
		domain.TFH1:  trendBars(domain.TFH1, 200, 1.07, 0.0003),
		domain.TFH4:  trendBars(domain.TFH4, 200, 1.05, 0.0003),
	}}
	a := NewAnalyzer(src, DefaultConfig(), cache.NewMemory())

	first, err := a.Analyze(context.Background(), domain.MustPair("EURUSD"), Options{})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	fetches := src.calls

	second, err := a.Analyze(context.Background(), domain.MustPair("EURUSD"), Options{})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, fetches, src.calls, "cache hit must not refetch")
	assert.Equal(t, first.Score, second.Score)
}

func TestAnalyzeAllTimeframesFailing(t *testing.T) {
	src := &stubBars{err: context.DeadlineExceeded}
	a := NewAnalyzer(src, DefaultConfig(), nil)
	_, err := a.Analyze(context.Background(), domain.MustPair("EURUSD"), Options{})
	assert.Error(t, err)
}

func TestComputeIndicatorsNeedsWarmup(t *testing.T) {
	_, ok := computeIndicators(trendBars(domain.TFM15, minBars-1, 1.08, 0.0002))
	assert.False(t, ok)

	set, ok := computeIndicators(trendBars(domain.TFM15, 200, 1.08, 0.0002))
	require.True(t, ok)
	assert.Greater(t, set.ATR, 0.0)
	assert.GreaterOrEqual(t, set.BBPosition, 0.0)
	assert.LessOrEqual(t, set.BBPosition, 1.0)
}

func TestEngulfingDetection(t *testing.T) {
	t0 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := []domain.Bar{
		{TimestampMs: t0, Open: 1.1000, High: 1.1010, Low: 1.0985, Close: 1.0990, Volume: 1},
		{TimestampMs: t0 + 900000, Open: 1.0995, High: 1.1000, Low: 1.0985, Close: 1.0988, Volume: 1},
		{TimestampMs: t0 + 1800000, Open: 1.0986, High: 1.1022, Low: 1.0984, Close: 1.1020, Volume: 1},
	}
	got := detectPatterns(bars, domain.TFM15)
	require.NotEmpty(t, got)
	assert.Equal(t, patternEngulfing, got[0].Name)
	assert.Equal(t, domain.DirectionBuy, got[0].Direction)
}

func TestPinBarDetection(t *testing.T) {
	t0 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := []domain.Bar{
		{TimestampMs: t0, Open: 1.1000, High: 1.1005, Low: 1.0995, Close: 1.0998, Volume: 1},
		{TimestampMs: t0 + 900000, Open: 1.0998, High: 1.1002, Low: 1.0996, Close: 1.0999, Volume: 1},
		// long lower wick rejection
		{TimestampMs: t0 + 1800000, Open: 1.0999, High: 1.1002, Low: 1.0960, Close: 1.1000, Volume: 1},
	}
	got := detectPatterns(bars, domain.TFM15)
	var pin *Pattern
	for i := range got {
		if got[i].Name == patternPinBar {
			pin = &got[i]
		}
	}
	require.NotNil(t, pin)
	assert.Equal(t, domain.DirectionBuy, pin.Direction)
	assert.Greater(t, pin.Strength, 0.5)
}

func TestInsideBarDetection(t *testing.T) {
	t0 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := []domain.Bar{
		{TimestampMs: t0, Open: 1.1000, High: 1.1030, Low: 1.0970, Close: 1.1020, Volume: 1},
		{TimestampMs: t0 + 900000, Open: 1.0990, High: 1.1040, Low: 1.0960, Close: 1.1030, Volume: 1},
		{TimestampMs: t0 + 1800000, Open: 1.1005, High: 1.1020, Low: 1.0990, Close: 1.1010, Volume: 1},
	}
	got := detectPatterns(bars, domain.TFM15)
	var inside *Pattern
	for i := range got {
		if got[i].Name == patternInsideBar {
			inside = &got[i]
		}
	}
	require.NotNil(t, inside)
	assert.Equal(t, domain.DirectionBuy, inside.Direction, "containing bar closed up")
}

func TestFindLevelsSplitsAroundPrice(t *testing.T) {
	bars := trendBars(domain.TFH1, 120, 1.0800, 0.0001)
	lv := findLevels(bars)
	price := bars[len(bars)-1].Close
	for _, s := range lv.Support {
		assert.Less(t, s, price)
	}
	for _, r := range lv.Resistance {
		assert.Greater(t, r, price)
	}
	assert.LessOrEqual(t, len(lv.Support), 3)
	assert.LessOrEqual(t, len(lv.Resistance), 3)
}

func TestScoreTimeframeBullishSet(t *testing.T) {
	set := IndicatorSet{
		RSI: 64, EMAFast: 1.0850, EMASlow: 1.0820,
		MACDHist: 0.0006, ATR: 0.0012, BBPosition: 0.75, Close: 1.0860,
	}
	score := scoreTimeframe(set, nil)
	assert.Greater(t, score, 30.0)
	assert.LessOrEqual(t, score, 100.0)

	bear := IndicatorSet{
		RSI: 36, EMAFast: 1.0790, EMASlow: 1.0820,
		MACDHist: -0.0006, ATR: 0.0012, BBPosition: 0.25, Close: 1.0780,
	}
	assert.InDelta(t, -score, scoreTimeframe(bear, nil), 0.5, "mirror inputs mirror the score")
}

func TestVoteDirectionDeadZone(t *testing.T) {
	assert.Equal(t, domain.DirectionNeutral, voteDirection(10))
	assert.Equal(t, domain.DirectionBuy, voteDirection(15))
	assert.Equal(t, domain.DirectionSell, voteDirection(-15))
	assert.Equal(t, domain.DirectionNeutral, aggregateDirection(20))
	assert.Equal(t, domain.DirectionBuy, aggregateDirection(22.5))
}

func TestRegimeOnTrendingSeries(t *testing.T) {
	bars := trendBars(domain.TFM15, 200, 1.08, 0.0004)
	set, ok := computeIndicators(bars)
	require.True(t, ok)
	read := classifyRegime(bars, set)
	assert.Equal(t, RegimeTrending, read.Regime, "strong steady drift should read as trending")
	assert.Greater(t, read.TrendSlope, 0.0)
	assert.GreaterOrEqual(t, read.Confidence, regimeMinConfidence)
}

func TestPercentileRank(t *testing.T) {
	series := make([]float64, 100)
	for i := range series {
		series[i] = float64(i)
	}
	assert.InDelta(t, 0.9, percentileRank(series, 90, 100), 0.02)
	assert.InDelta(t, 0.5, percentileRank([]float64{1, 2}, 1.5, 100), 0.001, "thin history is neutral")
}

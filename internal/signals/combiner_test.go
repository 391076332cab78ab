package signals

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/analysis/news"
	"github.com/meridianfx/meridian/internal/analysis/technical"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/quality"
	"github.com/meridianfx/meridian/internal/scoring"
)

var testNow = time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)

func newTestCombiner(cfg Config) *Combiner {
	c := NewCombiner(scoring.NewScorer(scoring.DefaultConfig()), cfg)
	c.SetClock(func() time.Time { return testNow })
	return c
}

func strongTechnical(score float64, vol technical.VolRegime) *technical.Analysis {
	dir := domain.DirectionBuy
	if score < 0 {
		dir = domain.DirectionSell
	}
	return &technical.Analysis{
		Pair:      "EURUSD",
		Score:     score,
		Strength:  75,
		Direction: dir,
		ATR:       0.0020,
		ATRPips:   20,
		Regime:    technical.RegimeRead{Volatility: vol, Confidence: 0.8},
		Source:    "technical",
	}
}

func testQuote() *domain.Quote {
	return &domain.Quote{
		Pair:        "EURUSD",
		Bid:         1.08495,
		Ask:         1.08505,
		TimestampMs: testNow.UnixMilli(),
		Provider:    "test",
	}
}

func healthyQuality() *quality.Report {
	return &quality.Report{
		Pair:           "EURUSD",
		Score:          95,
		Status:         quality.StatusHealthy,
		Recommendation: quality.RecommendProceed,
	}
}

func buildContext(tech *technical.Analysis) Context {
	return Context{
		Pair:      domain.MustPair("EURUSD"),
		Quote:     testQuote(),
		Technical: tech,
		Quality:   healthyQuality(),
	}
}

func approveRisk(sig *domain.Signal) {
	sig.RiskManagement = domain.RiskManagement{
		PositionSize:   0.10,
		RiskAmount:     100,
		AccountRiskPct: 1.0,
		CanTrade:       true,
	}
}

func TestCombineValidBuySignal(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(120, technical.VolNormal))

	sig := c.Combine(ctx)
	approveRisk(sig)
	c.Finalize(sig, ctx)

	assert.Equal(t, domain.DirectionBuy, sig.Direction)
	assert.True(t, sig.Validity.IsValid, "reason: %s", sig.Validity.Reason)
	assert.Equal(t, domain.DecisionApproved, sig.Validity.Decision.State)
	for name, ok := range sig.Validity.Checks {
		assert.True(t, ok, "check %s", name)
	}

	require.NotNil(t, sig.Entry)
	assert.Less(t, sig.Entry.StopLoss, sig.Entry.Price)
	assert.Greater(t, sig.Entry.TakeProfit, sig.Entry.Price)
	assert.InDelta(t, 2.6/1.5, sig.Entry.RiskReward, 1e-9)
	assert.True(t, sig.Entry.TrailingStop)
	assert.InDelta(t, 1.0850, sig.Entry.Price, 1e-9)
	assert.InDelta(t, 1.0850-1.5*0.0020, sig.Entry.StopLoss, 1e-9)
	assert.InDelta(t, 1.0850+2.6*0.0020, sig.Entry.TakeProfit, 1e-9)

	assert.GreaterOrEqual(t, sig.Strength, 35.0)
	assert.GreaterOrEqual(t, sig.Confidence, 45.0)
	require.NoError(t, sig.Validate())
	assert.Equal(t, testNow.UnixMilli(), sig.TimestampMs)
}

func TestCombineSellGeometry(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(-120, technical.VolNormal))

	sig := c.Combine(ctx)
	approveRisk(sig)
	c.Finalize(sig, ctx)

	assert.Equal(t, domain.DirectionSell, sig.Direction)
	require.NotNil(t, sig.Entry)
	assert.Greater(t, sig.Entry.StopLoss, sig.Entry.Price)
	assert.Less(t, sig.Entry.TakeProfit, sig.Entry.Price)
	require.NoError(t, sig.Validate())
}

func TestCombineNeutralInsideThresholds(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(10, technical.VolNormal))

	sig := c.Combine(ctx)
	approveRisk(sig)
	c.Finalize(sig, ctx)

	assert.Equal(t, domain.DirectionNeutral, sig.Direction)
	assert.Nil(t, sig.Entry)
	assert.False(t, sig.Validity.IsValid)
	assert.True(t, strings.HasPrefix(sig.Validity.Reason, CheckDirectional))
	assert.Contains(t, sig.Validity.Decision.Blockers, CheckDirectional)
}

func TestFinalizeBreakerBlocks(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(120, technical.VolNormal))
	until := testNow.Add(10 * time.Minute)
	ctx.Quality = &quality.Report{
		Pair:           "EURUSD",
		Score:          75,
		Status:         quality.StatusHealthy,
		Recommendation: quality.RecommendBlock,
		BreakerActive:  true,
		BreakerReason:  "spread_critical",
		BreakerUntil:   &until,
	}

	sig := c.Combine(ctx)
	approveRisk(sig)
	c.Finalize(sig, ctx)

	assert.False(t, sig.Validity.IsValid)
	assert.False(t, sig.Validity.Checks[CheckCircuitBreaker])
	assert.Contains(t, sig.Validity.Reason, "circuit_breaker")
	assert.Equal(t, domain.DecisionBlocked, sig.Validity.Decision.State)
}

func TestFinalizeConfidenceFloorBreach(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(120, technical.VolNormal))
	ctx.Quality.ConfidenceFloor = 65 // scorer lands near 51 here

	sig := c.Combine(ctx)
	approveRisk(sig)
	c.Finalize(sig, ctx)

	assert.False(t, sig.Validity.IsValid)
	assert.False(t, sig.Validity.Checks[CheckConfidenceFloor])
	assert.Equal(t, domain.DecisionRejected, sig.Validity.Decision.State)
}

func TestFinalizeNewsConflict(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(120, technical.VolNormal))
	ctx.News = &news.Analysis{
		Pair:               "EURUSD",
		Score:              -40,
		Direction:          domain.DirectionSell,
		HighImpactImminent: true,
		Source:             "news",
	}

	sig := c.Combine(ctx)
	approveRisk(sig)
	c.Finalize(sig, ctx)

	assert.False(t, sig.Validity.Checks[CheckNewsConflict])
	assert.False(t, sig.Validity.IsValid)
}

func TestFinalizeRiskRefusalBlocks(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(120, technical.VolNormal))

	sig := c.Combine(ctx)
	sig.RiskManagement = domain.RiskManagement{
		CanTrade: false,
		Blockers: []string{"daily_risk_limit"},
	}
	c.Finalize(sig, ctx)

	assert.False(t, sig.Validity.IsValid)
	assert.False(t, sig.Validity.Checks[CheckCanTrade])
	assert.Equal(t, domain.DecisionBlocked, sig.Validity.Decision.State)
	assert.Contains(t, sig.Validity.Reason, "daily_risk_limit")
}

func TestCombineStrictModeStretchesTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strict = true
	c := newTestCombiner(cfg)
	ctx := buildContext(strongTechnical(120, technical.VolNormal))

	sig := c.Combine(ctx)
	approveRisk(sig)
	c.Finalize(sig, ctx)

	require.NotNil(t, sig.Entry)
	assert.InDelta(t, 2.5, sig.Entry.RiskReward, 1e-9)
	assert.True(t, sig.Validity.Checks[CheckRiskReward])
}

func TestCombineLowVolGeometry(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(120, technical.VolLow))

	sig := c.Combine(ctx)

	require.NotNil(t, sig.Entry)
	assert.InDelta(t, 2.2/1.2, sig.Entry.RiskReward, 1e-9)
	assert.False(t, sig.Entry.TrailingStop)
}

func TestCombineHighVolGeometry(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := buildContext(strongTechnical(120, technical.VolHigh))

	sig := c.Combine(ctx)

	require.NotNil(t, sig.Entry)
	assert.InDelta(t, 3.4/2.0, sig.Entry.RiskReward, 1e-9)
	assert.True(t, sig.Entry.TrailingStop)
}

func TestCombineMissingATRForcesNeutral(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	tech := strongTechnical(120, technical.VolNormal)
	tech.ATR = 0
	ctx := buildContext(tech)

	sig := c.Combine(ctx)

	assert.Equal(t, domain.DirectionNeutral, sig.Direction)
	assert.Nil(t, sig.Entry)
	require.NotEmpty(t, sig.Reasoning)
	assert.Contains(t, sig.Reasoning[0], "ATR unavailable")
}

func TestFinalizeRecordsMissingAnalyses(t *testing.T) {
	c := newTestCombiner(DefaultConfig())
	ctx := Context{Pair: domain.MustPair("EURUSD"), Quote: testQuote()}

	sig := c.Combine(ctx)
	c.Finalize(sig, ctx)

	missing := sig.Validity.Decision.Missing
	assert.Contains(t, missing, "technical_analysis")
	assert.Contains(t, missing, "economic_analysis")
	assert.Contains(t, missing, "news_analysis")
	assert.Contains(t, missing, "quality_report")
}

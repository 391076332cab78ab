package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/domain"
)

var testNow = time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)

func newTestEngine(cfg Config) *Engine {
	e := NewEngine(cfg, nil)
	e.SetClock(func() time.Time { return testNow })
	return e
}

func entrySignal(dir domain.Direction, price, sl, tp float64) *domain.Signal {
	return &domain.Signal{
		Pair:        "EURUSD",
		Direction:   dir,
		TimestampMs: testNow.UnixMilli(),
		Entry:       &domain.EntryPlan{Price: price, StopLoss: sl, TakeProfit: tp},
	}
}

func openTrade(pair string, dir domain.Direction, lots, entry float64, slPips float64) *domain.Trade {
	p := domain.MustPair(pair)
	sl := entry - slPips*p.PipSize()
	if dir == domain.DirectionSell {
		sl = entry + slPips*p.PipSize()
	}
	return &domain.Trade{
		Pair:         pair,
		Direction:    dir,
		PositionSize: lots,
		EntryPrice:   entry,
		StopLoss:     &sl,
	}
}

func TestEvaluateSizesFromStopDistance(t *testing.T) {
	e := newTestEngine(Config{})
	sig := entrySignal(domain.DirectionBuy, 1.0850, 1.0830, 1.0890)

	a := e.Evaluate(sig, domain.MustPair("EURUSD"))
	assert.True(t, a.CanTrade)
	assert.Empty(t, a.BlockedBy)
	assert.InDelta(t, 20, a.StopLossPips, 1e-6)
	// 1% of 10000 = 100 budget; 20 pips at $10/pip-lot.
	assert.InDelta(t, 0.5, a.PositionSize, 1e-9)
	assert.InDelta(t, 100, a.RiskAmount, 1e-6)
	assert.Equal(t, 1.0, a.AccountRiskPct)
}

func TestEvaluateJPYPipValue(t *testing.T) {
	e := newTestEngine(Config{})
	sig := entrySignal(domain.DirectionBuy, 155.00, 154.78, 155.40)
	sig.Pair = "USDJPY"

	a := e.Evaluate(sig, domain.MustPair("USDJPY"))
	assert.InDelta(t, 22, a.StopLossPips, 1e-6)
	// 100 / (22 * 6.8) floors to 0.66 lots.
	assert.InDelta(t, 0.66, a.PositionSize, 1e-9)
	assert.InDelta(t, 98.736, a.RiskAmount, 1e-3)
}

func TestEvaluateWithoutGeometryUsesFallbackStop(t *testing.T) {
	e := newTestEngine(Config{})
	sig := &domain.Signal{Pair: "EURUSD", Direction: domain.DirectionBuy}

	a := e.Evaluate(sig, domain.MustPair("EURUSD"))
	assert.InDelta(t, 22, a.StopLossPips, 1e-6)
	assert.InDelta(t, 0.45, a.PositionSize, 1e-9)
	assert.InDelta(t, 99, a.RiskAmount, 1e-6)
}

func TestEvaluateLotClamps(t *testing.T) {
	e := newTestEngine(Config{})

	tight := entrySignal(domain.DirectionBuy, 1.0850, 1.0849, 1.0890)
	a := e.Evaluate(tight, domain.MustPair("EURUSD"))
	assert.Equal(t, 5.0, a.PositionSize)

	wide := entrySignal(domain.DirectionBuy, 1.0850, 0.0850, 1.9999)
	a = e.Evaluate(wide, domain.MustPair("EURUSD"))
	assert.Equal(t, 0.01, a.PositionSize)
}

func TestKillSwitchBlocksEvaluate(t *testing.T) {
	e := newTestEngine(Config{})
	sig := entrySignal(domain.DirectionBuy, 1.0850, 1.0830, 1.0890)
	pair := domain.MustPair("EURUSD")

	e.KillSwitch().Engage("maintenance")
	a := e.Evaluate(sig, pair)
	assert.False(t, a.CanTrade)
	require.NotEmpty(t, a.BlockedBy)
	assert.Contains(t, a.BlockedBy[0], GateKillSwitch)
	assert.Contains(t, a.BlockedBy[0], "maintenance")

	e.KillSwitch().Release()
	a = e.Evaluate(sig, pair)
	assert.True(t, a.CanTrade)
}

func TestDailyRiskAccumulatesAndResetsAtMidnight(t *testing.T) {
	now := testNow
	e := NewEngine(Config{}, nil)
	e.SetClock(func() time.Time { return now })
	sig := entrySignal(domain.DirectionBuy, 1.3600, 1.3580, 1.3650)
	pair := domain.MustPair("USDCAD")

	// Five registered trades commit the full 5% daily budget.
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Register(openTrade("USDCAD", domain.DirectionBuy, 0.5, 1.3600, 20)))
	}

	a := e.Evaluate(sig, pair)
	assert.False(t, a.CanTrade)
	require.NotEmpty(t, a.BlockedBy)
	assert.True(t, strings.HasPrefix(a.BlockedBy[0], GateDailyRisk), a.BlockedBy[0])

	now = now.Add(24 * time.Hour)
	a = e.Evaluate(sig, pair)
	assert.True(t, a.CanTrade, "accumulator resets on the next UTC day")
}

func TestDailyRiskWarningNearBudget(t *testing.T) {
	e := newTestEngine(Config{})
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Register(openTrade("USDCAD", domain.DirectionBuy, 0.5, 1.3600, 20)))
	}

	// 400 committed + 100 candidate = exactly the 500 budget: allowed
	// but flagged.
	a := e.Evaluate(entrySignal(domain.DirectionBuy, 1.3600, 1.3580, 1.3650), domain.MustPair("USDCAD"))
	assert.True(t, a.CanTrade)
	require.NotEmpty(t, a.Warnings)
	assert.Contains(t, a.Warnings[0], GateDailyRisk)
}

func TestExposureGatePerCurrency(t *testing.T) {
	e := newTestEngine(Config{MaxDailyRiskPct: 50})
	require.NoError(t, e.Register(openTrade("USDCAD", domain.DirectionBuy, 3.75, 1.3600, 20)))
	require.NoError(t, e.Register(openTrade("USDCHF", domain.DirectionBuy, 3.75, 0.8900, 20)))

	// USD already carries 1500 of committed risk, the full 15% cap.
	sig := entrySignal(domain.DirectionBuy, 155.00, 154.80, 155.60)
	sig.Pair = "USDJPY"
	a := e.Evaluate(sig, domain.MustPair("USDJPY"))
	assert.False(t, a.CanTrade)
	require.NotEmpty(t, a.BlockedBy)
	assert.Contains(t, a.BlockedBy[0], GateExposure)
	assert.Contains(t, a.BlockedBy[0], "USD")
}

func TestClusterGateLimitsCorrelatedPositions(t *testing.T) {
	e := newTestEngine(Config{MaxDailyRiskPct: 50, MaxExposurePct: 100})
	require.NoError(t, e.Register(openTrade("EURUSD", domain.DirectionBuy, 0.5, 1.0850, 20)))

	// One open of a two-position cluster: pass with a warning.
	a := e.Evaluate(entrySignal(domain.DirectionBuy, 1.2700, 1.2680, 1.2750), domain.MustPair("GBPUSD"))
	assert.True(t, a.CanTrade)
	require.NotEmpty(t, a.Warnings)
	assert.Contains(t, a.Warnings[0], GateCluster)

	require.NoError(t, e.Register(openTrade("GBPUSD", domain.DirectionBuy, 0.5, 1.2700, 20)))

	a = e.Evaluate(entrySignal(domain.DirectionBuy, 0.8540, 0.8520, 0.8590), domain.MustPair("EURGBP"))
	assert.False(t, a.CanTrade)
	require.NotEmpty(t, a.BlockedBy)
	assert.Contains(t, a.BlockedBy[0], GateCluster)

	// Pairs outside every cluster never trip it.
	a = e.Evaluate(entrySignal(domain.DirectionBuy, 1.3600, 1.3580, 1.3650), domain.MustPair("USDCAD"))
	assert.True(t, a.CanTrade)
}

func TestVaRGateBlocksAfterLossStreak(t *testing.T) {
	now := testNow
	e := NewEngine(Config{}, nil)
	e.SetClock(func() time.Time { return now })

	// Twelve closed trades each losing about 4% of the balance.
	for i := 0; i < 12; i++ {
		tr := &domain.Trade{
			Pair:         "EURUSD",
			Direction:    domain.DirectionBuy,
			PositionSize: 2.0,
			EntryPrice:   1.1000,
		}
		require.NoError(t, e.Register(tr))
		_, err := e.Close(tr.ID, 1.0980, "sl")
		require.NoError(t, err)
	}

	// Next day the daily accumulator is clean; only VaR can block.
	now = now.Add(24 * time.Hour)
	a := e.Evaluate(entrySignal(domain.DirectionBuy, 1.0850, 1.0830, 1.0890), domain.MustPair("EURUSD"))
	assert.False(t, a.CanTrade)
	require.Len(t, a.BlockedBy, 1)
	assert.Contains(t, a.BlockedBy[0], GateVaR)

	snap := e.Snapshot()
	assert.Equal(t, 12, snap.VaRSamples)
	assert.Greater(t, snap.VaR95Pct, 3.0)
}

func TestVaRGatePassesBelowSampleFloor(t *testing.T) {
	now := testNow
	e := NewEngine(Config{}, nil)
	e.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		tr := &domain.Trade{Pair: "EURUSD", Direction: domain.DirectionBuy, PositionSize: 2.0, EntryPrice: 1.1000}
		require.NoError(t, e.Register(tr))
		_, err := e.Close(tr.ID, 1.0950, "sl")
		require.NoError(t, err)
	}

	now = now.Add(24 * time.Hour)
	a := e.Evaluate(entrySignal(domain.DirectionBuy, 1.0850, 1.0830, 1.0890), domain.MustPair("EURUSD"))
	assert.True(t, a.CanTrade)
}

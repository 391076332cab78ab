package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/domain"
)

func TestCloseRealizesPnL(t *testing.T) {
	e := newTestEngine(Config{})
	tr := openTrade("EURUSD", domain.DirectionBuy, 0.5, 1.0850, 20)
	require.NoError(t, e.Register(tr))
	require.NotEmpty(t, tr.ID)

	closed, err := e.Close(tr.ID, 1.0890, "tp")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, closed.Status)
	assert.Equal(t, "tp", closed.CloseReason)
	require.NotNil(t, closed.FinalPnL)
	// +40 pips on half a lot at $10/pip-lot.
	assert.InDelta(t, 200, *closed.FinalPnL, 1e-6)
	require.NotNil(t, closed.CloseTime)
	assert.Equal(t, testNow, *closed.CloseTime)

	assert.InDelta(t, 10200, e.Balance(), 1e-6)
	assert.Empty(t, e.OpenTrades())
	require.Len(t, e.ClosedTrades(0), 1)

	_, err = e.Close(tr.ID, 1.0900, "again")
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestCloseSellSide(t *testing.T) {
	e := newTestEngine(Config{})
	tr := openTrade("USDJPY", domain.DirectionSell, 1.0, 155.00, 20)
	require.NoError(t, e.Register(tr))

	closed, err := e.Close(tr.ID, 154.60, "tp")
	require.NoError(t, err)
	// +40 pips on one lot at the JPY pip value.
	assert.InDelta(t, 40*6.8, *closed.FinalPnL, 1e-6)
}

func TestCancelSkipsPnL(t *testing.T) {
	e := newTestEngine(Config{})
	tr := openTrade("EURUSD", domain.DirectionBuy, 0.5, 1.0850, 20)
	require.NoError(t, e.Register(tr))

	cancelled, err := e.Cancel(tr.ID, "order rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, cancelled.Status)
	assert.Nil(t, cancelled.FinalPnL)
	assert.InDelta(t, 10000, e.Balance(), 1e-9)
	assert.Empty(t, e.Snapshot().Exposure)
}

func TestUpdateMarkFeedsEquity(t *testing.T) {
	e := newTestEngine(Config{})
	tr := openTrade("EURUSD", domain.DirectionBuy, 1.0, 1.0850, 20)
	require.NoError(t, e.Register(tr))

	require.NoError(t, e.UpdateMark(tr.ID, 1.0860))
	require.NotNil(t, tr.CurrentPnL)
	assert.InDelta(t, 100, *tr.CurrentPnL, 1e-6)

	snap := e.Snapshot()
	assert.InDelta(t, 10000, snap.Balance, 1e-9)
	assert.InDelta(t, 10100, snap.Equity, 1e-6)

	assert.ErrorIs(t, e.UpdateMark("missing", 1.0), ErrTradeNotFound)
}

func TestModifyLevels(t *testing.T) {
	e := newTestEngine(Config{})
	tr := openTrade("EURUSD", domain.DirectionBuy, 0.5, 1.0850, 20)
	originalTP := tr.TakeProfit
	require.NoError(t, e.Register(tr))

	sl := 1.0840
	got, err := e.ModifyLevels(tr.ID, &sl, nil)
	require.NoError(t, err)
	require.NotNil(t, got.StopLoss)
	assert.Equal(t, 1.0840, *got.StopLoss)
	assert.Equal(t, originalTP, got.TakeProfit)

	_, err = e.ModifyLevels("missing", &sl, nil)
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEngine(Config{})

	assert.Error(t, e.Register(nil))
	assert.Error(t, e.Register(&domain.Trade{Pair: "??", PositionSize: 1}))
	assert.Error(t, e.Register(&domain.Trade{Pair: "EURUSD"}))
	assert.Error(t, e.Register(&domain.Trade{Pair: "EURUSD", PositionSize: 1, Status: domain.TradeClosed}))

	tr := openTrade("EURUSD", domain.DirectionBuy, 0.5, 1.0850, 20)
	tr.ID = "fixed-id"
	require.NoError(t, e.Register(tr))
	dup := openTrade("EURUSD", domain.DirectionBuy, 0.5, 1.0850, 20)
	dup.ID = "fixed-id"
	assert.ErrorContains(t, e.Register(dup), "duplicate")

	auto := openTrade("GBPUSD", domain.DirectionBuy, 0.5, 1.2700, 20)
	require.NoError(t, e.Register(auto))
	assert.Len(t, auto.ID, 36)
	assert.Equal(t, testNow, auto.OpenTime)
}

func TestSnapshotExposureByCurrency(t *testing.T) {
	e := newTestEngine(Config{})
	require.NoError(t, e.Register(openTrade("EURUSD", domain.DirectionBuy, 0.5, 1.0850, 20)))
	require.NoError(t, e.Register(openTrade("GBPUSD", domain.DirectionSell, 1.0, 1.2700, 20)))

	snap := e.Snapshot()
	assert.Equal(t, 2, snap.OpenTrades)
	assert.InDelta(t, 100, snap.Exposure["EUR"], 1e-6)
	assert.InDelta(t, 200, snap.Exposure["GBP"], 1e-6)
	assert.InDelta(t, 300, snap.Exposure["USD"], 1e-6)
	assert.InDelta(t, 300, snap.DailyRiskUsed, 1e-6)
	assert.InDelta(t, 3.0, snap.DailyRiskUsedPct, 1e-6)
	assert.Equal(t, 5.0, snap.DailyRiskCapPct)
	assert.False(t, snap.KillSwitch.Engaged)
}

func TestClosedTradesNewestFirst(t *testing.T) {
	e := newTestEngine(Config{})
	var ids []string
	for i := 0; i < 3; i++ {
		tr := openTrade("EURUSD", domain.DirectionBuy, 0.1, 1.0850, 20)
		require.NoError(t, e.Register(tr))
		ids = append(ids, tr.ID)
		_, err := e.Close(tr.ID, 1.0860, "tp")
		require.NoError(t, err)
	}

	got := e.ClosedTrades(2)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	lookup, ok := e.Trade(ids[0])
	require.True(t, ok)
	assert.Equal(t, domain.TradeClosed, lookup.Status)
}

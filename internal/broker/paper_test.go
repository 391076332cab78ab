package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/domain"
)

func TestPaperOpenCloseSettlesProfit(t *testing.T) {
	p := NewPaper(10000)
	p.SetClock(func() time.Time { return testStamp })

	res, err := p.OpenPosition(context.Background(), &domain.OrderRequest{
		Pair: "EURUSD", Direction: domain.DirectionBuy, Volume: 0.5, Price: 1.0850,
	})
	require.NoError(t, err)
	assert.Len(t, res.Ticket, 36)
	assert.Equal(t, "filled", res.Status)
	assert.Equal(t, 1.0850, res.Price)
	assert.Equal(t, testStamp, res.ExecutedAt)

	positions, err := p.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "EURUSD", positions[0].Pair)

	// +40 pips on 0.5 lots at $10/pip-lot: +200.
	closed, err := p.ClosePosition(context.Background(), &domain.OrderRequest{ID: res.Ticket, Price: 1.0890})
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.InDelta(t, 10200.0, p.Balance(), 1e-9)

	positions, err = p.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperSellProfitOnJPYPair(t *testing.T) {
	p := NewPaper(10000)

	res, err := p.OpenPosition(context.Background(), &domain.OrderRequest{
		Pair: "USDJPY", Direction: domain.DirectionSell, Volume: 1, Price: 155.00,
	})
	require.NoError(t, err)

	// SELL closed 40 pips lower: +40 * 6.8.
	_, err = p.ClosePosition(context.Background(), &domain.OrderRequest{ID: res.Ticket, Price: 154.60})
	require.NoError(t, err)
	assert.InDelta(t, 10272.0, p.Balance(), 1e-6)
}

func TestPaperOpenRequiresPrice(t *testing.T) {
	p := NewPaper(10000)
	_, err := p.OpenPosition(context.Background(), &domain.OrderRequest{
		Pair: "EURUSD", Direction: domain.DirectionBuy, Volume: 0.5,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price required")
}

func TestPaperCloseUnknownTicket(t *testing.T) {
	p := NewPaper(10000)
	_, err := p.ClosePosition(context.Background(), &domain.OrderRequest{ID: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `position "nope" not found`)
}

func TestPaperModifyUpdatesStops(t *testing.T) {
	p := NewPaper(10000)
	res, err := p.OpenPosition(context.Background(), &domain.OrderRequest{
		Pair: "EURUSD", Direction: domain.DirectionBuy, Volume: 0.5, Price: 1.0850,
	})
	require.NoError(t, err)

	sl := 1.0800
	mod, err := p.ModifyPosition(context.Background(), &domain.OrderRequest{ID: res.Ticket, StopLoss: &sl})
	require.NoError(t, err)
	require.NotNil(t, mod.StopLoss)
	assert.Equal(t, 1.0800, *mod.StopLoss)
	assert.Nil(t, mod.TakeProfit)

	positions, err := p.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.NotNil(t, positions[0].StopLoss)
	assert.Equal(t, 1.0800, *positions[0].StopLoss)
}

func TestPaperAlwaysConnected(t *testing.T) {
	p := NewPaper(10000)
	assert.True(t, p.Enabled())
	assert.True(t, p.Connected(context.Background()))
	assert.Equal(t, ModePaper, p.AccountMode())

	info, err := p.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, info.Balance)
	assert.Equal(t, ModePaper, info.Mode)
}

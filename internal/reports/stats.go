// Package reports renders the scheduled operational artifacts: the
// daily risk report and the performance digest. Reports read the trade
// ledger, write their artifacts and publish on the alert bus.
package reports

import (
	"sort"

	"github.com/meridianfx/meridian/internal/domain"
)

// profitFactorCap keeps a loss-free ledger JSON-encodable.
const profitFactorCap = 999.0

// TradeStats aggregates closed-trade performance. Wins and losses are
// split on realized PnL; break-even trades count as losses.
type TradeStats struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate_pct"`
	NetPnL       float64 `json:"net_pnl"`
	GrossWin     float64 `json:"gross_win"`
	GrossLoss    float64 `json:"gross_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	Expectancy   float64 `json:"expectancy"`
}

// ComputeStats folds realized results over the closed trades. Trades
// without a final PnL (cancelled, errored) are skipped.
func ComputeStats(closed []*domain.Trade) TradeStats {
	var s TradeStats
	for _, t := range closed {
		if t == nil || t.FinalPnL == nil {
			continue
		}
		pnl := *t.FinalPnL
		s.Trades++
		s.NetPnL += pnl
		if pnl > 0 {
			s.Wins++
			s.GrossWin += pnl
		} else {
			s.Losses++
			s.GrossLoss += -pnl
		}
	}
	if s.Trades == 0 {
		return s
	}
	s.WinRate = 100 * float64(s.Wins) / float64(s.Trades)
	switch {
	case s.GrossLoss > 0:
		s.ProfitFactor = s.GrossWin / s.GrossLoss
		if s.ProfitFactor > profitFactorCap {
			s.ProfitFactor = profitFactorCap
		}
	case s.GrossWin > 0:
		s.ProfitFactor = profitFactorCap
	}
	if s.Wins > 0 {
		s.AvgWin = s.GrossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = s.GrossLoss / float64(s.Losses)
	}
	s.Expectancy = s.NetPnL / float64(s.Trades)
	return s
}

// PairPerformance is one pair's closed-trade aggregate.
type PairPerformance struct {
	Pair    string  `json:"pair"`
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate_pct"`
	NetPnL  float64 `json:"net_pnl"`
}

// PerformanceByPair groups closed trades per pair, best net PnL first.
func PerformanceByPair(closed []*domain.Trade) []PairPerformance {
	byPair := make(map[string]*PairPerformance)
	for _, t := range closed {
		if t == nil || t.FinalPnL == nil {
			continue
		}
		p, ok := byPair[t.Pair]
		if !ok {
			p = &PairPerformance{Pair: t.Pair}
			byPair[t.Pair] = p
		}
		p.Trades++
		p.NetPnL += *t.FinalPnL
		if *t.FinalPnL > 0 {
			p.Wins++
		}
	}
	out := make([]PairPerformance, 0, len(byPair))
	for _, p := range byPair {
		p.WinRate = 100 * float64(p.Wins) / float64(p.Trades)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetPnL != out[j].NetPnL {
			return out[i].NetPnL > out[j].NetPnL
		}
		return out[i].Pair < out[j].Pair
	})
	return out
}

// TradeLine is one trade row in a rendered report.
type TradeLine struct {
	ID        string  `json:"id"`
	Pair      string  `json:"pair"`
	Direction string  `json:"direction"`
	Size      float64 `json:"size"`
	Entry     float64 `json:"entry"`
	PnL       float64 `json:"pnl"`
	Reason    string  `json:"reason,omitempty"`
}

func tradeLine(t *domain.Trade) TradeLine {
	line := TradeLine{
		ID:        t.ID,
		Pair:      t.Pair,
		Direction: string(t.Direction),
		Size:      t.PositionSize,
		Entry:     t.EntryPrice,
		Reason:    t.CloseReason,
	}
	switch {
	case t.FinalPnL != nil:
		line.PnL = *t.FinalPnL
	case t.CurrentPnL != nil:
		line.PnL = *t.CurrentPnL
	}
	return line
}

// topAndBottom picks the n best and n worst realized trades.
func topAndBottom(closed []*domain.Trade, n int) (top, bottom []TradeLine) {
	realized := make([]*domain.Trade, 0, len(closed))
	for _, t := range closed {
		if t != nil && t.FinalPnL != nil {
			realized = append(realized, t)
		}
	}
	sort.Slice(realized, func(i, j int) bool { return *realized[i].FinalPnL > *realized[j].FinalPnL })
	for i := 0; i < len(realized) && i < n; i++ {
		top = append(top, tradeLine(realized[i]))
	}
	for i := len(realized) - 1; i >= 0 && len(bottom) < n; i-- {
		if *realized[i].FinalPnL >= 0 {
			break
		}
		bottom = append(bottom, tradeLine(realized[i]))
	}
	return top, bottom
}

func tradeLines(trades []*domain.Trade) []TradeLine {
	out := make([]TradeLine, 0, len(trades))
	for _, t := range trades {
		if t != nil {
			out = append(out, tradeLine(t))
		}
	}
	return out
}

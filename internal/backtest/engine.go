// Package backtest replays entry candidates over historical bars to
// estimate whether a signal's edge survives its own recent past.
package backtest

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/meridianfx/meridian/internal/domain"
)

// Exit reasons.
const (
	ExitTakeProfit = "tp"
	ExitStopLoss   = "sl"
	ExitHold       = "hold"
)

// profitFactorCap stands in for +Inf when no losing trades occurred;
// the summary must stay JSON-encodable.
const profitFactorCap = 999.0

// Params shape one engine run. TP/SL are in pips.
type Params struct {
	Direction      domain.Direction
	TakeProfitPips float64
	StopLossPips   float64
	HoldBars       int
	Stride         int
	PipSize        float64
	BarPeriod      time.Duration
}

func (p Params) validate() error {
	if !p.Direction.Directional() {
		return fmt.Errorf("backtest: direction %q not directional", p.Direction)
	}
	if p.TakeProfitPips <= 0 || p.StopLossPips <= 0 {
		return fmt.Errorf("backtest: non-positive tp/sl pips")
	}
	if p.HoldBars < 1 {
		return fmt.Errorf("backtest: holdBars %d below 1", p.HoldBars)
	}
	if p.Stride < 1 {
		return fmt.Errorf("backtest: stride %d below 1", p.Stride)
	}
	if p.PipSize <= 0 {
		return fmt.Errorf("backtest: non-positive pip size")
	}
	if p.BarPeriod <= 0 {
		return fmt.Errorf("backtest: non-positive bar period")
	}
	return nil
}

// Trade is one simulated entry/exit.
type Trade struct {
	EntryIndex int     `json:"entry_index"`
	ExitIndex  int     `json:"exit_index"`
	Entry      float64 `json:"entry"`
	Exit       float64 `json:"exit"`
	ExitReason string  `json:"exit_reason"`
	Pips       float64 `json:"pips"`
	ReturnPct  float64 `json:"return_pct"`
}

// Summary aggregates a run.
type Summary struct {
	Trades          int     `json:"trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"win_rate"`
	ProfitFactor    float64 `json:"profit_factor"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	Sharpe          float64 `json:"sharpe"`
	ExpectancyPct   float64 `json:"expectancy_pct"`
	NetPips         float64 `json:"net_pips"`
	GrossProfitPips float64 `json:"gross_profit_pips"`
	GrossLossPips   float64 `json:"gross_loss_pips"`
}

// Result carries the summary plus the raw trades for inspection.
type Result struct {
	Summary Summary `json:"summary"`
	Trades  []Trade `json:"trades,omitempty"`
}

// Run replays same-direction entries at the configured stride. Each entry
// fills at the candidate bar's close and exits on the first touched level
// within holdBars, stop checked before target inside a bar, otherwise at
// the hold horizon's close.
func Run(bars []domain.Bar, p Params) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(bars) < p.HoldBars+2 {
		return nil, fmt.Errorf("backtest: %d bars insufficient for holdBars %d", len(bars), p.HoldBars)
	}

	tp := p.TakeProfitPips * p.PipSize
	sl := p.StopLossPips * p.PipSize

	var trades []Trade
	for i := 0; i+1 < len(bars); i += p.Stride {
		entry := bars[i].Close
		if entry <= 0 {
			continue
		}
		trades = append(trades, simulate(bars, i, entry, tp, sl, p))
	}
	return &Result{Summary: summarize(trades, p), Trades: trades}, nil
}

func simulate(bars []domain.Bar, entryIdx int, entry, tp, sl float64, p Params) Trade {
	long := p.Direction == domain.DirectionBuy
	var target, stop float64
	if long {
		target, stop = entry+tp, entry-sl
	} else {
		target, stop = entry-tp, entry+sl
	}

	last := entryIdx + p.HoldBars
	if last >= len(bars) {
		last = len(bars) - 1
	}

	for j := entryIdx + 1; j <= last; j++ {
		b := bars[j]
		if long {
			if b.Low <= stop {
				return closeTrade(entryIdx, j, entry, stop, ExitStopLoss, p)
			}
			if b.High >= target {
				return closeTrade(entryIdx, j, entry, target, ExitTakeProfit, p)
			}
		} else {
			if b.High >= stop {
				return closeTrade(entryIdx, j, entry, stop, ExitStopLoss, p)
			}
			if b.Low <= target {
				return closeTrade(entryIdx, j, entry, target, ExitTakeProfit, p)
			}
		}
	}
	return closeTrade(entryIdx, last, entry, bars[last].Close, ExitHold, p)
}

func closeTrade(entryIdx, exitIdx int, entry, exit float64, reason string, p Params) Trade {
	sign := 1.0
	if p.Direction == domain.DirectionSell {
		sign = -1
	}
	pips := sign * (exit - entry) / p.PipSize
	return Trade{
		EntryIndex: entryIdx,
		ExitIndex:  exitIdx,
		Entry:      entry,
		Exit:       exit,
		ExitReason: reason,
		Pips:       pips,
		ReturnPct:  sign * (exit - entry) / entry * 100,
	}
}

func summarize(trades []Trade, p Params) Summary {
	s := Summary{Trades: len(trades)}
	if len(trades) == 0 {
		return s
	}

	returns := make([]float64, len(trades))
	equity := 0.0
	peak := 0.0
	for i, t := range trades {
		returns[i] = t.ReturnPct
		s.NetPips += t.Pips
		if t.Pips > 0 {
			s.Wins++
			s.GrossProfitPips += t.Pips
		} else if t.Pips < 0 {
			s.Losses++
			s.GrossLossPips += -t.Pips
		}
		equity += t.ReturnPct
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > s.MaxDrawdownPct {
			s.MaxDrawdownPct = dd
		}
	}

	s.WinRate = float64(s.Wins) / float64(len(trades))
	if s.GrossLossPips > 0 {
		s.ProfitFactor = math.Min(profitFactorCap, s.GrossProfitPips/s.GrossLossPips)
	} else if s.GrossProfitPips > 0 {
		s.ProfitFactor = profitFactorCap
	}
	s.ExpectancyPct = stat.Mean(returns, nil)
	if len(returns) > 1 {
		if sd := stat.StdDev(returns, nil); sd > 0 {
			s.Sharpe = s.ExpectancyPct / sd * annualizationFactor(p)
		}
	}
	return s
}

// annualizationFactor scales per-trade Sharpe by the root of the trade
// frequency implied by the stride and bar period.
func annualizationFactor(p Params) float64 {
	const secondsPerYear = 365.25 * 24 * 3600
	perTrade := float64(p.Stride) * p.BarPeriod.Seconds()
	return math.Sqrt(secondsPerYear / perTrade)
}

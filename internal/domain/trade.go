package domain

import "time"

// TradeStatus is the lifecycle state of a managed trade.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeError     TradeStatus = "ERROR"
)

// Trade is an executed position tracked by the trade manager. Transitions
// are monotone: OPEN may move to CLOSED, CANCELLED or ERROR and nothing
// moves back to OPEN.
type Trade struct {
	ID           string      `json:"id"`
	Pair         string      `json:"pair"`
	Direction    Direction   `json:"direction"`
	PositionSize float64     `json:"position_size"`
	EntryPrice   float64     `json:"entry_price"`
	StopLoss     *float64    `json:"stop_loss,omitempty"`
	TakeProfit   *float64    `json:"take_profit,omitempty"`
	OpenTime     time.Time   `json:"open_time"`
	CloseTime    *time.Time  `json:"close_time,omitempty"`
	Status       TradeStatus `json:"status"`
	CloseReason  string      `json:"close_reason,omitempty"`
	Broker       string      `json:"broker,omitempty"`
	CurrentPnL   *float64    `json:"current_pnl,omitempty"`
	FinalPnL     *float64    `json:"final_pnl,omitempty"`
}

// CanTransition reports whether moving to the target status is legal.
func (t *Trade) CanTransition(to TradeStatus) bool {
	if t.Status == to {
		return false
	}
	switch t.Status {
	case TradeOpen:
		return to == TradeClosed || to == TradeCancelled || to == TradeError
	default:
		return false
	}
}

// IsOpen reports whether the trade still holds market exposure.
func (t *Trade) IsOpen() bool { return t.Status == TradeOpen }

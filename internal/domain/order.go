package domain

import (
	"fmt"
	"strings"
)

// OrderRequest is the broker router input envelope. Callers may populate
// alias fields (symbol, type, sl, tp, ticket); Normalize folds them into
// the canonical ones before dispatch.
type OrderRequest struct {
	Broker     string    `json:"broker,omitempty"`
	Pair       string    `json:"pair,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
	Type       string    `json:"type,omitempty"`
	Volume     float64   `json:"volume,omitempty"`
	Price      float64   `json:"price,omitempty"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	SL         *float64  `json:"sl,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
	TP         *float64  `json:"tp,omitempty"`
	ID         string    `json:"id,omitempty"`
	Ticket     string    `json:"ticket,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Source     string    `json:"source,omitempty"`
	TradeID    string    `json:"trade_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Normalize resolves alias fields and upper-cases the pair. It is
// idempotent and returns an error only when both alias and canonical
// fields are present and disagree.
func (o *OrderRequest) Normalize() error {
	if o.Pair == "" {
		o.Pair = o.Symbol
	} else if o.Symbol != "" && !strings.EqualFold(o.Pair, o.Symbol) {
		return fmt.Errorf("normalize order: pair %q conflicts with symbol %q", o.Pair, o.Symbol)
	}
	o.Pair = strings.ToUpper(strings.TrimSpace(o.Pair))
	o.Symbol = o.Pair

	if o.Direction == "" && o.Type != "" {
		switch strings.ToUpper(o.Type) {
		case "BUY", "LONG":
			o.Direction = DirectionBuy
		case "SELL", "SHORT":
			o.Direction = DirectionSell
		default:
			return fmt.Errorf("normalize order: unknown type %q", o.Type)
		}
	}
	o.Direction = Direction(strings.ToUpper(string(o.Direction)))

	if o.StopLoss == nil {
		o.StopLoss = o.SL
	}
	if o.TakeProfit == nil {
		o.TakeProfit = o.TP
	}
	if o.ID == "" {
		o.ID = o.Ticket
	} else if o.Ticket == "" {
		o.Ticket = o.ID
	}
	return nil
}

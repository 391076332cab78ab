// Package broker routes normalized order envelopes to pluggable broker
// connectors. The router owns connector selection, the kill-switch gate
// and trade bookkeeping; connectors only translate calls onto their
// back-end's wire format.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

// Account modes a connector can report.
const (
	ModeDemo  = "demo"
	ModeLive  = "live"
	ModePaper = "paper"
)

// Router event names. These are the broker-originated frame types the
// WebSocket hub broadcasts; the set is closed.
const (
	EventAutoTradeAttempt  = "auto_trade_attempt"
	EventAutoTradeRejected = "auto_trade_rejected"
	EventTradeOpened       = "trade_opened"
	EventTradeClosed       = "trade_closed"
	EventStopModified      = "trade_stop_modified"
	EventStopModifyFailed  = "trade_stop_modify_failed"
)

// ErrNoConnectedBrokers is returned when routing finds no connector able
// to take the order.
var ErrNoConnectedBrokers = errors.New("no_connected_brokers")

// ErrTradingScopeSignals is returned for order opens while the platform
// runs in signals-only scope.
var ErrTradingScopeSignals = errors.New("trading_scope:signals")

// AccountInfo is a broker account snapshot normalized across connectors.
type AccountInfo struct {
	Broker     string  `json:"broker"`
	AccountID  string  `json:"account_id"`
	Mode       string  `json:"mode"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
}

// Position is one open position as the broker reports it.
type Position struct {
	Ticket     string           `json:"ticket"`
	Pair       string           `json:"pair"`
	Direction  domain.Direction `json:"direction"`
	Volume     float64          `json:"volume"`
	OpenPrice  float64          `json:"open_price"`
	StopLoss   *float64         `json:"stop_loss,omitempty"`
	TakeProfit *float64         `json:"take_profit,omitempty"`
	Profit     float64          `json:"profit"`
	OpenTime   time.Time        `json:"open_time"`
}

// OrderResult is the normalized outcome of an open, close or modify call.
type OrderResult struct {
	Broker       string           `json:"broker"`
	Ticket       string           `json:"ticket"`
	Pair         string           `json:"pair"`
	Direction    domain.Direction `json:"direction,omitempty"`
	Volume       float64          `json:"volume,omitempty"`
	Price        float64          `json:"price,omitempty"`
	StopLoss     *float64         `json:"stop_loss,omitempty"`
	TakeProfit   *float64         `json:"take_profit,omitempty"`
	SlippagePips float64          `json:"slippage_pips,omitempty"`
	Status       string           `json:"status"`
	ExecutedAt   time.Time        `json:"executed_at"`
}

// Connector is one broker back-end. Connected probes liveness and must
// honor the context deadline; the remaining calls translate directly to
// the back-end API.
type Connector interface {
	ID() string
	Enabled() bool
	Connected(ctx context.Context) bool
	AccountMode() string
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	Positions(ctx context.Context) ([]Position, error)
	OpenPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error)
	ClosePosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error)
	ModifyPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error)
}

// QuoteSource is an optional connector capability: terminal-cached market
// quotes, served by the MT bridge read endpoints.
type QuoteSource interface {
	MarketQuotes(ctx context.Context, maxAge time.Duration) ([]domain.Quote, error)
}

// Observer receives per-call telemetry; implementations must be fast.
type Observer interface {
	BrokerCall(broker, operation, outcome string, slippagePips float64)
}

// EventSink receives router lifecycle events for broadcast. Calls are
// fire-and-forget; implementations must not block.
type EventSink func(event string, payload any)

// TradeBook records fills and closes. *risk.Engine satisfies it; a nil
// book leaves bookkeeping to the caller.
type TradeBook interface {
	Register(t *domain.Trade) error
	Close(id string, price float64, reason string) (*domain.Trade, error)
	ModifyLevels(id string, sl, tp *float64) (*domain.Trade, error)
	Trade(id string) (*domain.Trade, bool)
}

// KillGate is the router's view of the kill switch.
type KillGate interface {
	Check() error
}

type nopObserver struct{}

func (nopObserver) BrokerCall(string, string, string, float64) {}

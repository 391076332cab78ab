package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
)

// RouterConfig fixes routing behavior at construction.
type RouterConfig struct {
	// DefaultBroker takes orders that name no preference.
	DefaultBroker string
	// SignalsOnly refuses every order open with trading_scope:signals.
	SignalsOnly bool
}

// Status is one connector's routing view, for health surfaces.
type Status struct {
	ID        string `json:"id"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Mode      string `json:"mode"`
	Default   bool   `json:"default"`
}

// Router dispatches normalized order envelopes to the preferred, default
// or first connected connector, in that order. The kill switch gates
// opens and stop modifications before any connector is touched; closes
// stay allowed because they only reduce exposure.
type Router struct {
	cfg    RouterConfig
	kill   KillGate
	book   TradeBook
	obs    Observer
	events EventSink

	mu    sync.RWMutex
	order []string
	conns map[string]Connector
}

// NewRouter builds a router with no connectors. A nil gate never blocks.
func NewRouter(cfg RouterConfig, kill KillGate) *Router {
	return &Router{
		cfg:   cfg,
		kill:  kill,
		obs:   nopObserver{},
		conns: make(map[string]Connector),
	}
}

// Register adds or replaces a connector under its own id.
func (r *Router) Register(c Connector) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.ID()
	if _, exists := r.conns[id]; !exists {
		r.order = append(r.order, id)
	}
	r.conns[id] = c
	log.Info().Str("broker", id).Str("mode", c.AccountMode()).Bool("enabled", c.Enabled()).
		Msg("broker connector registered")
}

// SetTradeBook wires fill bookkeeping. Book errors never fail a call.
func (r *Router) SetTradeBook(b TradeBook) { r.book = b }

// SetObserver wires call telemetry.
func (r *Router) SetObserver(o Observer) {
	if o != nil {
		r.obs = o
	}
}

// SetEventSink wires lifecycle event broadcast.
func (r *Router) SetEventSink(s EventSink) { r.events = s }

// Connector returns a registered connector by id.
func (r *Router) Connector(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Connectors returns all connectors in registration order.
func (r *Router) Connectors() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// Statuses probes every connector once.
func (r *Router) Statuses(ctx context.Context) []Status {
	out := make([]Status, 0, len(r.order))
	for _, c := range r.Connectors() {
		out = append(out, Status{
			ID:        c.ID(),
			Enabled:   c.Enabled(),
			Connected: c.Enabled() && c.Connected(ctx),
			Mode:      c.AccountMode(),
			Default:   c.ID() == r.cfg.DefaultBroker,
		})
	}
	return out
}

// OpenPosition routes a new order. It emits auto_trade_attempt on entry
// and exactly one of trade_opened or auto_trade_rejected before
// returning. On fill the trade is registered with the book under the
// broker ticket.
func (r *Router) OpenPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	r.emit(EventAutoTradeAttempt, req)
	if err := req.Normalize(); err != nil {
		return nil, r.reject("open", req, err)
	}
	if err := validateOpen(req); err != nil {
		return nil, r.reject("open", req, err)
	}
	if err := r.killCheck(); err != nil {
		return nil, r.reject("open", req, err)
	}
	if r.cfg.SignalsOnly {
		return nil, r.reject("open", req, ErrTradingScopeSignals)
	}

	c, err := r.pick(ctx, req.Broker)
	if err != nil {
		return nil, r.reject("open", req, err)
	}

	res, err := c.OpenPosition(ctx, req)
	if err != nil {
		r.obs.BrokerCall(c.ID(), "open", "error", 0)
		r.emit(EventAutoTradeRejected, rejection(req, c.ID(), err))
		log.Error().Err(err).Str("broker", c.ID()).Str("pair", req.Pair).Msg("order open failed")
		return nil, fmt.Errorf("%s open: %w", c.ID(), err)
	}

	r.obs.BrokerCall(c.ID(), "open", "ok", res.SlippagePips)
	r.emit(EventTradeOpened, res)
	r.bookFill(req, res)
	log.Info().Str("broker", c.ID()).Str("pair", res.Pair).Str("ticket", res.Ticket).
		Float64("volume", res.Volume).Float64("price", res.Price).Msg("position opened")
	return res, nil
}

// ClosePosition routes a close. The kill switch does not apply: closing
// only sheds risk.
func (r *Router) ClosePosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("close order: missing ticket")
	}

	c, err := r.pick(ctx, r.brokerFor(req))
	if err != nil {
		return nil, err
	}

	res, err := c.ClosePosition(ctx, req)
	if err != nil {
		r.obs.BrokerCall(c.ID(), "close", "error", 0)
		log.Error().Err(err).Str("broker", c.ID()).Str("ticket", req.ID).Msg("order close failed")
		return nil, fmt.Errorf("%s close: %w", c.ID(), err)
	}

	r.obs.BrokerCall(c.ID(), "close", "ok", res.SlippagePips)
	r.emit(EventTradeClosed, res)
	r.bookClose(req, res)
	log.Info().Str("broker", c.ID()).Str("ticket", res.Ticket).Float64("price", res.Price).
		Str("reason", req.Reason).Msg("position closed")
	return res, nil
}

// ModifyPosition routes a stop-loss / take-profit change. The kill
// switch rejects it before any connector is invoked.
func (r *Router) ModifyPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("modify order: missing ticket")
	}
	if err := r.killCheck(); err != nil {
		r.obs.BrokerCall(brokerLabel(req), "modify", "rejected", 0)
		r.emit(EventStopModifyFailed, rejection(req, req.Broker, err))
		log.Warn().Err(err).Str("ticket", req.ID).Msg("stop modify rejected")
		return nil, err
	}

	c, err := r.pick(ctx, r.brokerFor(req))
	if err != nil {
		r.obs.BrokerCall(brokerLabel(req), "modify", "rejected", 0)
		r.emit(EventStopModifyFailed, rejection(req, req.Broker, err))
		return nil, err
	}

	res, err := c.ModifyPosition(ctx, req)
	if err != nil {
		r.obs.BrokerCall(c.ID(), "modify", "error", 0)
		r.emit(EventStopModifyFailed, rejection(req, c.ID(), err))
		log.Error().Err(err).Str("broker", c.ID()).Str("ticket", req.ID).Msg("stop modify failed")
		return nil, fmt.Errorf("%s modify: %w", c.ID(), err)
	}

	r.obs.BrokerCall(c.ID(), "modify", "ok", 0)
	r.emit(EventStopModified, res)
	if r.book != nil {
		if _, berr := r.book.ModifyLevels(ticketOf(req, res), req.StopLoss, req.TakeProfit); berr != nil {
			log.Debug().Err(berr).Str("ticket", req.ID).Msg("modify not reflected in trade book")
		}
	}
	log.Info().Str("broker", c.ID()).Str("ticket", res.Ticket).Msg("position stops modified")
	return res, nil
}

// Positions lists open positions at one broker.
func (r *Router) Positions(ctx context.Context, brokerID string) ([]Position, error) {
	c, err := r.lookup(brokerID)
	if err != nil {
		return nil, err
	}
	pos, err := c.Positions(ctx)
	if err != nil {
		r.obs.BrokerCall(c.ID(), "positions", "error", 0)
		return nil, fmt.Errorf("%s positions: %w", c.ID(), err)
	}
	r.obs.BrokerCall(c.ID(), "positions", "ok", 0)
	return pos, nil
}

// AccountInfo fetches the account snapshot from one broker, or from the
// routed connector when brokerID is empty.
func (r *Router) AccountInfo(ctx context.Context, brokerID string) (*AccountInfo, error) {
	var c Connector
	var err error
	if brokerID == "" {
		c, err = r.pick(ctx, "")
	} else {
		c, err = r.lookup(brokerID)
	}
	if err != nil {
		return nil, err
	}
	info, err := c.AccountInfo(ctx)
	if err != nil {
		r.obs.BrokerCall(c.ID(), "account", "error", 0)
		return nil, fmt.Errorf("%s account: %w", c.ID(), err)
	}
	r.obs.BrokerCall(c.ID(), "account", "ok", 0)
	return info, nil
}

// BridgeQuotes serves the terminal quote cache of a bridge-backed
// connector, dropping entries older than maxAge when maxAge > 0.
func (r *Router) BridgeQuotes(ctx context.Context, brokerID string, maxAge time.Duration) ([]domain.Quote, error) {
	c, err := r.lookup(brokerID)
	if err != nil {
		return nil, err
	}
	src, ok := c.(QuoteSource)
	if !ok {
		return nil, fmt.Errorf("broker %q: no market quote bridge", brokerID)
	}
	quotes, err := src.MarketQuotes(ctx, maxAge)
	if err != nil {
		r.obs.BrokerCall(c.ID(), "quotes", "error", 0)
		return nil, fmt.Errorf("%s quotes: %w", c.ID(), err)
	}
	r.obs.BrokerCall(c.ID(), "quotes", "ok", 0)
	return quotes, nil
}

// pick resolves the serving connector: preferred when connected, then
// the default, then the first connected in registration order.
func (r *Router) pick(ctx context.Context, preferred string) (Connector, error) {
	usable := func(c Connector) bool { return c != nil && c.Enabled() && c.Connected(ctx) }

	if preferred != "" {
		if c, ok := r.Connector(preferred); ok && usable(c) {
			return c, nil
		}
	}
	if def := r.cfg.DefaultBroker; def != "" && def != preferred {
		if c, ok := r.Connector(def); ok && usable(c) {
			return c, nil
		}
	}
	for _, c := range r.Connectors() {
		if usable(c) {
			return c, nil
		}
	}
	return nil, ErrNoConnectedBrokers
}

func (r *Router) lookup(brokerID string) (Connector, error) {
	c, ok := r.Connector(brokerID)
	if !ok {
		return nil, fmt.Errorf("unknown broker %q", brokerID)
	}
	return c, nil
}

// brokerFor resolves the broker for close/modify: the request's choice,
// else the booking broker of the referenced trade.
func (r *Router) brokerFor(req *domain.OrderRequest) string {
	if req.Broker != "" {
		return req.Broker
	}
	if r.book != nil {
		if t, ok := r.book.Trade(req.ID); ok && t.Broker != "" {
			return t.Broker
		}
	}
	return ""
}

func (r *Router) killCheck() error {
	if r.kill == nil {
		return nil
	}
	return r.kill.Check()
}

func (r *Router) reject(op string, req *domain.OrderRequest, err error) error {
	r.obs.BrokerCall(brokerLabel(req), op, "rejected", 0)
	r.emit(EventAutoTradeRejected, rejection(req, req.Broker, err))
	log.Warn().Err(err).Str("pair", req.Pair).Str("op", op).Msg("order rejected")
	return err
}

func (r *Router) emit(event string, payload any) {
	if r.events != nil {
		r.events(event, payload)
	}
}

// bookFill records the fill as an open trade keyed by broker ticket.
func (r *Router) bookFill(req *domain.OrderRequest, res *OrderResult) {
	if r.book == nil {
		return
	}
	price := res.Price
	if price == 0 {
		price = req.Price
	}
	volume := res.Volume
	if volume == 0 {
		volume = req.Volume
	}
	t := &domain.Trade{
		ID:           ticketOf(req, res),
		Pair:         res.Pair,
		Direction:    req.Direction,
		PositionSize: volume,
		EntryPrice:   price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		OpenTime:     res.ExecutedAt,
		Status:       domain.TradeOpen,
		Broker:       res.Broker,
	}
	if err := r.book.Register(t); err != nil {
		log.Error().Err(err).Str("ticket", t.ID).Msg("fill not recorded in trade book")
	}
}

func (r *Router) bookClose(req *domain.OrderRequest, res *OrderResult) {
	if r.book == nil {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual_close"
	}
	if _, err := r.book.Close(ticketOf(req, res), res.Price, reason); err != nil {
		log.Debug().Err(err).Str("ticket", req.ID).Msg("close not reflected in trade book")
	}
}

func validateOpen(req *domain.OrderRequest) error {
	if req.Pair == "" {
		return fmt.Errorf("open order: missing pair")
	}
	if req.Direction != domain.DirectionBuy && req.Direction != domain.DirectionSell {
		return fmt.Errorf("open order: invalid direction %q", req.Direction)
	}
	if req.Volume <= 0 {
		return fmt.Errorf("open order: volume must be positive")
	}
	return nil
}

func ticketOf(req *domain.OrderRequest, res *OrderResult) string {
	if res != nil && res.Ticket != "" {
		return res.Ticket
	}
	return req.ID
}

func brokerLabel(req *domain.OrderRequest) string {
	if req.Broker != "" {
		return req.Broker
	}
	return "router"
}

type rejectPayload struct {
	Broker    string           `json:"broker,omitempty"`
	Pair      string           `json:"pair,omitempty"`
	Direction domain.Direction `json:"direction,omitempty"`
	Volume    float64          `json:"volume,omitempty"`
	Ticket    string           `json:"ticket,omitempty"`
	Reason    string           `json:"reason"`
	Source    string           `json:"source,omitempty"`
}

func rejection(req *domain.OrderRequest, broker string, err error) rejectPayload {
	return rejectPayload{
		Broker:    broker,
		Pair:      req.Pair,
		Direction: req.Direction,
		Volume:    req.Volume,
		Ticket:    req.ID,
		Reason:    err.Error(),
		Source:    req.Source,
	}
}

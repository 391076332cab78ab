package broker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

// OandaConfig wires the OANDA v20 REST connector.
type OandaConfig struct {
	BaseURL   string // practice or live API host
	Token     string
	AccountID string
	Enabled   bool
	Timeout   time.Duration
	PingTTL   time.Duration // connectivity cache; default 15s
}

// Oanda adapts the v20 REST API. The API quotes every number as a
// string; wire structs mirror that and parse at the edge.
type Oanda struct {
	cfg    OandaConfig
	mode   string
	client *http.Client

	mu     sync.Mutex
	pingAt time.Time
	pingOK bool
	now    func() time.Time
}

// NewOanda builds the connector. Practice hosts report demo mode.
func NewOanda(cfg OandaConfig) *Oanda {
	if cfg.PingTTL <= 0 {
		cfg.PingTTL = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	mode := ModeLive
	if strings.Contains(cfg.BaseURL, "fxpractice") {
		mode = ModeDemo
	}
	return &Oanda{
		cfg:    cfg,
		mode:   mode,
		client: newClient(cfg.Timeout),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (o *Oanda) SetClock(now func() time.Time) { o.now = now }

func (o *Oanda) ID() string { return "oanda" }

func (o *Oanda) Enabled() bool {
	return o.cfg.Enabled && o.cfg.Token != "" && o.cfg.AccountID != ""
}

func (o *Oanda) AccountMode() string { return o.mode }

// Connected probes the account summary, reusing the last result within
// PingTTL.
func (o *Oanda) Connected(ctx context.Context) bool {
	o.mu.Lock()
	if !o.pingAt.IsZero() && o.now().Sub(o.pingAt) < o.cfg.PingTTL {
		ok := o.pingOK
		o.mu.Unlock()
		return ok
	}
	o.mu.Unlock()

	_, err := o.AccountInfo(ctx)

	o.mu.Lock()
	o.pingAt = o.now()
	o.pingOK = err == nil
	o.mu.Unlock()
	return err == nil
}

func (o *Oanda) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var resp oandaAccountResponse
	if err := o.call(ctx, http.MethodGet, o.accountPath("/summary"), nil, &resp); err != nil {
		return nil, err
	}
	a := resp.Account
	return &AccountInfo{
		Broker:     o.ID(),
		AccountID:  a.ID,
		Mode:       o.mode,
		Currency:   a.Currency,
		Balance:    parsePrice(a.Balance),
		Equity:     parsePrice(a.NAV),
		Margin:     parsePrice(a.MarginUsed),
		FreeMargin: parsePrice(a.MarginAvailable),
	}, nil
}

func (o *Oanda) Positions(ctx context.Context) ([]Position, error) {
	var resp oandaOpenTradesResponse
	if err := o.call(ctx, http.MethodGet, o.accountPath("/openTrades"), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		units := parsePrice(t.CurrentUnits)
		dir := domain.DirectionBuy
		if units < 0 {
			dir = domain.DirectionSell
		}
		pos := Position{
			Ticket:    t.ID,
			Pair:      fromOandaInstrument(t.Instrument),
			Direction: dir,
			Volume:    math.Abs(units) / unitsPerLot,
			OpenPrice: parsePrice(t.Price),
			Profit:    parsePrice(t.UnrealizedPL),
		}
		if t.StopLossOrder != nil {
			pos.StopLoss = nonZeroPrice(parsePrice(t.StopLossOrder.Price))
		}
		if t.TakeProfitOrder != nil {
			pos.TakeProfit = nonZeroPrice(parsePrice(t.TakeProfitOrder.Price))
		}
		if at, err := time.Parse(time.RFC3339Nano, t.OpenTime); err == nil {
			pos.OpenTime = at.UTC()
		}
		out = append(out, pos)
	}
	return out, nil
}

// OpenPosition submits a fill-or-kill market order with the stops
// attached on fill.
func (o *Oanda) OpenPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	pair, err := domain.ParsePair(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("oanda open: %w", err)
	}

	order := oandaOrder{
		Type:         "MARKET",
		Instrument:   toOandaInstrument(pair),
		Units:        oandaUnits(req.Volume, req.Direction),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if req.StopLoss != nil {
		order.StopLossOnFill = &oandaPriceField{Price: priceString(pair, *req.StopLoss)}
	}
	if req.TakeProfit != nil {
		order.TakeProfitOnFill = &oandaPriceField{Price: priceString(pair, *req.TakeProfit)}
	}

	var resp oandaOrderResponse
	if err := o.call(ctx, http.MethodPost, o.accountPath("/orders"), oandaOrderRequest{Order: order}, &resp); err != nil {
		return nil, err
	}
	if resp.OrderCancelTransaction != nil {
		return nil, fmt.Errorf("oanda open: rejected: %s", resp.OrderCancelTransaction.Reason)
	}
	if resp.OrderFillTransaction == nil {
		return nil, fmt.Errorf("oanda open: order not filled")
	}

	fill := resp.OrderFillTransaction
	ticket := fill.ID
	if fill.TradeOpened != nil && fill.TradeOpened.TradeID != "" {
		ticket = fill.TradeOpened.TradeID
	}
	price := parsePrice(fill.Price)
	res := &OrderResult{
		Broker:       o.ID(),
		Ticket:       ticket,
		Pair:         pair.Symbol,
		Direction:    req.Direction,
		Volume:       req.Volume,
		Price:        price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		SlippagePips: slippagePips(pair.Symbol, req.Price, price),
		Status:       "filled",
		ExecutedAt:   o.now().UTC(),
	}
	if at, err := time.Parse(time.RFC3339Nano, fill.Time); err == nil {
		res.ExecutedAt = at.UTC()
	}
	return res, nil
}

func (o *Oanda) ClosePosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	body := oandaCloseRequest{Units: "ALL"}
	if req.Volume > 0 {
		body.Units = strconv.FormatInt(int64(math.Round(req.Volume*unitsPerLot)), 10)
	}
	var resp oandaOrderResponse
	path := o.accountPath("/trades/" + req.ID + "/close")
	if err := o.call(ctx, http.MethodPut, path, body, &resp); err != nil {
		return nil, err
	}

	res := &OrderResult{
		Broker:     o.ID(),
		Ticket:     req.ID,
		Pair:       req.Pair,
		Status:     "closed",
		ExecutedAt: o.now().UTC(),
	}
	if fill := resp.OrderFillTransaction; fill != nil {
		res.Price = parsePrice(fill.Price)
		if at, err := time.Parse(time.RFC3339Nano, fill.Time); err == nil {
			res.ExecutedAt = at.UTC()
		}
	}
	return res, nil
}

// ModifyPosition replaces the trade's dependent stop orders.
func (o *Oanda) ModifyPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	pair, err := domain.ParsePair(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("oanda modify: %w", err)
	}
	body := oandaModifyRequest{}
	if req.StopLoss != nil {
		body.StopLoss = &oandaStopField{Price: priceString(pair, *req.StopLoss), TimeInForce: "GTC"}
	}
	if req.TakeProfit != nil {
		body.TakeProfit = &oandaStopField{Price: priceString(pair, *req.TakeProfit), TimeInForce: "GTC"}
	}
	path := o.accountPath("/trades/" + req.ID + "/orders")
	if err := o.call(ctx, http.MethodPut, path, body, nil); err != nil {
		return nil, err
	}
	return &OrderResult{
		Broker:     o.ID(),
		Ticket:     req.ID,
		Pair:       pair.Symbol,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     "modified",
		ExecutedAt: o.now().UTC(),
	}, nil
}

func (o *Oanda) call(ctx context.Context, method, path string, in, out any) error {
	headers := map[string]string{"Authorization": "Bearer " + o.cfg.Token}
	if err := httpJSON(ctx, o.client, method, o.cfg.BaseURL+path, headers, in, out); err != nil {
		return fmt.Errorf("oanda: %w", err)
	}
	return nil
}

func (o *Oanda) accountPath(suffix string) string {
	return "/v3/accounts/" + o.cfg.AccountID + suffix
}

// oandaUnits renders signed integer units from lots.
func oandaUnits(lots float64, dir domain.Direction) string {
	units := int64(math.Round(lots * unitsPerLot))
	if dir == domain.DirectionSell {
		units = -units
	}
	return strconv.FormatInt(units, 10)
}

func toOandaInstrument(p domain.Pair) string {
	return p.Base + "_" + p.Quote
}

func fromOandaInstrument(instrument string) string {
	return strings.ToUpper(strings.ReplaceAll(instrument, "_", ""))
}

type oandaAccountResponse struct {
	Account struct {
		ID              string `json:"id"`
		Currency        string `json:"currency"`
		Balance         string `json:"balance"`
		NAV             string `json:"NAV"`
		MarginUsed      string `json:"marginUsed"`
		MarginAvailable string `json:"marginAvailable"`
	} `json:"account"`
}

type oandaOpenTradesResponse struct {
	Trades []struct {
		ID              string           `json:"id"`
		Instrument      string           `json:"instrument"`
		Price           string           `json:"price"`
		OpenTime        string           `json:"openTime"`
		CurrentUnits    string           `json:"currentUnits"`
		UnrealizedPL    string           `json:"unrealizedPL"`
		StopLossOrder   *oandaPriceField `json:"stopLossOrder,omitempty"`
		TakeProfitOrder *oandaPriceField `json:"takeProfitOrder,omitempty"`
	} `json:"trades"`
}

type oandaPriceField struct {
	Price string `json:"price"`
}

type oandaStopField struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce,omitempty"`
}

type oandaOrder struct {
	Type             string           `json:"type"`
	Instrument       string           `json:"instrument"`
	Units            string           `json:"units"`
	TimeInForce      string           `json:"timeInForce"`
	PositionFill     string           `json:"positionFill"`
	StopLossOnFill   *oandaPriceField `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *oandaPriceField `json:"takeProfitOnFill,omitempty"`
}

type oandaOrderRequest struct {
	Order oandaOrder `json:"order"`
}

type oandaCloseRequest struct {
	Units string `json:"units"`
}

type oandaModifyRequest struct {
	StopLoss   *oandaStopField `json:"stopLoss,omitempty"`
	TakeProfit *oandaStopField `json:"takeProfit,omitempty"`
}

type oandaOrderResponse struct {
	OrderFillTransaction *struct {
		ID          string `json:"id"`
		Price       string `json:"price"`
		Time        string `json:"time"`
		TradeOpened *struct {
			TradeID string `json:"tradeID"`
			Units   string `json:"units"`
		} `json:"tradeOpened,omitempty"`
	} `json:"orderFillTransaction,omitempty"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction,omitempty"`
}

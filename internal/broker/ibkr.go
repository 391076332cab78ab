package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

// IBKRConfig wires the Interactive Brokers Client Portal gateway.
type IBKRConfig struct {
	BaseURL   string // local gateway, usually https://127.0.0.1:5000
	AccountID string
	Enabled   bool
	Timeout   time.Duration
	PingTTL   time.Duration // connectivity cache; default 15s
}

// IBKR adapts the Client Portal gateway. FX positions are netted per
// instrument, so position tickets are contract ids and closing submits
// a reverse market order. The gateway fills asynchronously; open and
// close report status "submitted" without a fill price.
type IBKR struct {
	cfg    IBKRConfig
	mode   string
	client *http.Client

	mu     sync.Mutex
	conids map[string]int64
	pingAt time.Time
	pingOK bool
	now    func() time.Time
}

// NewIBKR builds the connector. Paper account ids (DU prefix) report
// demo mode.
func NewIBKR(cfg IBKRConfig) *IBKR {
	if cfg.PingTTL <= 0 {
		cfg.PingTTL = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	mode := ModeLive
	if strings.HasPrefix(strings.ToUpper(cfg.AccountID), "DU") {
		mode = ModeDemo
	}
	return &IBKR{
		cfg:    cfg,
		mode:   mode,
		client: newClient(cfg.Timeout),
		conids: make(map[string]int64),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (i *IBKR) SetClock(now func() time.Time) { i.now = now }

func (i *IBKR) ID() string { return "ibkr" }

func (i *IBKR) Enabled() bool {
	return i.cfg.Enabled && i.cfg.BaseURL != "" && i.cfg.AccountID != ""
}

func (i *IBKR) AccountMode() string { return i.mode }

// Connected checks the gateway session, reusing the last result within
// PingTTL.
func (i *IBKR) Connected(ctx context.Context) bool {
	i.mu.Lock()
	if !i.pingAt.IsZero() && i.now().Sub(i.pingAt) < i.cfg.PingTTL {
		ok := i.pingOK
		i.mu.Unlock()
		return ok
	}
	i.mu.Unlock()

	var resp ibkrAuthStatus
	err := i.call(ctx, http.MethodGet, "/v1/api/iserver/auth/status", nil, &resp)
	ok := err == nil && resp.Authenticated && resp.Connected

	i.mu.Lock()
	i.pingAt = i.now()
	i.pingOK = ok
	i.mu.Unlock()
	return ok
}

func (i *IBKR) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var resp map[string]ibkrSummaryValue
	path := "/v1/api/portfolio/" + i.cfg.AccountID + "/summary"
	if err := i.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	info := &AccountInfo{
		Broker:     i.ID(),
		AccountID:  i.cfg.AccountID,
		Mode:       i.mode,
		Currency:   "USD",
		Balance:    resp["netliquidation"].Amount,
		Equity:     resp["equitywithloanvalue"].Amount,
		Margin:     resp["initmarginreq"].Amount,
		FreeMargin: resp["availablefunds"].Amount,
	}
	if c := resp["netliquidation"].Currency; c != "" {
		info.Currency = c
	}
	return info, nil
}

func (i *IBKR) Positions(ctx context.Context) ([]Position, error) {
	var resp []ibkrPosition
	path := "/v1/api/portfolio/" + i.cfg.AccountID + "/positions/0"
	if err := i.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp))
	for _, p := range resp {
		if p.Position == 0 {
			continue
		}
		dir := domain.DirectionBuy
		if p.Position < 0 {
			dir = domain.DirectionSell
		}
		out = append(out, Position{
			Ticket:    strconv.FormatInt(p.Conid, 10),
			Pair:      fromIBKRSymbol(p.ContractDesc),
			Direction: dir,
			Volume:    math.Abs(p.Position) / unitsPerLot,
			OpenPrice: p.AvgPrice,
			Profit:    p.UnrealizedPnl,
		})
	}
	return out, nil
}

func (i *IBKR) OpenPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	pair, err := domain.ParsePair(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("ibkr open: %w", err)
	}
	conid, err := i.resolveConid(ctx, pair)
	if err != nil {
		return nil, err
	}

	quantity := math.Round(req.Volume * unitsPerLot)
	order := ibkrOrder{
		AcctID:    i.cfg.AccountID,
		Conid:     conid,
		SecType:   strconv.FormatInt(conid, 10) + ":CASH",
		COID:      req.TradeID,
		OrderType: "MKT",
		Side:      string(req.Direction),
		Quantity:  quantity,
		TIF:       "GTC",
	}
	reply, err := i.submit(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("ibkr open: %w", err)
	}
	return &OrderResult{
		Broker:     i.ID(),
		Ticket:     strconv.FormatInt(conid, 10),
		Pair:       pair.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     strings.ToLower(orDefault(reply.OrderStatus, "submitted")),
		ExecutedAt: i.now().UTC(),
	}, nil
}

// ClosePosition reverses the netted position for the ticket's contract.
func (i *IBKR) ClosePosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	conid, err := strconv.ParseInt(req.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ibkr close: ticket %q is not a contract id", req.ID)
	}

	positions, err := i.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("ibkr close: %w", err)
	}
	var held *Position
	for idx := range positions {
		if positions[idx].Ticket == req.ID {
			held = &positions[idx]
			break
		}
	}
	if held == nil {
		return nil, fmt.Errorf("ibkr close: no open position for contract %d", conid)
	}

	side := string(domain.DirectionSell)
	if held.Direction == domain.DirectionSell {
		side = string(domain.DirectionBuy)
	}
	quantity := math.Round(held.Volume * unitsPerLot)
	if req.Volume > 0 && req.Volume < held.Volume {
		quantity = math.Round(req.Volume * unitsPerLot)
	}

	order := ibkrOrder{
		AcctID:    i.cfg.AccountID,
		Conid:     conid,
		SecType:   req.ID + ":CASH",
		OrderType: "MKT",
		Side:      side,
		Quantity:  quantity,
		TIF:       "GTC",
	}
	reply, err := i.submit(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("ibkr close: %w", err)
	}
	return &OrderResult{
		Broker:     i.ID(),
		Ticket:     req.ID,
		Pair:       held.Pair,
		Volume:     quantity / unitsPerLot,
		Price:      req.Price,
		Status:     strings.ToLower(orDefault(reply.OrderStatus, "submitted")),
		ExecutedAt: i.now().UTC(),
	}, nil
}

// ModifyPosition is unsupported: the gateway nets FX cash positions with
// no attached stop orders to replace.
func (i *IBKR) ModifyPosition(context.Context, *domain.OrderRequest) (*OrderResult, error) {
	return nil, fmt.Errorf("ibkr modify: attached stops not supported via gateway")
}

// resolveConid maps a pair to its contract id, caching lookups.
func (i *IBKR) resolveConid(ctx context.Context, pair domain.Pair) (int64, error) {
	symbol := toIBKRSymbol(pair)

	i.mu.Lock()
	if id, ok := i.conids[symbol]; ok {
		i.mu.Unlock()
		return id, nil
	}
	i.mu.Unlock()

	var resp []ibkrSecdef
	path := "/v1/api/iserver/secdef/search?symbol=" + symbol
	if err := i.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, fmt.Errorf("ibkr secdef %s: %w", symbol, err)
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("ibkr secdef %s: no contract", symbol)
	}
	id, err := resp[0].Conid.Int64()
	if err != nil || id == 0 {
		return 0, fmt.Errorf("ibkr secdef %s: bad contract id %q", symbol, resp[0].Conid)
	}

	i.mu.Lock()
	i.conids[symbol] = id
	i.mu.Unlock()
	return id, nil
}

func (i *IBKR) submit(ctx context.Context, order ibkrOrder) (*ibkrOrderReply, error) {
	var resp []ibkrOrderReply
	path := "/v1/api/iserver/account/" + i.cfg.AccountID + "/orders"
	body := ibkrOrdersRequest{Orders: []ibkrOrder{order}}
	if err := i.call(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty order reply")
	}
	reply := resp[0]
	if reply.OrderID == "" && len(reply.Messages) > 0 {
		return nil, fmt.Errorf("order needs confirmation: %s", strings.Join(reply.Messages, "; "))
	}
	return &reply, nil
}

func (i *IBKR) call(ctx context.Context, method, path string, in, out any) error {
	if err := httpJSON(ctx, i.client, method, i.cfg.BaseURL+path, nil, in, out); err != nil {
		return fmt.Errorf("ibkr: %w", err)
	}
	return nil
}

func toIBKRSymbol(p domain.Pair) string {
	return p.Base + "." + p.Quote
}

func fromIBKRSymbol(desc string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(desc), ".", ""))
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

type ibkrAuthStatus struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	Competing     bool `json:"competing"`
}

type ibkrSummaryValue struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type ibkrPosition struct {
	Conid         int64   `json:"conid"`
	ContractDesc  string  `json:"contractDesc"`
	Position      float64 `json:"position"`
	AvgPrice      float64 `json:"avgPrice"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
}

type ibkrSecdef struct {
	Conid json.Number `json:"conid"`
}

type ibkrOrder struct {
	AcctID    string  `json:"acctId"`
	Conid     int64   `json:"conid"`
	SecType   string  `json:"secType"`
	COID      string  `json:"cOID,omitempty"`
	OrderType string  `json:"orderType"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	TIF       string  `json:"tif"`
}

type ibkrOrdersRequest struct {
	Orders []ibkrOrder `json:"orders"`
}

type ibkrOrderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Messages    []string `json:"message"`
}

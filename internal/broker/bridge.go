package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

// BridgeConfig wires one MetaTrader bridge terminal. The bridge is a
// small HTTP shim running next to the terminal; the EA pushes account,
// position and tick state into it and polls it for pending commands.
type BridgeConfig struct {
	ID      string // "mt4" or "mt5"
	BaseURL string
	Token   string // shared secret, sent as X-Bridge-Token when set
	Enabled bool
	Mode    string        // demo or live; default demo
	Timeout time.Duration // per-request; default 15s
	PingTTL time.Duration // connectivity cache; default 5s
}

// Bridge adapts an MT4/MT5 HTTP bridge as a connector. Connectivity is
// probed via /ping and cached for PingTTL so routing fallback does not
// hammer a dead terminal.
type Bridge struct {
	cfg    BridgeConfig
	client *http.Client

	mu     sync.Mutex
	pingAt time.Time
	pingOK bool
	now    func() time.Time
}

// NewBridge builds the connector; the zero Timeout and PingTTL get
// defaults.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Mode == "" {
		cfg.Mode = ModeDemo
	}
	if cfg.PingTTL <= 0 {
		cfg.PingTTL = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Bridge{
		cfg:    cfg,
		client: newClient(cfg.Timeout),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (b *Bridge) SetClock(now func() time.Time) { b.now = now }

func (b *Bridge) ID() string { return b.cfg.ID }

func (b *Bridge) Enabled() bool { return b.cfg.Enabled && b.cfg.BaseURL != "" }

func (b *Bridge) AccountMode() string { return b.cfg.Mode }

// Connected pings the bridge, reusing the last result within PingTTL.
func (b *Bridge) Connected(ctx context.Context) bool {
	b.mu.Lock()
	if !b.pingAt.IsZero() && b.now().Sub(b.pingAt) < b.cfg.PingTTL {
		ok := b.pingOK
		b.mu.Unlock()
		return ok
	}
	b.mu.Unlock()

	var resp bridgeEnvelope
	err := b.call(ctx, http.MethodGet, "/ping", nil, &resp)
	ok := err == nil && resp.Success

	b.mu.Lock()
	b.pingAt = b.now()
	b.pingOK = ok
	b.mu.Unlock()
	return ok
}

func (b *Bridge) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var resp bridgeAccountResponse
	if err := b.call(ctx, http.MethodGet, "/account", nil, &resp); err != nil {
		return nil, err
	}
	return &AccountInfo{
		Broker:     b.cfg.ID,
		AccountID:  resp.Account.Login,
		Mode:       b.cfg.Mode,
		Currency:   resp.Account.Currency,
		Balance:    resp.Account.Balance,
		Equity:     resp.Account.Equity,
		Margin:     resp.Account.Margin,
		FreeMargin: resp.Account.FreeMargin,
	}, nil
}

func (b *Bridge) Positions(ctx context.Context) ([]Position, error) {
	var resp bridgePositionsResponse
	if err := b.call(ctx, http.MethodGet, "/positions", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, Position{
			Ticket:     p.Ticket,
			Pair:       strings.ToUpper(p.Symbol),
			Direction:  bridgeDirection(p.Type),
			Volume:     p.Lots,
			OpenPrice:  p.OpenPrice,
			StopLoss:   nonZeroPrice(p.SL),
			TakeProfit: nonZeroPrice(p.TP),
			Profit:     p.Profit,
			OpenTime:   time.Unix(p.OpenTime, 0).UTC(),
		})
	}
	return out, nil
}

func (b *Bridge) OpenPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	body := bridgeOpenRequest{
		Symbol:  req.Pair,
		Type:    string(req.Direction),
		Lots:    req.Volume,
		Price:   req.Price,
		SL:      req.StopLoss,
		TP:      req.TakeProfit,
		Comment: req.Comment,
	}
	var resp bridgeOpenResponse
	if err := b.call(ctx, http.MethodPost, "/order/open", body, &resp); err != nil {
		return nil, err
	}
	return &OrderResult{
		Broker:       b.cfg.ID,
		Ticket:       resp.Ticket,
		Pair:         req.Pair,
		Direction:    req.Direction,
		Volume:       req.Volume,
		Price:        resp.OpenPrice,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		SlippagePips: slippagePips(req.Pair, req.Price, resp.OpenPrice),
		Status:       "filled",
		ExecutedAt:   b.now().UTC(),
	}, nil
}

func (b *Bridge) ClosePosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	body := bridgeCloseRequest{Ticket: req.ID, Lots: req.Volume}
	var resp bridgeCloseResponse
	if err := b.call(ctx, http.MethodPost, "/order/close", body, &resp); err != nil {
		return nil, err
	}
	return &OrderResult{
		Broker:     b.cfg.ID,
		Ticket:     req.ID,
		Pair:       req.Pair,
		Price:      resp.ClosePrice,
		Status:     "closed",
		ExecutedAt: b.now().UTC(),
	}, nil
}

func (b *Bridge) ModifyPosition(ctx context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	body := bridgeModifyRequest{Ticket: req.ID, SL: req.StopLoss, TP: req.TakeProfit}
	var resp bridgeEnvelope
	if err := b.call(ctx, http.MethodPost, "/order/modify", body, &resp); err != nil {
		return nil, err
	}
	return &OrderResult{
		Broker:     b.cfg.ID,
		Ticket:     req.ID,
		Pair:       req.Pair,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     "modified",
		ExecutedAt: b.now().UTC(),
	}, nil
}

// MarketQuotes serves the terminal's tick cache, dropping quotes older
// than maxAge when maxAge > 0.
func (b *Bridge) MarketQuotes(ctx context.Context, maxAge time.Duration) ([]domain.Quote, error) {
	var resp bridgeQuotesResponse
	if err := b.call(ctx, http.MethodGet, "/market/quotes", nil, &resp); err != nil {
		return nil, err
	}
	now := b.now()
	out := make([]domain.Quote, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		quote := domain.Quote{
			Pair:        strings.ToUpper(q.Symbol),
			Bid:         q.Bid,
			Ask:         q.Ask,
			TimestampMs: q.TimeMs,
			Provider:    b.cfg.ID,
		}
		if maxAge > 0 && !quote.IsFresh(now, maxAge) {
			continue
		}
		out = append(out, quote)
	}
	return out, nil
}

// call wraps httpJSON and surfaces the bridge's success:false envelope
// as an error.
func (b *Bridge) call(ctx context.Context, method, path string, in, out any) error {
	headers := map[string]string{}
	if b.cfg.Token != "" {
		headers["X-Bridge-Token"] = b.cfg.Token
	}
	if err := httpJSON(ctx, b.client, method, b.cfg.BaseURL+path, headers, in, out); err != nil {
		return fmt.Errorf("bridge %s: %w", b.cfg.ID, err)
	}
	if env, ok := out.(interface{ failed() (bool, string) }); ok {
		if bad, reason := env.failed(); bad {
			return fmt.Errorf("bridge %s: %s", b.cfg.ID, reason)
		}
	}
	return nil
}

func bridgeDirection(orderType string) domain.Direction {
	switch strings.ToUpper(orderType) {
	case "SELL", "SHORT", "1":
		return domain.DirectionSell
	default:
		return domain.DirectionBuy
	}
}

func nonZeroPrice(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

type bridgeEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (e *bridgeEnvelope) failed() (bool, string) {
	if e.Success {
		return false, ""
	}
	if e.Error == "" {
		return true, "request failed"
	}
	return true, e.Error
}

type bridgeAccountResponse struct {
	bridgeEnvelope
	Account struct {
		Login      string  `json:"login"`
		Currency   string  `json:"currency"`
		Balance    float64 `json:"balance"`
		Equity     float64 `json:"equity"`
		Margin     float64 `json:"margin"`
		FreeMargin float64 `json:"freeMargin"`
	} `json:"account"`
}

type bridgePositionsResponse struct {
	bridgeEnvelope
	Positions []struct {
		Ticket    string  `json:"ticket"`
		Symbol    string  `json:"symbol"`
		Type      string  `json:"type"`
		Lots      float64 `json:"lots"`
		OpenPrice float64 `json:"openPrice"`
		SL        float64 `json:"sl"`
		TP        float64 `json:"tp"`
		Profit    float64 `json:"profit"`
		OpenTime  int64   `json:"openTime"`
	} `json:"positions"`
}

type bridgeOpenRequest struct {
	Symbol  string   `json:"symbol"`
	Type    string   `json:"type"`
	Lots    float64  `json:"lots"`
	Price   float64  `json:"price,omitempty"`
	SL      *float64 `json:"sl,omitempty"`
	TP      *float64 `json:"tp,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

type bridgeOpenResponse struct {
	bridgeEnvelope
	Ticket    string  `json:"ticket"`
	OpenPrice float64 `json:"openPrice"`
}

type bridgeCloseRequest struct {
	Ticket string  `json:"ticket"`
	Lots   float64 `json:"lots,omitempty"`
}

type bridgeCloseResponse struct {
	bridgeEnvelope
	ClosePrice float64 `json:"closePrice"`
}

type bridgeModifyRequest struct {
	Ticket string   `json:"ticket"`
	SL     *float64 `json:"sl,omitempty"`
	TP     *float64 `json:"tp,omitempty"`
}

type bridgeQuotesResponse struct {
	bridgeEnvelope
	Quotes []struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		TimeMs int64   `json:"time"`
	} `json:"quotes"`
}

package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianfx/meridian/internal/domain"
)

const (
	paperPipValuePerLot    = 10.0
	paperJPYPipValuePerLot = 6.8
)

// Paper is the in-memory connector used in development and tests. It is
// always connected, fills at the requested price with zero slippage, and
// settles realized profit into a local balance.
type Paper struct {
	id string

	mu        sync.Mutex
	balance   float64
	positions map[string]*Position
	now       func() time.Time
}

// NewPaper starts a paper account with the given balance.
func NewPaper(balance float64) *Paper {
	return &Paper{
		id:        "paper",
		balance:   balance,
		positions: make(map[string]*Position),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Paper) SetClock(now func() time.Time) { p.now = now }

func (p *Paper) ID() string { return p.id }

func (p *Paper) Enabled() bool { return true }

func (p *Paper) Connected(context.Context) bool { return true }

func (p *Paper) AccountMode() string { return ModePaper }

// AccountInfo reports the local balance. Open positions carry no mark,
// so equity tracks balance.
func (p *Paper) AccountInfo(context.Context) (*AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &AccountInfo{
		Broker:     p.id,
		AccountID:  "paper-local",
		Mode:       ModePaper,
		Currency:   "USD",
		Balance:    p.balance,
		Equity:     p.balance,
		FreeMargin: p.balance,
	}, nil
}

func (p *Paper) Positions(context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (p *Paper) OpenPosition(_ context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	if req.Price <= 0 {
		return nil, fmt.Errorf("paper open: price required")
	}
	if _, err := domain.ParsePair(req.Pair); err != nil {
		return nil, fmt.Errorf("paper open: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pos := &Position{
		Ticket:     uuid.NewString(),
		Pair:       req.Pair,
		Direction:  req.Direction,
		Volume:     req.Volume,
		OpenPrice:  req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   p.now().UTC(),
	}
	p.positions[pos.Ticket] = pos
	return &OrderResult{
		Broker:     p.id,
		Ticket:     pos.Ticket,
		Pair:       pos.Pair,
		Direction:  pos.Direction,
		Volume:     pos.Volume,
		Price:      pos.OpenPrice,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Status:     "filled",
		ExecutedAt: pos.OpenTime,
	}, nil
}

// ClosePosition settles at the request price, falling back to the open
// price when none is given.
func (p *Paper) ClosePosition(_ context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[req.ID]
	if !ok {
		return nil, fmt.Errorf("paper close: position %q not found", req.ID)
	}
	price := req.Price
	if price <= 0 {
		price = pos.OpenPrice
	}
	p.balance += paperProfit(pos, price)
	delete(p.positions, req.ID)
	return &OrderResult{
		Broker:     p.id,
		Ticket:     pos.Ticket,
		Pair:       pos.Pair,
		Direction:  pos.Direction,
		Volume:     pos.Volume,
		Price:      price,
		Status:     "closed",
		ExecutedAt: p.now().UTC(),
	}, nil
}

func (p *Paper) ModifyPosition(_ context.Context, req *domain.OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[req.ID]
	if !ok {
		return nil, fmt.Errorf("paper modify: position %q not found", req.ID)
	}
	if req.StopLoss != nil {
		v := *req.StopLoss
		pos.StopLoss = &v
	}
	if req.TakeProfit != nil {
		v := *req.TakeProfit
		pos.TakeProfit = &v
	}
	return &OrderResult{
		Broker:     p.id,
		Ticket:     pos.Ticket,
		Pair:       pos.Pair,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Status:     "modified",
		ExecutedAt: p.now().UTC(),
	}, nil
}

// Balance reports the settled balance.
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

func paperProfit(pos *Position, closePrice float64) float64 {
	pair, err := domain.ParsePair(pos.Pair)
	if err != nil {
		return 0
	}
	pip := pair.PipSize()
	if pip <= 0 {
		return 0
	}
	delta := closePrice - pos.OpenPrice
	if pos.Direction == domain.DirectionSell {
		delta = -delta
	}
	value := paperPipValuePerLot
	if pair.Quote == "JPY" {
		value = paperJPYPipValuePerLot
	}
	return delta / pip * value * pos.Volume
}

package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
)

// closedRetention bounds the in-memory closed-trade history.
const closedRetention = 500

var (
	// ErrTradeNotFound reports an unknown trade id.
	ErrTradeNotFound = fmt.Errorf("trade not found")
	// ErrTradeNotOpen reports an illegal lifecycle transition.
	ErrTradeNotOpen = fmt.Errorf("trade not open")
)

// Snapshot is the account view served over HTTP and attached to risk
// reports.
type Snapshot struct {
	Balance          float64            `json:"balance"`
	Equity           float64            `json:"equity"`
	RealizedPnL      float64            `json:"realized_pnl"`
	OpenTrades       int                `json:"open_trades"`
	DailyRiskUsed    float64            `json:"daily_risk_used"`
	DailyRiskUsedPct float64            `json:"daily_risk_used_pct"`
	DailyRiskCapPct  float64            `json:"daily_risk_cap_pct"`
	Exposure         map[string]float64 `json:"exposure_by_currency"`
	VaR95Pct         float64            `json:"var95_pct"`
	VaRSamples       int                `json:"var_samples"`
	KillSwitch       KillState          `json:"kill_switch"`
	At               time.Time          `json:"at"`
}

// Register commits an opened trade into the ledger. Its risk amount
// accrues to the daily budget and per-currency exposure. An empty id is
// assigned.
func (e *Engine) Register(t *domain.Trade) error {
	if t == nil {
		return fmt.Errorf("register trade: nil trade")
	}
	pair, err := domain.ParsePair(t.Pair)
	if err != nil {
		return fmt.Errorf("register trade: %w", err)
	}
	if t.Status == "" {
		t.Status = domain.TradeOpen
	}
	if t.Status != domain.TradeOpen {
		return fmt.Errorf("register trade %s: status %s", t.ID, t.Status)
	}
	if t.PositionSize <= 0 {
		return fmt.Errorf("register trade %s: non-positive size", t.ID)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.open[t.ID]; exists {
		return fmt.Errorf("register trade %s: duplicate id", t.ID)
	}
	e.rollDailyLocked()
	if t.OpenTime.IsZero() {
		t.OpenTime = e.now().UTC()
	}

	risk := e.tradeRiskLocked(t, pair)
	e.open[t.ID] = t
	e.riskByID[t.ID] = risk
	e.dailyUsed += risk

	log.Info().Str("trade_id", t.ID).Str("pair", t.Pair).Str("direction", string(t.Direction)).
		Float64("lots", t.PositionSize).Float64("risk", risk).Msg("trade registered")
	return nil
}

// Close realizes the trade at the given price, releases its risk, and
// feeds the return into the VaR window.
func (e *Engine) Close(id string, price float64, reason string) (*domain.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.open[id]
	if !ok {
		return nil, fmt.Errorf("close %s: %w", id, ErrTradeNotFound)
	}
	if !t.CanTransition(domain.TradeClosed) {
		return nil, fmt.Errorf("close %s: %w", id, ErrTradeNotOpen)
	}

	pnl := e.markLocked(t, price)
	before := e.balance
	e.balance += pnl
	e.realized += pnl

	now := e.now().UTC()
	t.Status = domain.TradeClosed
	t.CloseTime = &now
	t.CloseReason = reason
	t.FinalPnL = &pnl
	t.CurrentPnL = nil

	if before > 0 {
		e.returns = append(e.returns, closedReturn{at: now, pct: pnl / before * 100})
		e.trimReturnsLocked(now)
	}
	e.retireLocked(id, t)

	log.Info().Str("trade_id", id).Str("pair", t.Pair).Float64("pnl", pnl).
		Str("reason", reason).Float64("balance", e.balance).Msg("trade closed")
	return t, nil
}

// Cancel retires a trade without realizing P&L, for rejected or
// never-filled orders.
func (e *Engine) Cancel(id, reason string) (*domain.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.open[id]
	if !ok {
		return nil, fmt.Errorf("cancel %s: %w", id, ErrTradeNotFound)
	}
	if !t.CanTransition(domain.TradeCancelled) {
		return nil, fmt.Errorf("cancel %s: %w", id, ErrTradeNotOpen)
	}
	now := e.now().UTC()
	t.Status = domain.TradeCancelled
	t.CloseTime = &now
	t.CloseReason = reason
	e.retireLocked(id, t)

	log.Info().Str("trade_id", id).Str("reason", reason).Msg("trade cancelled")
	return t, nil
}

// UpdateMark refreshes the trade's unrealized P&L from a price mark.
func (e *Engine) UpdateMark(id string, price float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.open[id]
	if !ok {
		return fmt.Errorf("mark %s: %w", id, ErrTradeNotFound)
	}
	pnl := e.markLocked(t, price)
	t.CurrentPnL = &pnl
	return nil
}

// ModifyLevels updates stop loss and take profit on an open trade. Nil
// leaves a level unchanged.
func (e *Engine) ModifyLevels(id string, sl, tp *float64) (*domain.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.open[id]
	if !ok {
		return nil, fmt.Errorf("modify %s: %w", id, ErrTradeNotFound)
	}
	if !t.IsOpen() {
		return nil, fmt.Errorf("modify %s: %w", id, ErrTradeNotOpen)
	}
	if sl != nil {
		t.StopLoss = sl
	}
	if tp != nil {
		t.TakeProfit = tp
	}
	return t, nil
}

// Trade looks up one trade by id across open and retained closed sets.
func (e *Engine) Trade(id string) (*domain.Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.open[id]; ok {
		return t, true
	}
	for _, t := range e.closed {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// OpenTrades lists open positions ordered by open time.
func (e *Engine) OpenTrades() []*domain.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Trade, 0, len(e.open))
	for _, t := range e.open {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

// ClosedTrades lists retired trades, newest first, up to limit.
func (e *Engine) ClosedTrades(limit int) []*domain.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.closed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = e.closed[n-1-i]
	}
	return out
}

// Balance returns the current account balance.
func (e *Engine) Balance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

// Snapshot assembles the account view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDailyLocked()

	equity := e.balance
	for _, t := range e.open {
		if t.CurrentPnL != nil {
			equity += *t.CurrentPnL
		}
	}
	usedPct := 0.0
	if e.balance > 0 {
		usedPct = e.dailyUsed / e.balance * 100
	}
	v, _ := e.varLocked()
	return Snapshot{
		Balance:          e.balance,
		Equity:           equity,
		RealizedPnL:      e.realized,
		OpenTrades:       len(e.open),
		DailyRiskUsed:    e.dailyUsed,
		DailyRiskUsedPct: usedPct,
		DailyRiskCapPct:  e.cfg.MaxDailyRiskPct,
		Exposure:         e.exposureLocked(),
		VaR95Pct:         v,
		VaRSamples:       e.varSamplesLocked(),
		KillSwitch:       e.kill.State(),
		At:               e.now().UTC(),
	}
}

// markLocked prices the trade at the mark in account currency.
func (e *Engine) markLocked(t *domain.Trade, price float64) float64 {
	pair, err := domain.ParsePair(t.Pair)
	if err != nil {
		return 0
	}
	pipValue := e.cfg.PipValuePerLot
	if pair.Quote == "JPY" {
		pipValue = e.cfg.JPYPipValuePerLot
	}
	delta := price - t.EntryPrice
	if t.Direction == domain.DirectionSell {
		delta = -delta
	}
	return delta / pair.PipSize() * pipValue * t.PositionSize
}

// tradeRiskLocked derives committed risk from the trade's stop; without
// a stop the standard per-trade budget is assumed.
func (e *Engine) tradeRiskLocked(t *domain.Trade, pair domain.Pair) float64 {
	pipValue := e.cfg.PipValuePerLot
	if pair.Quote == "JPY" {
		pipValue = e.cfg.JPYPipValuePerLot
	}
	if t.StopLoss != nil {
		d := t.EntryPrice - *t.StopLoss
		if t.Direction == domain.DirectionSell {
			d = -d
		}
		if d > 0 {
			return d / pair.PipSize() * pipValue * t.PositionSize
		}
	}
	return e.balance * e.cfg.AccountRiskPct / 100
}

func (e *Engine) retireLocked(id string, t *domain.Trade) {
	delete(e.open, id)
	delete(e.riskByID, id)
	e.closed = append(e.closed, t)
	if len(e.closed) > closedRetention {
		e.closed = e.closed[len(e.closed)-closedRetention:]
	}
}

func (e *Engine) trimReturnsLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -e.cfg.VaRWindowDays)
	i := 0
	for ; i < len(e.returns); i++ {
		if !e.returns[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		e.returns = e.returns[i:]
	}
}

func (e *Engine) varSamplesLocked() int {
	cutoff := e.now().UTC().AddDate(0, 0, -e.cfg.VaRWindowDays)
	n := 0
	for _, r := range e.returns {
		if !r.at.Before(cutoff) {
			n++
		}
	}
	return n
}

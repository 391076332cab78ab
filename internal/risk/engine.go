package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/meridianfx/meridian/internal/domain"
)

// Gate names, in evaluation priority order. The first failure becomes
// the leading blocker.
const (
	GateKillSwitch = "kill_switch"
	GateDailyRisk  = "daily_risk_limit"
	GateExposure   = "exposure_limit"
	GateCluster    = "cluster_limit"
	GateVaR        = "var_limit"
)

// warnRatio is the limit fraction at which a passing gate still emits a
// warning.
const warnRatio = 0.8

// Config tunes the engine. Percentages are whole numbers (1.0 = 1%).
type Config struct {
	AccountBalance  float64
	AccountRiskPct  float64
	MaxDailyRiskPct float64
	MaxExposurePct  float64
	ClusterLimit    int
	Clusters        [][]string
	VaRWindowDays   int
	VaRLimitPct     float64
	VaRMinSamples   int
	MaxPositionLots float64

	// PipValuePerLot is the account-currency value of one pip on one
	// standard lot. JPY-quoted pairs carry a separate default because
	// their pip is 0.01.
	PipValuePerLot    float64
	JPYPipValuePerLot float64
}

func (c Config) withDefaults() Config {
	if c.AccountBalance <= 0 {
		c.AccountBalance = 10000
	}
	if c.AccountRiskPct <= 0 {
		c.AccountRiskPct = 1.0
	}
	if c.MaxDailyRiskPct <= 0 {
		c.MaxDailyRiskPct = 5.0
	}
	if c.MaxExposurePct <= 0 {
		c.MaxExposurePct = 15.0
	}
	if c.ClusterLimit <= 0 {
		c.ClusterLimit = 2
	}
	if c.Clusters == nil {
		c.Clusters = defaultClusters
	}
	if c.VaRWindowDays <= 0 {
		c.VaRWindowDays = 20
	}
	if c.VaRLimitPct <= 0 {
		c.VaRLimitPct = 3.0
	}
	if c.VaRMinSamples <= 0 {
		c.VaRMinSamples = 10
	}
	if c.MaxPositionLots <= 0 {
		c.MaxPositionLots = 5.0
	}
	if c.PipValuePerLot <= 0 {
		c.PipValuePerLot = 10.0
	}
	if c.JPYPipValuePerLot <= 0 {
		c.JPYPipValuePerLot = 6.8
	}
	return c
}

// defaultClusters group pairs that historically move together; at most
// ClusterLimit positions may be open per group.
var defaultClusters = [][]string{
	{"EURUSD", "GBPUSD", "EURGBP"},
	{"AUDUSD", "NZDUSD", "AUDNZD"},
	{"USDJPY", "EURJPY", "GBPJPY"},
	{"XAUUSD", "XAGUSD"},
}

// Assessment is the engine's answer for one candidate signal.
type Assessment struct {
	PositionSize   float64  `json:"position_size"`
	RiskAmount     float64  `json:"risk_amount"`
	AccountRiskPct float64  `json:"account_risk_pct"`
	StopLossPips   float64  `json:"stop_loss_pips"`
	CanTrade       bool     `json:"can_trade"`
	BlockedBy      []string `json:"blocked_by,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// RiskManagement folds the assessment into the signal envelope shape.
func (a Assessment) RiskManagement() domain.RiskManagement {
	return domain.RiskManagement{
		PositionSize:   a.PositionSize,
		RiskAmount:     a.RiskAmount,
		AccountRiskPct: a.AccountRiskPct,
		CanTrade:       a.CanTrade,
		Blockers:       a.BlockedBy,
	}
}

// closedReturn is one realized trade return kept for the VaR window.
type closedReturn struct {
	at  time.Time
	pct float64
}

// Engine owns the account state: balance, open positions, committed
// risk, and the realized-return window backing the VaR gate.
type Engine struct {
	cfg  Config
	kill *KillSwitch

	mu        sync.Mutex
	balance   float64
	open      map[string]*domain.Trade
	closed    []*domain.Trade
	riskByID  map[string]float64
	dailyDate string
	dailyUsed float64
	realized  float64
	returns   []closedReturn
	now       func() time.Time
}

// NewEngine builds an engine with the shared kill switch. A nil switch
// gets a private disengaged one.
func NewEngine(cfg Config, kill *KillSwitch) *Engine {
	if kill == nil {
		kill = NewKillSwitch()
	}
	c := cfg.withDefaults()
	return &Engine{
		cfg:      c,
		kill:     kill,
		balance:  c.AccountBalance,
		open:     make(map[string]*domain.Trade),
		riskByID: make(map[string]float64),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// KillSwitch exposes the shared switch for the broker router and HTTP
// handlers.
func (e *Engine) KillSwitch() *KillSwitch { return e.kill }

// Evaluate sizes the candidate and runs the pre-trade gates. It reads
// the ledger but never commits risk; Register does that once the trade
// actually opens.
func (e *Engine) Evaluate(sig *domain.Signal, pair domain.Pair) Assessment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDailyLocked()

	slPips := e.stopDistancePips(sig, pair)
	size, riskAmount := e.sizeLocked(pair, slPips)
	a := Assessment{
		PositionSize:   size,
		RiskAmount:     riskAmount,
		AccountRiskPct: e.cfg.AccountRiskPct,
		StopLossPips:   slPips,
	}

	if err := e.kill.Check(); err != nil {
		a.BlockedBy = append(a.BlockedBy, fmt.Sprintf("%s: %v", GateKillSwitch, err))
	}
	e.gateDailyLocked(&a, riskAmount)
	e.gateExposureLocked(&a, pair, riskAmount)
	e.gateClusterLocked(&a, pair)
	e.gateVaRLocked(&a)

	a.CanTrade = len(a.BlockedBy) == 0
	return a
}

// stopDistancePips reads the stop distance off the entry plan, falling
// back to an ATR-ish default of 22 pips when geometry is absent.
func (e *Engine) stopDistancePips(sig *domain.Signal, pair domain.Pair) float64 {
	const fallbackPips = 22.0
	if sig == nil || sig.Entry == nil || sig.Entry.Price <= 0 {
		return fallbackPips
	}
	d := (sig.Entry.Price - sig.Entry.StopLoss) / pair.PipSize()
	if sig.Direction == domain.DirectionSell {
		d = -d
	}
	if d <= 0 {
		return fallbackPips
	}
	return d
}

// sizeLocked computes lots from the account risk budget and the stop
// distance, clamped to [0.01, MaxPositionLots] in 0.01-lot steps.
func (e *Engine) sizeLocked(pair domain.Pair, slPips float64) (lots, riskAmount float64) {
	budget := e.balance * e.cfg.AccountRiskPct / 100
	pipValue := e.cfg.PipValuePerLot
	if pair.Quote == "JPY" {
		pipValue = e.cfg.JPYPipValuePerLot
	}
	if slPips <= 0 || pipValue <= 0 {
		return 0, 0
	}
	lots = budget / (slPips * pipValue)
	if lots > e.cfg.MaxPositionLots {
		lots = e.cfg.MaxPositionLots
	}
	lots = float64(int(lots*100)) / 100
	if lots < 0.01 {
		lots = 0.01
	}
	riskAmount = lots * slPips * pipValue
	return lots, riskAmount
}

func (e *Engine) gateDailyLocked(a *Assessment, riskAmount float64) {
	limit := e.balance * e.cfg.MaxDailyRiskPct / 100
	used := e.dailyUsed + riskAmount
	switch {
	case used > limit:
		a.BlockedBy = append(a.BlockedBy, fmt.Sprintf("%s: %.2f of %.2f daily budget", GateDailyRisk, used, limit))
	case used > limit*warnRatio:
		a.Warnings = append(a.Warnings, fmt.Sprintf("%s: %.0f%% of daily budget committed", GateDailyRisk, used/limit*100))
	}
}

func (e *Engine) gateExposureLocked(a *Assessment, pair domain.Pair, riskAmount float64) {
	limit := e.balance * e.cfg.MaxExposurePct / 100
	exposure := e.exposureLocked()
	for _, ccy := range pair.Currencies() {
		next := exposure[ccy] + riskAmount
		switch {
		case next > limit:
			a.BlockedBy = append(a.BlockedBy, fmt.Sprintf("%s: %s %.2f of %.2f", GateExposure, ccy, next, limit))
		case next > limit*warnRatio:
			a.Warnings = append(a.Warnings, fmt.Sprintf("%s: %s at %.0f%% of cap", GateExposure, ccy, next/limit*100))
		}
	}
}

func (e *Engine) gateClusterLocked(a *Assessment, pair domain.Pair) {
	cluster := e.clusterOf(pair.Symbol)
	if cluster == nil {
		return
	}
	count := 0
	for _, t := range e.open {
		if t.IsOpen() && cluster[t.Pair] {
			count++
		}
	}
	switch {
	case count >= e.cfg.ClusterLimit:
		a.BlockedBy = append(a.BlockedBy, fmt.Sprintf("%s: %d open in correlation cluster (max %d)", GateCluster, count, e.cfg.ClusterLimit))
	case count == e.cfg.ClusterLimit-1 && e.cfg.ClusterLimit > 1:
		a.Warnings = append(a.Warnings, fmt.Sprintf("%s: cluster at %d of %d", GateCluster, count, e.cfg.ClusterLimit))
	}
}

func (e *Engine) gateVaRLocked(a *Assessment) {
	v, ok := e.varLocked()
	if !ok {
		return
	}
	switch {
	case v > e.cfg.VaRLimitPct:
		a.BlockedBy = append(a.BlockedBy, fmt.Sprintf("%s: VaR95 %.2f%% over %.2f%% cap", GateVaR, v, e.cfg.VaRLimitPct))
	case v > e.cfg.VaRLimitPct*warnRatio:
		a.Warnings = append(a.Warnings, fmt.Sprintf("%s: VaR95 %.2f%% nearing cap", GateVaR, v))
	}
}

// varLocked estimates 95% historical VaR from the realized-return
// window, as a positive loss percentage. ok is false below the sample
// floor.
func (e *Engine) varLocked() (float64, bool) {
	cutoff := e.now().UTC().AddDate(0, 0, -e.cfg.VaRWindowDays)
	var sample []float64
	for _, r := range e.returns {
		if !r.at.Before(cutoff) {
			sample = append(sample, r.pct)
		}
	}
	if len(sample) < e.cfg.VaRMinSamples {
		return 0, false
	}
	sort.Float64s(sample)
	q := stat.Quantile(0.05, stat.Empirical, sample, nil)
	if q >= 0 {
		return 0, true
	}
	return -q, true
}

func (e *Engine) clusterOf(symbol string) map[string]bool {
	for _, group := range e.cfg.Clusters {
		for _, s := range group {
			if s == symbol {
				set := make(map[string]bool, len(group))
				for _, m := range group {
					set[m] = true
				}
				return set
			}
		}
	}
	return nil
}

// exposureLocked sums committed risk per currency across open trades.
func (e *Engine) exposureLocked() map[string]float64 {
	out := make(map[string]float64)
	for id, t := range e.open {
		if !t.IsOpen() {
			continue
		}
		p, err := domain.ParsePair(t.Pair)
		if err != nil {
			continue
		}
		for _, ccy := range p.Currencies() {
			out[ccy] += e.riskByID[id]
		}
	}
	return out
}

// rollDailyLocked resets the daily accumulator when the UTC date moves.
func (e *Engine) rollDailyLocked() {
	today := e.now().UTC().Format("2006-01-02")
	if e.dailyDate != today {
		e.dailyDate = today
		e.dailyUsed = 0
	}
}

package domain

import "fmt"

// Direction is the trade side a signal recommends.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

// Directional reports whether the direction is BUY or SELL.
func (d Direction) Directional() bool {
	return d == DirectionBuy || d == DirectionSell
}

// DecisionState labels the final disposition of a signal.
type DecisionState string

const (
	DecisionApproved DecisionState = "approved"
	DecisionRejected DecisionState = "rejected"
	DecisionBlocked  DecisionState = "blocked"
)

// EntryPlan is the executable price geometry attached to a directional signal.
type EntryPlan struct {
	Price        float64 `json:"price"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	RiskReward   float64 `json:"risk_reward"`
	TrailingStop bool    `json:"trailing_stop"`
	ATR          float64 `json:"atr,omitempty"`
}

// RiskManagement is the sizing decision computed by the risk engine.
type RiskManagement struct {
	PositionSize   float64  `json:"position_size"`
	RiskAmount     float64  `json:"risk_amount"`
	AccountRiskPct float64  `json:"account_risk_pct"`
	CanTrade       bool     `json:"can_trade"`
	Blockers       []string `json:"blockers,omitempty"`
}

// ComponentScore summarizes one analyzer's contribution.
type ComponentScore struct {
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Direction  Direction `json:"direction"`
	Source     string    `json:"source,omitempty"`
}

// ScorerSummary carries the adaptive scorer's probability view.
type ScorerSummary struct {
	Probability      float64  `json:"probability"`
	RuleProbability  float64  `json:"rule_probability"`
	ModelProbability *float64 `json:"model_probability,omitempty"`
	BuyThreshold     float64  `json:"buy_threshold"`
	SellThreshold    float64  `json:"sell_threshold"`
	Reason           string   `json:"reason,omitempty"`
}

// SignalComponents groups the per-source contributions that produced a signal.
type SignalComponents struct {
	Technical ComponentScore `json:"technical"`
	Economic  ComponentScore `json:"economic"`
	News      ComponentScore `json:"news"`
	Scorer    ScorerSummary  `json:"scorer"`
}

// Decision is the structured disposition carried inside Validity.
type Decision struct {
	State    DecisionState `json:"state"`
	Blockers []string      `json:"blockers,omitempty"`
	Missing  []string      `json:"missing,omitempty"`
}

// Validity records the outcome of every validity check by name.
type Validity struct {
	IsValid  bool            `json:"is_valid"`
	Checks   map[string]bool `json:"checks,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Decision Decision        `json:"decision"`
}

// Signal is a fully assembled trading recommendation for one pair.
type Signal struct {
	Pair           string             `json:"pair"`
	TimestampMs    int64              `json:"timestamp_ms"`
	Direction      Direction          `json:"direction"`
	Strength       float64            `json:"strength"`
	Confidence     float64            `json:"confidence"`
	FinalScore     float64            `json:"final_score"`
	Components     SignalComponents   `json:"components"`
	Entry          *EntryPlan         `json:"entry,omitempty"`
	RiskManagement RiskManagement     `json:"risk_management"`
	Validity       Validity           `json:"validity"`
	Explain        map[string]float64 `json:"explain,omitempty"`
	Reasoning      []string           `json:"reasoning,omitempty"`
}

// NeutralSignal builds the safe default returned when generation cannot
// proceed. The reason lands in both the validity reason and the blockers.
func NeutralSignal(pair string, tsMs int64, reason string) *Signal {
	return &Signal{
		Pair:        pair,
		TimestampMs: tsMs,
		Direction:   DirectionNeutral,
		Validity: Validity{
			IsValid: false,
			Reason:  reason,
			Decision: Decision{
				State:    DecisionBlocked,
				Blockers: []string{reason},
			},
		},
	}
}

// Validate enforces the structural signal invariants. Valid signals must be
// directional, carry an entry plan with correctly ordered levels, and keep
// strength and confidence inside [0,100].
func (s *Signal) Validate() error {
	if s.Strength < 0 || s.Strength > 100 {
		return fmt.Errorf("signal %s: strength %.2f outside [0,100]", s.Pair, s.Strength)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("signal %s: confidence %.2f outside [0,100]", s.Pair, s.Confidence)
	}
	if s.FinalScore < -100 || s.FinalScore > 100 {
		return fmt.Errorf("signal %s: final score %.2f outside [-100,100]", s.Pair, s.FinalScore)
	}
	if s.Direction == DirectionNeutral && s.Entry != nil {
		return fmt.Errorf("signal %s: neutral signal carries an entry plan", s.Pair)
	}
	if s.Entry != nil {
		e := s.Entry
		switch s.Direction {
		case DirectionBuy:
			if !(e.StopLoss < e.Price && e.Price < e.TakeProfit) {
				return fmt.Errorf("signal %s: BUY levels out of order sl=%.5f price=%.5f tp=%.5f",
					s.Pair, e.StopLoss, e.Price, e.TakeProfit)
			}
		case DirectionSell:
			if !(e.TakeProfit < e.Price && e.Price < e.StopLoss) {
				return fmt.Errorf("signal %s: SELL levels out of order tp=%.5f price=%.5f sl=%.5f",
					s.Pair, e.TakeProfit, e.Price, e.StopLoss)
			}
		}
	}
	if s.Validity.IsValid {
		if !s.Direction.Directional() {
			return fmt.Errorf("signal %s: valid signal must be directional", s.Pair)
		}
		if s.Entry == nil {
			return fmt.Errorf("signal %s: valid signal missing entry plan", s.Pair)
		}
		if !s.RiskManagement.CanTrade {
			return fmt.Errorf("signal %s: valid signal with canTrade=false", s.Pair)
		}
	}
	return nil
}

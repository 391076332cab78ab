package signals

import (
	"fmt"

	"github.com/meridianfx/meridian/internal/domain"
)

// check names in evaluation order; the first failure names the reason.
const (
	CheckDirectional     = "directional"
	CheckMinStrength     = "min_strength"
	CheckMinConfidence   = "min_confidence"
	CheckRiskReward      = "risk_reward"
	CheckCanTrade        = "can_trade"
	CheckConfidenceFloor = "confidence_floor"
	CheckCircuitBreaker  = "circuit_breaker"
	CheckNewsConflict    = "news_conflict"
)

var checkOrder = []string{
	CheckDirectional,
	CheckMinStrength,
	CheckMinConfidence,
	CheckRiskReward,
	CheckCanTrade,
	CheckConfidenceFloor,
	CheckCircuitBreaker,
	CheckNewsConflict,
}

// Finalize runs every validity check against the assembled signal and
// writes the verdict. The signal is returned for chaining.
func (c *Combiner) Finalize(sig *domain.Signal, ctx Context) *domain.Signal {
	checks := make(map[string]bool, len(checkOrder))
	detail := make(map[string]string, 2)

	checks[CheckDirectional] = sig.Direction.Directional()
	if !checks[CheckDirectional] {
		detail[CheckDirectional] = "direction is NEUTRAL"
	}

	checks[CheckMinStrength] = sig.Strength >= c.cfg.MinStrength
	if !checks[CheckMinStrength] {
		detail[CheckMinStrength] = fmt.Sprintf("strength %.1f below %.1f", sig.Strength, c.cfg.MinStrength)
	}

	checks[CheckMinConfidence] = sig.Confidence >= c.cfg.MinConfidence
	if !checks[CheckMinConfidence] {
		detail[CheckMinConfidence] = fmt.Sprintf("confidence %.1f below %.1f", sig.Confidence, c.cfg.MinConfidence)
	}

	rrFloor := c.cfg.riskReward()
	checks[CheckRiskReward] = sig.Entry != nil && sig.Entry.RiskReward >= rrFloor-1e-9
	if !checks[CheckRiskReward] {
		if sig.Entry == nil {
			detail[CheckRiskReward] = "no entry plan"
		} else {
			detail[CheckRiskReward] = fmt.Sprintf("risk-reward %.2f below %.2f", sig.Entry.RiskReward, rrFloor)
		}
	}

	checks[CheckCanTrade] = sig.RiskManagement.CanTrade
	if !checks[CheckCanTrade] {
		detail[CheckCanTrade] = "risk engine refused the trade"
		if len(sig.RiskManagement.Blockers) > 0 {
			detail[CheckCanTrade] = "risk engine refused: " + sig.RiskManagement.Blockers[0]
		}
	}

	checks[CheckConfidenceFloor] = true
	if q := ctx.Quality; q != nil && q.ConfidenceFloor > 0 && sig.Confidence < q.ConfidenceFloor {
		checks[CheckConfidenceFloor] = false
		detail[CheckConfidenceFloor] = fmt.Sprintf("confidence %.1f below imposed floor %.1f", sig.Confidence, q.ConfidenceFloor)
	}

	checks[CheckCircuitBreaker] = true
	if q := ctx.Quality; q != nil && q.BreakerActive {
		checks[CheckCircuitBreaker] = false
		detail[CheckCircuitBreaker] = "data quality breaker active: " + q.BreakerReason
	}

	checks[CheckNewsConflict] = true
	if n := ctx.News; n != nil && n.HighImpactImminent && n.Direction != sig.Direction {
		checks[CheckNewsConflict] = false
		detail[CheckNewsConflict] = "high-impact news imminent against the signal"
	}

	validity := domain.Validity{Checks: checks, IsValid: true}
	var blockers []string
	for _, name := range checkOrder {
		if checks[name] {
			continue
		}
		validity.IsValid = false
		if validity.Reason == "" {
			validity.Reason = name + ": " + detail[name]
		}
		blockers = append(blockers, name)
	}

	validity.Decision = decide(validity.IsValid, checks, blockers, ctx)
	sig.Validity = validity
	return sig
}

// decide maps the check outcome to the decision triple. External halts
// (breaker, risk refusal) block; everything else merely rejects.
func decide(valid bool, checks map[string]bool, blockers []string, ctx Context) domain.Decision {
	d := domain.Decision{State: DecisionStateFor(valid, checks), Blockers: blockers}
	if ctx.Technical == nil {
		d.Missing = append(d.Missing, "technical_analysis")
	}
	if ctx.Economic == nil {
		d.Missing = append(d.Missing, "economic_analysis")
	}
	if ctx.News == nil {
		d.Missing = append(d.Missing, "news_analysis")
	}
	if ctx.Quality == nil {
		d.Missing = append(d.Missing, "quality_report")
	}
	return d
}

// DecisionStateFor grades the failure: approved when valid, blocked when
// an external halt fired, rejected otherwise.
func DecisionStateFor(valid bool, checks map[string]bool) domain.DecisionState {
	if valid {
		return domain.DecisionApproved
	}
	if !checks[CheckCircuitBreaker] || !checks[CheckCanTrade] {
		return domain.DecisionBlocked
	}
	return domain.DecisionRejected
}

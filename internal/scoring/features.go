package scoring

import (
	"github.com/meridianfx/meridian/internal/analysis/economic"
	"github.com/meridianfx/meridian/internal/analysis/news"
	"github.com/meridianfx/meridian/internal/analysis/technical"
	"github.com/meridianfx/meridian/internal/domain"
)

// featureNames fixes the vector order shared by the rule scorer, the tree
// model and the training exporter. Appending is safe; reordering breaks
// persisted models.
var featureNames = []string{
	"economic_score",
	"economic_direction",
	"news_score",
	"news_impact",
	"news_direction",
	"technical_score",
	"technical_strength",
	"technical_direction",
	"regime_confidence",
	"trend_slope",
	"volatility",
	"volume_pressure",
	"divergence",
	"consensus",
}

// FeatureNames returns a copy of the canonical feature order.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// FeatureVector is the fixed scorer input extracted from the analyzers.
type FeatureVector struct {
	EconomicScore      float64 `json:"economic_score"`      // -100..100
	EconomicDirection  float64 `json:"economic_direction"`  // -1, 0, +1
	NewsScore          float64 `json:"news_score"`          // -100..100
	NewsImpact         float64 `json:"news_impact"`         // 0..1 (rank/3)
	NewsDirection      float64 `json:"news_direction"`      // -1, 0, +1
	TechnicalScore     float64 `json:"technical_score"`     // -150..150
	TechnicalStrength  float64 `json:"technical_strength"`  // 0..100
	TechnicalDirection float64 `json:"technical_direction"` // -1, 0, +1
	RegimeConfidence   float64 `json:"regime_confidence"`   // 0..1
	TrendSlope         float64 `json:"trend_slope"`
	Volatility         float64 `json:"volatility"`      // ATR percentile 0..1
	VolumePressure     float64 `json:"volume_pressure"` // -1..1
	Divergence         float64 `json:"divergence"`      // -1..1
	Consensus          float64 `json:"consensus"`       // 0..1
}

// Slice flattens the vector in featureNames order for tree traversal.
func (v FeatureVector) Slice() []float64 {
	return []float64{
		v.EconomicScore,
		v.EconomicDirection,
		v.NewsScore,
		v.NewsImpact,
		v.NewsDirection,
		v.TechnicalScore,
		v.TechnicalStrength,
		v.TechnicalDirection,
		v.RegimeConfidence,
		v.TrendSlope,
		v.Volatility,
		v.VolumePressure,
		v.Divergence,
		v.Consensus,
	}
}

// Inputs carries the analyzer outputs for one pair. Any field may be nil;
// missing analyses contribute zero features.
type Inputs struct {
	Economic  *economic.Analysis
	News      *news.Analysis
	Technical *technical.Analysis
}

// Extract builds the feature vector from whatever analyses are present.
func Extract(in Inputs) FeatureVector {
	var v FeatureVector
	if e := in.Economic; e != nil {
		v.EconomicScore = e.Score
		v.EconomicDirection = directionSign(e.Direction)
	}
	if n := in.News; n != nil {
		v.NewsScore = n.Score
		v.NewsImpact = impactRank(n.Impact)
		v.NewsDirection = directionSign(n.Direction)
	}
	if t := in.Technical; t != nil {
		v.TechnicalScore = t.Score
		v.TechnicalStrength = t.Strength
		v.TechnicalDirection = directionSign(t.Direction)
		v.RegimeConfidence = t.Regime.Confidence
		v.TrendSlope = t.Regime.TrendSlope
		v.Volatility = t.Regime.ATRPctile
		v.VolumePressure = t.VolumePress
		v.Divergence = t.Divergence
		v.Consensus = t.Consensus
	}
	return v
}

func directionSign(d domain.Direction) float64 {
	switch d {
	case domain.DirectionBuy:
		return 1
	case domain.DirectionSell:
		return -1
	}
	return 0
}

func impactRank(i domain.NewsImpact) float64 {
	switch i {
	case domain.ImpactCritical:
		return 1.0
	case domain.ImpactHigh:
		return 2.0 / 3.0
	case domain.ImpactMedium:
		return 1.0 / 3.0
	default:
		return 0
	}
}

package technical

import (
	"sort"

	"github.com/markcheno/go-talib"

	"github.com/meridianfx/meridian/internal/domain"
)

// MarketRegime is the structural state read from ADX and ATR.
type MarketRegime string

const (
	RegimeTrending MarketRegime = "trending"
	RegimeRanging  MarketRegime = "ranging"
	RegimeVolatile MarketRegime = "volatile"
)

// VolRegime buckets current ATR against its own recent distribution; the
// combiner derives stop and target multiples from it.
type VolRegime string

const (
	VolLow    VolRegime = "low"
	VolNormal VolRegime = "normal"
	VolHigh   VolRegime = "high"
)

const (
	adxTrendThreshold   = 25.0
	atrHighPercentile   = 0.80
	atrLowPercentile    = 0.25
	atrLookback         = 100
	regimeMinConfidence = 0.4
)

// RegimeRead is the classified regime with a confidence and trend slope.
type RegimeRead struct {
	Regime     MarketRegime `json:"regime"`
	Volatility VolRegime    `json:"volatility"`
	Confidence float64      `json:"confidence"` // 0..1
	TrendSlope float64      `json:"trend_slope"`
	ATRPctile  float64      `json:"atr_percentile"`
}

// classifyRegime reads trend strength from ADX and positions current ATR
// within its recent distribution.
func classifyRegime(bars []domain.Bar, set IndicatorSet) RegimeRead {
	read := RegimeRead{Regime: RegimeRanging, Volatility: VolNormal, Confidence: regimeMinConfidence}

	closes := domain.Closes(bars)
	read.TrendSlope = slopeTail(talib.Ema(closes, emaFast), 10)

	atrSeries := talib.Atr(domain.Highs(bars), domain.Lows(bars), closes, atrPeriod)
	read.ATRPctile = percentileRank(atrSeries, set.ATR, atrLookback)

	switch {
	case read.ATRPctile >= atrHighPercentile:
		read.Volatility = VolHigh
	case read.ATRPctile <= atrLowPercentile:
		read.Volatility = VolLow
	}

	switch {
	case read.ATRPctile >= atrHighPercentile && set.ADX < adxTrendThreshold:
		read.Regime = RegimeVolatile
		read.Confidence = clamp(read.ATRPctile, regimeMinConfidence, 1)
	case set.ADX >= adxTrendThreshold:
		read.Regime = RegimeTrending
		read.Confidence = clamp(set.ADX/50, regimeMinConfidence, 1)
	default:
		read.Regime = RegimeRanging
		read.Confidence = clamp(1-set.ADX/50, regimeMinConfidence, 1)
	}
	return read
}

// percentileRank positions v within the tail of series (NaN warmup
// skipped), returning 0.5 when history is too thin.
func percentileRank(series []float64, v float64, lookback int) float64 {
	tail := make([]float64, 0, lookback)
	for i := len(series) - 1; i >= 0 && len(tail) < lookback; i-- {
		x := series[i]
		if x == x { // skip NaN
			tail = append(tail, x)
		}
	}
	if len(tail) < 10 {
		return 0.5
	}
	sort.Float64s(tail)
	below := sort.SearchFloat64s(tail, v)
	return float64(below) / float64(len(tail))
}

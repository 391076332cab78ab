package technical

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/meridianfx/meridian/internal/domain"
)

const (
	rsiPeriod    = 14
	emaFast      = 20
	emaSlow      = 50
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	atrPeriod    = 14
	adxPeriod    = 14
	bbandsPeriod = 20
	bbandsDev    = 2.0

	// minBars covers the slowest indicator plus MACD signal warmup.
	minBars = emaSlow + macdSignal
)

// IndicatorSet holds the last value of each indicator for one timeframe.
type IndicatorSet struct {
	RSI        float64 `json:"rsi"`
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ATR        float64 `json:"atr"`
	ADX        float64 `json:"adx"`
	OBVSlope   float64 `json:"obv_slope"`
	BBUpper    float64 `json:"bb_upper"`
	BBMiddle   float64 `json:"bb_middle"`
	BBLower    float64 `json:"bb_lower"`
	BBPosition float64 `json:"bb_position"`
	Close      float64 `json:"close"`
}

// computeIndicators requires at least minBars bars.
func computeIndicators(bars []domain.Bar) (IndicatorSet, bool) {
	if len(bars) < minBars {
		return IndicatorSet{}, false
	}
	closes := domain.Closes(bars)
	highs := domain.Highs(bars)
	lows := domain.Lows(bars)
	volumes := domain.Volumes(bars)

	set := IndicatorSet{Close: closes[len(closes)-1]}

	set.RSI = last(talib.Rsi(closes, rsiPeriod))
	set.EMAFast = last(talib.Ema(closes, emaFast))
	set.EMASlow = last(talib.Ema(closes, emaSlow))

	macd, sig, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	set.MACD = last(macd)
	set.MACDSignal = last(sig)
	set.MACDHist = last(hist)

	set.ATR = last(talib.Atr(highs, lows, closes, atrPeriod))
	set.ADX = last(talib.Adx(highs, lows, closes, adxPeriod))

	obv := talib.Obv(closes, volumes)
	set.OBVSlope = slopeTail(obv, 10)

	upper, middle, lower := talib.BBands(closes, bbandsPeriod, bbandsDev, bbandsDev, 0)
	set.BBUpper = last(upper)
	set.BBMiddle = last(middle)
	set.BBLower = last(lower)
	if width := set.BBUpper - set.BBLower; width > 0 {
		set.BBPosition = clamp((set.Close-set.BBLower)/width, 0, 1)
	} else {
		set.BBPosition = 0.5
	}

	if math.IsNaN(set.RSI) || math.IsNaN(set.ATR) || set.ATR <= 0 {
		return IndicatorSet{}, false
	}
	return set, true
}

// last returns the final element, NaN-safe for empty slices.
func last(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return vals[len(vals)-1]
}

// slopeTail is the normalized least-squares slope over the last n points,
// squashed to [-1,1].
func slopeTail(vals []float64, n int) float64 {
	if len(vals) < n || n < 2 {
		return 0
	}
	tail := vals[len(vals)-n:]
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range tail {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	mean := sumY / fn
	if mean == 0 {
		return 0
	}
	return math.Tanh(slope / math.Abs(mean) * 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

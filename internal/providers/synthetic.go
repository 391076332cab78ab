package providers

import (
	"hash/fnv"
	"math/rand"
	"strconv"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

// syntheticBasePrices anchor the generated walk at plausible levels.
var syntheticBasePrices = map[string]float64{
	"EURUSD": 1.0850, "GBPUSD": 1.2700, "USDJPY": 148.50, "USDCHF": 0.8800,
	"AUDUSD": 0.6600, "USDCAD": 1.3600, "NZDUSD": 0.6100, "EURGBP": 0.8550,
	"EURJPY": 161.20, "GBPJPY": 188.60, "XAUUSD": 2350.0, "XAGUSD": 28.40,
	"BTCUSD": 64000.0, "US30": 39000.0, "SPX500": 5200.0, "NAS100": 18200.0,
}

// Synthetic produces deterministic pseudo-random walks when every real
// provider is unavailable and the caller allows fallback data. The seed
// folds in the current hour so repeated calls within an hour agree.
type Synthetic struct {
	now func() time.Time
}

// NewSynthetic builds the generator with the wall clock.
func NewSynthetic() *Synthetic { return &Synthetic{now: time.Now} }

// SetClock replaces the generator clock (tests).
func (s *Synthetic) SetClock(now func() time.Time) { s.now = now }

func syntheticSeed(pair string, tf domain.Timeframe, hourBucket int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(pair))
	h.Write([]byte("|"))
	h.Write([]byte(tf))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(hourBucket, 10)))
	return int64(h.Sum64())
}

func (s *Synthetic) basePrice(pair domain.Pair) float64 {
	if px, ok := syntheticBasePrices[pair.Symbol]; ok {
		return px
	}
	// stable pseudo-level for unknown symbols
	h := fnv.New32a()
	h.Write([]byte(pair.Symbol))
	return 0.8 + float64(h.Sum32()%6000)/10000.0
}

func (s *Synthetic) volatility(pair domain.Pair, base float64) float64 {
	switch pair.Class {
	case domain.AssetCrypto:
		return base * 0.004
	case domain.AssetMetal, domain.AssetIndex:
		return base * 0.0015
	default:
		return base * 0.0006
	}
}

// Bars generates count bars ending at the timeframe boundary before now,
// all tagged with the synthetic source.
func (s *Synthetic) Bars(pair domain.Pair, tf domain.Timeframe, count int) []domain.Bar {
	now := s.now().UTC()
	periodMs := tf.PeriodSeconds() * 1000
	end := (now.UnixMilli() / periodMs) * periodMs

	rng := rand.New(rand.NewSource(syntheticSeed(pair.Symbol, tf, now.Unix()/3600)))
	base := s.basePrice(pair)
	vol := s.volatility(pair, base)

	bars := make([]domain.Bar, count)
	price := base
	for i := 0; i < count; i++ {
		drift := (rng.Float64() - 0.5) * 2 * vol
		open := price
		close := open + drift
		high := open
		if close > high {
			high = close
		}
		high += rng.Float64() * vol * 0.6
		low := open
		if close < low {
			low = close
		}
		low -= rng.Float64() * vol * 0.6

		bars[i] = domain.Bar{
			TimestampMs: end - int64(count-1-i)*periodMs,
			Open:        open,
			High:        high,
			Low:         low,
			Close:       close,
			Volume:      500 + rng.Float64()*1500,
			Source:      domain.SourceSynthetic,
		}
		price = close
	}
	return bars
}

// Quote generates a deterministic quote around the walk's latest price.
func (s *Synthetic) Quote(pair domain.Pair) *domain.Quote {
	bars := s.Bars(pair, domain.TFM1, 2)
	last := bars[len(bars)-1]

	half := typicalSpreadPips(pair) * pair.PipSize() / 2
	return &domain.Quote{
		Pair:        pair.Symbol,
		Bid:         last.Close - half,
		Ask:         last.Close + half,
		TimestampMs: s.now().UnixMilli(),
		Provider:    domain.SourceSynthetic,
	}
}

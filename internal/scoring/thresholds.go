package scoring

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/meridianfx/meridian/internal/domain"
)

// Thresholds map an ensemble probability onto a direction: prob >= Buy
// reads BUY, prob <= Sell reads SELL, anything between is NEUTRAL.
type Thresholds struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

// Bounds box the thresholds so optimization can never push a pair into
// hair-trigger or unreachable territory.
type Bounds struct {
	BuyMin  float64 `json:"buy_min"`
	BuyMax  float64 `json:"buy_max"`
	SellMin float64 `json:"sell_min"`
	SellMax float64 `json:"sell_max"`
}

// DefaultBounds per the trading desk's calibration.
func DefaultBounds() Bounds {
	return Bounds{BuyMin: 0.52, BuyMax: 0.70, SellMin: 0.30, SellMax: 0.48}
}

// DefaultThresholds apply to pairs with no optimized entry.
func DefaultThresholds() Thresholds {
	return Thresholds{Buy: 0.55, Sell: 0.45}
}

// Clamp boxes t into b.
func (b Bounds) Clamp(t Thresholds) Thresholds {
	t.Buy = math.Min(math.Max(t.Buy, b.BuyMin), b.BuyMax)
	t.Sell = math.Min(math.Max(t.Sell, b.SellMin), b.SellMax)
	return t
}

// ThresholdBook holds per-pair thresholds behind a lock. Reads outnumber
// writes heavily; writes happen only on optimization runs.
type ThresholdBook struct {
	mu       sync.RWMutex
	byPair   map[string]Thresholds
	bounds   Bounds
	fallback Thresholds
}

// NewThresholdBook builds a book with the desk defaults.
func NewThresholdBook() *ThresholdBook {
	return &ThresholdBook{
		byPair:   make(map[string]Thresholds),
		bounds:   DefaultBounds(),
		fallback: DefaultThresholds(),
	}
}

// Bounds returns the configured box.
func (b *ThresholdBook) Bounds() Bounds { return b.bounds }

// Get returns the thresholds for a pair, falling back to the defaults.
func (b *ThresholdBook) Get(symbol string) Thresholds {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.byPair[symbol]; ok {
		return t
	}
	return b.fallback
}

// Set stores clamped thresholds for a pair.
func (b *ThresholdBook) Set(symbol string, t Thresholds) {
	t = b.bounds.Clamp(t)
	b.mu.Lock()
	b.byPair[symbol] = t
	b.mu.Unlock()
}

// All snapshots every stored entry.
func (b *ThresholdBook) All() map[string]Thresholds {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Thresholds, len(b.byPair))
	for k, v := range b.byPair {
		out[k] = v
	}
	return out
}

// Classify maps a probability to a direction under t.
func (t Thresholds) Classify(prob float64) domain.Direction {
	switch {
	case prob >= t.Buy:
		return domain.DirectionBuy
	case prob <= t.Sell:
		return domain.DirectionSell
	}
	return domain.DirectionNeutral
}

// Observation is one labeled historical prediction: the probability the
// scorer emitted and the direction that would have been profitable.
type Observation struct {
	Probability float64          `json:"probability"`
	Outcome     domain.Direction `json:"outcome"`
}

// OptimizeStats reports the quality of the optimized thresholds.
type OptimizeStats struct {
	Samples int     `json:"samples"`
	BuyF1   float64 `json:"buy_f1"`
	SellF1  float64 `json:"sell_f1"`
}

const optimizeStep = 0.01

// minOptimizeSamples guards against fitting thresholds on noise.
const minOptimizeSamples = 30

// OptimizeThresholds grid-searches the bounded threshold range for the
// F1-maximizing cut on each side. Too little history returns the defaults
// unchanged.
func OptimizeThresholds(history []Observation, bounds Bounds) (Thresholds, OptimizeStats) {
	stats := OptimizeStats{Samples: len(history)}
	out := bounds.Clamp(DefaultThresholds())
	if len(history) < minOptimizeSamples {
		return out, stats
	}

	buyCuts := sweep(bounds.BuyMin, bounds.BuyMax)
	buyF1 := make([]float64, len(buyCuts))
	for i, cut := range buyCuts {
		buyF1[i] = f1At(history, cut, domain.DirectionBuy)
	}
	if i := floats.MaxIdx(buyF1); buyF1[i] > 0 {
		out.Buy = buyCuts[i]
		stats.BuyF1 = buyF1[i]
	}

	sellCuts := sweep(bounds.SellMin, bounds.SellMax)
	sellF1 := make([]float64, len(sellCuts))
	for i, cut := range sellCuts {
		sellF1[i] = f1At(history, cut, domain.DirectionSell)
	}
	if i := floats.MaxIdx(sellF1); sellF1[i] > 0 {
		out.Sell = sellCuts[i]
		stats.SellF1 = sellF1[i]
	}

	return bounds.Clamp(out), stats
}

func sweep(lo, hi float64) []float64 {
	n := int(math.Round((hi-lo)/optimizeStep)) + 1
	if n < 1 {
		n = 1
	}
	cuts := make([]float64, n)
	if n == 1 {
		cuts[0] = lo
		return cuts
	}
	floats.Span(cuts, lo, hi)
	return cuts
}

// f1At scores one candidate cut as a binary classifier for dir.
func f1At(history []Observation, cut float64, dir domain.Direction) float64 {
	var tp, fp, fn float64
	for _, o := range history {
		predicted := false
		if dir == domain.DirectionBuy {
			predicted = o.Probability >= cut
		} else {
			predicted = o.Probability <= cut
		}
		actual := o.Outcome == dir
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		}
	}
	if tp == 0 {
		return 0
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return 2 * precision * recall / (precision + recall)
}

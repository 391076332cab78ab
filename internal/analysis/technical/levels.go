package technical

import (
	"sort"

	"github.com/meridianfx/meridian/internal/domain"
)

// swingWing is the number of bars on each side a pivot must dominate.
const swingWing = 3

// Levels are nearby support and resistance prices, closest first.
type Levels struct {
	Support    []float64 `json:"support"`
	Resistance []float64 `json:"resistance"`
}

// findLevels extracts swing highs/lows and splits them around the last
// close. At most three levels are kept on each side.
func findLevels(bars []domain.Bar) Levels {
	if len(bars) < swingWing*2+1 {
		return Levels{}
	}
	price := bars[len(bars)-1].Close

	var highs, lows []float64
	for i := swingWing; i < len(bars)-swingWing; i++ {
		if isSwingHigh(bars, i) {
			highs = append(highs, bars[i].High)
		}
		if isSwingLow(bars, i) {
			lows = append(lows, bars[i].Low)
		}
	}

	var lv Levels
	for _, h := range highs {
		if h > price {
			lv.Resistance = append(lv.Resistance, h)
		} else {
			lv.Support = append(lv.Support, h)
		}
	}
	for _, l := range lows {
		if l < price {
			lv.Support = append(lv.Support, l)
		} else {
			lv.Resistance = append(lv.Resistance, l)
		}
	}

	// closest to price first
	sort.Sort(sort.Reverse(sort.Float64Slice(lv.Support)))
	sort.Float64s(lv.Resistance)
	if len(lv.Support) > 3 {
		lv.Support = lv.Support[:3]
	}
	if len(lv.Resistance) > 3 {
		lv.Resistance = lv.Resistance[:3]
	}
	return lv
}

func isSwingHigh(bars []domain.Bar, i int) bool {
	h := bars[i].High
	for j := i - swingWing; j <= i+swingWing; j++ {
		if j != i && bars[j].High >= h {
			return false
		}
	}
	return true
}

func isSwingLow(bars []domain.Bar, i int) bool {
	l := bars[i].Low
	for j := i - swingWing; j <= i+swingWing; j++ {
		if j != i && bars[j].Low <= l {
			return false
		}
	}
	return true
}

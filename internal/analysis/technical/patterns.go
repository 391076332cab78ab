package technical

import (
	"github.com/meridianfx/meridian/internal/domain"
)

// Pattern is a detected candlestick formation on one timeframe.
type Pattern struct {
	Name      string           `json:"name"`
	Timeframe domain.Timeframe `json:"timeframe"`
	Direction domain.Direction `json:"direction"`
	// Strength in [0,1]; larger bodies and cleaner rejections score higher.
	Strength float64 `json:"strength"`
}

const (
	patternEngulfing = "engulfing"
	patternPinBar    = "pin_bar"
	patternInsideBar = "inside_bar"
)

// detectPatterns inspects the final two completed bars.
func detectPatterns(bars []domain.Bar, tf domain.Timeframe) []Pattern {
	if len(bars) < 3 {
		return nil
	}
	prev := bars[len(bars)-2]
	cur := bars[len(bars)-1]

	var out []Pattern
	if p, ok := engulfing(prev, cur, tf); ok {
		out = append(out, p)
	}
	if p, ok := pinBar(cur, tf); ok {
		out = append(out, p)
	}
	if p, ok := insideBar(prev, cur, tf); ok {
		out = append(out, p)
	}
	return out
}

func body(b domain.Bar) float64 {
	d := b.Close - b.Open
	if d < 0 {
		return -d
	}
	return d
}

func engulfing(prev, cur domain.Bar, tf domain.Timeframe) (Pattern, bool) {
	prevBody, curBody := body(prev), body(cur)
	if prevBody == 0 || curBody <= prevBody {
		return Pattern{}, false
	}
	bullish := cur.Close > cur.Open && prev.Close < prev.Open &&
		cur.Close >= prev.Open && cur.Open <= prev.Close
	bearish := cur.Close < cur.Open && prev.Close > prev.Open &&
		cur.Close <= prev.Open && cur.Open >= prev.Close
	if !bullish && !bearish {
		return Pattern{}, false
	}
	dir := domain.DirectionBuy
	if bearish {
		dir = domain.DirectionSell
	}
	strength := clamp(curBody/(prevBody*2), 0.3, 1)
	return Pattern{Name: patternEngulfing, Timeframe: tf, Direction: dir, Strength: strength}, true
}

// pinBar flags a candle whose wick is at least twice the body and
// dominates one side.
func pinBar(b domain.Bar, tf domain.Timeframe) (Pattern, bool) {
	rng := b.Range()
	bd := body(b)
	if rng <= 0 || bd/rng > 0.33 {
		return Pattern{}, false
	}
	upper := b.High - max(b.Open, b.Close)
	lower := min(b.Open, b.Close) - b.Low

	switch {
	case lower >= 2*bd && lower > 2*upper:
		return Pattern{Name: patternPinBar, Timeframe: tf, Direction: domain.DirectionBuy,
			Strength: clamp(lower/rng, 0.3, 1)}, true
	case upper >= 2*bd && upper > 2*lower:
		return Pattern{Name: patternPinBar, Timeframe: tf, Direction: domain.DirectionSell,
			Strength: clamp(upper/rng, 0.3, 1)}, true
	}
	return Pattern{}, false
}

// insideBar is direction-neutral compression; direction comes from the
// containing bar's close.
func insideBar(prev, cur domain.Bar, tf domain.Timeframe) (Pattern, bool) {
	if cur.High >= prev.High || cur.Low <= prev.Low {
		return Pattern{}, false
	}
	dir := domain.DirectionNeutral
	if prev.Close > prev.Open {
		dir = domain.DirectionBuy
	} else if prev.Close < prev.Open {
		dir = domain.DirectionSell
	}
	return Pattern{Name: patternInsideBar, Timeframe: tf, Direction: dir, Strength: 0.3}, true
}


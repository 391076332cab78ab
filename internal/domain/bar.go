package domain

import (
	"fmt"
	"time"
)

// SourceSynthetic tags bars and quotes produced by the deterministic
// fallback generator rather than a live provider.
const SourceSynthetic = "synthetic"

// Bar is one immutable OHLC candle. Volume may be zero when the
// provider does not report it.
type Bar struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume,omitempty"`
	Source      string  `json:"source"`
}

// Time returns the bar open time in UTC.
func (b Bar) Time() time.Time { return time.UnixMilli(b.TimestampMs).UTC() }

// Range returns high minus low.
func (b Bar) Range() float64 { return b.High - b.Low }

// ValidateBars checks a provider response: timestamps strictly increasing,
// prices positive and internally consistent, and consecutive intervals no
// shorter than 80% of the timeframe period. Longer intervals are tolerated
// as session gaps unless they dominate the response, which indicates the
// provider returned the wrong aggregation.
func ValidateBars(bars []Bar, tf Timeframe) error {
	if len(bars) == 0 {
		return fmt.Errorf("validate bars: empty response")
	}
	period := tf.PeriodSeconds() * 1000
	if period == 0 {
		return fmt.Errorf("validate bars: unknown timeframe %q", tf)
	}
	gaps := 0
	for i, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return fmt.Errorf("validate bars: non-positive price at index %d", i)
		}
		if b.High < b.Low {
			return fmt.Errorf("validate bars: high below low at index %d", i)
		}
		if b.High < b.Open || b.High < b.Close || b.Low > b.Open || b.Low > b.Close {
			return fmt.Errorf("validate bars: open/close outside range at index %d", i)
		}
		if i == 0 {
			continue
		}
		delta := b.TimestampMs - bars[i-1].TimestampMs
		if delta <= 0 {
			return fmt.Errorf("validate bars: non-monotonic timestamp at index %d", i)
		}
		if float64(delta) < 0.8*float64(period) {
			return fmt.Errorf("validate bars: interval %dms below timeframe period at index %d", delta, i)
		}
		if float64(delta) > 1.2*float64(period) {
			gaps++
		}
	}
	if len(bars) > 1 && gaps*2 > len(bars)-1 {
		return fmt.Errorf("validate bars: %d of %d intervals exceed timeframe period", gaps, len(bars)-1)
	}
	return nil
}

// Closes extracts the close series in input order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts the high series in input order.
func Highs(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts the low series in input order.
func Lows(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Volumes extracts the volume series in input order.
func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkBars(tf Timeframe, n int, start int64) []Bar {
	period := tf.PeriodSeconds() * 1000
	bars := make([]Bar, n)
	for i := range bars {
		px := 1.1000 + float64(i)*0.0001
		bars[i] = Bar{
			TimestampMs: start + int64(i)*period,
			Open:        px,
			High:        px + 0.0005,
			Low:         px - 0.0005,
			Close:       px + 0.0002,
			Volume:      1000,
			Source:      "test",
		}
	}
	return bars
}

func TestValidateBars(t *testing.T) {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli()

	t.Run("clean series passes", func(t *testing.T) {
		require.NoError(t, ValidateBars(mkBars(TFM15, 50, start), TFM15))
	})

	t.Run("empty rejected", func(t *testing.T) {
		assert.Error(t, ValidateBars(nil, TFM15))
	})

	t.Run("non-monotonic rejected", func(t *testing.T) {
		bars := mkBars(TFM15, 10, start)
		bars[5].TimestampMs = bars[4].TimestampMs
		assert.ErrorContains(t, ValidateBars(bars, TFM15), "non-monotonic")
	})

	t.Run("negative price rejected", func(t *testing.T) {
		bars := mkBars(TFM15, 10, start)
		bars[3].Low = -0.5
		assert.ErrorContains(t, ValidateBars(bars, TFM15), "non-positive")
	})

	t.Run("compressed interval rejected", func(t *testing.T) {
		bars := mkBars(TFH1, 10, start)
		bars[7].TimestampMs = bars[6].TimestampMs + 60_000
		// restore monotonicity for the rest of the series
		for i := 8; i < len(bars); i++ {
			bars[i].TimestampMs = bars[7].TimestampMs + int64(i-7)*TFH1.PeriodSeconds()*1000
		}
		assert.ErrorContains(t, ValidateBars(bars, TFH1), "below timeframe period")
	})

	t.Run("single weekend gap tolerated", func(t *testing.T) {
		bars := mkBars(TFH1, 20, start)
		gap := int64(48 * 3600 * 1000)
		for i := 10; i < len(bars); i++ {
			bars[i].TimestampMs += gap
		}
		require.NoError(t, ValidateBars(bars, TFH1))
	})

	t.Run("gap-dominated series rejected", func(t *testing.T) {
		period := TFH1.PeriodSeconds() * 1000
		bars := mkBars(TFH1, 10, start)
		for i := range bars {
			bars[i].TimestampMs = start + int64(i)*3*period
		}
		assert.ErrorContains(t, ValidateBars(bars, TFH1), "exceed timeframe period")
	})
}

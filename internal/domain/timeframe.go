package domain

import (
	"fmt"
	"time"
)

// Timeframe identifies a bar aggregation period.
type Timeframe string

const (
	TFM1  Timeframe = "M1"
	TFM5  Timeframe = "M5"
	TFM15 Timeframe = "M15"
	TFM30 Timeframe = "M30"
	TFH1  Timeframe = "H1"
	TFH4  Timeframe = "H4"
	TFD1  Timeframe = "D1"
	TFW1  Timeframe = "W1"
)

var timeframeSeconds = map[Timeframe]int64{
	TFM1:  60,
	TFM5:  300,
	TFM15: 900,
	TFM30: 1800,
	TFH1:  3600,
	TFH4:  14400,
	TFD1:  86400,
	TFW1:  604800,
}

// AllTimeframes lists supported timeframes shortest first.
func AllTimeframes() []Timeframe {
	return []Timeframe{TFM1, TFM5, TFM15, TFM30, TFH1, TFH4, TFD1, TFW1}
}

// ParseTimeframe validates a timeframe token.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeSeconds[tf]; !ok {
		return "", fmt.Errorf("parse timeframe: unknown %q", s)
	}
	return tf, nil
}

// PeriodSeconds returns the canonical bar period. Unknown timeframes
// report zero so callers can reject them.
func (tf Timeframe) PeriodSeconds() int64 { return timeframeSeconds[tf] }

// Period returns the canonical bar period as a duration.
func (tf Timeframe) Period() time.Duration {
	return time.Duration(timeframeSeconds[tf]) * time.Second
}

// Valid reports whether the timeframe is a known token.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeSeconds[tf]
	return ok
}

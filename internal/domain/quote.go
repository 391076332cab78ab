package domain

import "time"

// Quote is a two-sided price snapshot from one provider.
type Quote struct {
	Pair        string  `json:"pair"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	TimestampMs int64   `json:"timestamp_ms"`
	Provider    string  `json:"provider"`
}

// AgeMs reports how old the quote is relative to now.
func (q Quote) AgeMs(now time.Time) int64 {
	return now.UnixMilli() - q.TimestampMs
}

// IsFresh reports whether the quote age is within maxAge.
func (q Quote) IsFresh(now time.Time, maxAge time.Duration) bool {
	return q.AgeMs(now) <= maxAge.Milliseconds()
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// SpreadPips converts the bid/ask spread into pips for the pair.
func (q Quote) SpreadPips(p Pair) float64 {
	pip := p.PipSize()
	if pip == 0 {
		return 0
	}
	return (q.Ask - q.Bid) / pip
}

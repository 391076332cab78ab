package availability

import (
	"sync"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

// timeframeStaleAfter drops outcomes older than this from the blocked
// count so a quiet timeframe is not carried as blocked forever.
const timeframeStaleAfter = 5 * time.Minute

type tfOutcome struct {
	at time.Time
	ok bool
}

// TimeframeBook records the most recent bar-fetch outcome per timeframe.
// A timeframe is blocked while its latest recent outcome is a failure.
type TimeframeBook struct {
	mu      sync.Mutex
	entries map[domain.Timeframe]tfOutcome
	now     func() time.Time
}

func NewTimeframeBook() *TimeframeBook {
	return &TimeframeBook{
		entries: make(map[domain.Timeframe]tfOutcome),
		now:     time.Now,
	}
}

// SetClock replaces the book clock (tests).
func (b *TimeframeBook) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Record folds one fetch outcome for the timeframe.
func (b *TimeframeBook) Record(tf domain.Timeframe, ok bool) {
	b.mu.Lock()
	b.entries[tf] = tfOutcome{at: b.now(), ok: ok}
	b.mu.Unlock()
}

// Counts returns (blocked, total) over timeframes with a recent outcome.
func (b *TimeframeBook) Counts() (blocked, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-timeframeStaleAfter)
	for tf, o := range b.entries {
		if o.at.Before(cutoff) {
			delete(b.entries, tf)
			continue
		}
		total++
		if !o.ok {
			blocked++
		}
	}
	return blocked, total
}

// TimeframeState is the latest recorded outcome for one timeframe.
type TimeframeState struct {
	Timeframe domain.Timeframe `json:"timeframe"`
	State     string           `json:"state"` // ok, blocked, unknown
	CheckedAt *time.Time       `json:"checked_at,omitempty"`
}

// States reports the latest outcome for each requested timeframe.
// Timeframes without a recent observation come back unknown.
func (b *TimeframeBook) States(tfs []domain.Timeframe) []TimeframeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-timeframeStaleAfter)
	out := make([]TimeframeState, 0, len(tfs))
	for _, tf := range tfs {
		st := TimeframeState{Timeframe: tf, State: "unknown"}
		if o, ok := b.entries[tf]; ok && !o.at.Before(cutoff) {
			at := o.at
			st.CheckedAt = &at
			if o.ok {
				st.State = "ok"
			} else {
				st.State = "blocked"
			}
		}
		out = append(out, st)
	}
	return out
}

package quality

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState describes one active per-pair block.
type BreakerState struct {
	Pair        string    `json:"pair"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at"`
	Until       time.Time `json:"until"`
}

// BreakerMap tracks per-pair data-quality circuit breakers. Expired
// entries are purged on read so the map never needs a janitor.
type BreakerMap struct {
	mu      sync.Mutex
	entries map[string]BreakerState
	floor   time.Duration
	now     func() time.Time
}

// NewBreakerMap builds an empty map with the given minimum duration.
func NewBreakerMap(floor time.Duration) *BreakerMap {
	if floor <= 0 {
		floor = 2 * time.Minute
	}
	return &BreakerMap{
		entries: make(map[string]BreakerState),
		floor:   floor,
		now:     time.Now,
	}
}

// SetClock replaces the map clock (tests).
func (b *BreakerMap) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Activate blocks a pair for d, clamped up to the floor. A later
// activation extends or replaces an earlier one.
func (b *BreakerMap) Activate(pair, reason string, d time.Duration) BreakerState {
	if d < b.floor {
		d = b.floor
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	st := BreakerState{Pair: pair, Reason: reason, ActivatedAt: now, Until: now.Add(d)}
	if prev, ok := b.entries[pair]; ok && prev.Until.After(st.Until) {
		st.Until = prev.Until
	}
	b.entries[pair] = st
	log.Warn().Str("pair", pair).Str("reason", reason).Time("until", st.Until).
		Msg("data quality circuit breaker activated")
	return st
}

// Active reports whether a pair is currently blocked.
func (b *BreakerMap) Active(pair string) (BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.entries[pair]
	if !ok {
		return BreakerState{}, false
	}
	if !b.now().Before(st.Until) {
		delete(b.entries, pair)
		return BreakerState{}, false
	}
	return st, true
}

// Clear removes a pair's breaker, expired or not.
func (b *BreakerMap) Clear(pair string) {
	b.mu.Lock()
	delete(b.entries, pair)
	b.mu.Unlock()
}

// Snapshot lists the still-active breakers, purging expired ones.
func (b *BreakerMap) Snapshot() []BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]BreakerState, 0, len(b.entries))
	for pair, st := range b.entries {
		if !now.Before(st.Until) {
			delete(b.entries, pair)
			continue
		}
		out = append(out, st)
	}
	return out
}

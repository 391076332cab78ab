package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerMapFloorsDuration(t *testing.T) {
	now := time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)
	b := NewBreakerMap(2 * time.Minute)
	b.SetClock(func() time.Time { return now })

	st := b.Activate("EURUSD", "spread_critical", 30*time.Second)

	assert.Equal(t, 2*time.Minute, st.Until.Sub(st.ActivatedAt))
}

func TestBreakerMapExpiryOnRead(t *testing.T) {
	now := time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)
	b := NewBreakerMap(2 * time.Minute)
	b.SetClock(func() time.Time { return now })

	b.Activate("EURUSD", "quality_critical", 10*time.Minute)

	st, active := b.Active("EURUSD")
	require.True(t, active)
	assert.Equal(t, "quality_critical", st.Reason)

	now = now.Add(10*time.Minute + time.Second)
	_, active = b.Active("EURUSD")
	assert.False(t, active)

	// purged, not just hidden
	assert.Empty(t, b.Snapshot())
}

func TestBreakerMapExtensionNeverShrinks(t *testing.T) {
	now := time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)
	b := NewBreakerMap(2 * time.Minute)
	b.SetClock(func() time.Time { return now })

	first := b.Activate("EURUSD", "weekend_gap_critical", 10*time.Minute)
	second := b.Activate("EURUSD", "spread_critical", 2*time.Minute)

	assert.Equal(t, first.Until, second.Until)
	st, active := b.Active("EURUSD")
	require.True(t, active)
	assert.Equal(t, "spread_critical", st.Reason)
}

func TestBreakerMapClearAndSnapshot(t *testing.T) {
	now := time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)
	b := NewBreakerMap(2 * time.Minute)
	b.SetClock(func() time.Time { return now })

	b.Activate("EURUSD", "quality_critical", 10*time.Minute)
	b.Activate("GBPUSD", "spread_critical", 10*time.Minute)
	require.Len(t, b.Snapshot(), 2)

	b.Clear("EURUSD")
	snap := b.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "GBPUSD", snap[0].Pair)
}

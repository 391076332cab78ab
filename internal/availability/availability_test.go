package availability

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/domain"
)

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		name string
		in   Inputs
		want Status
	}{
		{"all healthy", Inputs{TotalProviders: 4, TotalTimeframes: 3, AggregateQuality: 92}, StatusOperational},
		{"half providers blocked", Inputs{TotalProviders: 4, BlockedProviders: 2, AggregateQuality: 90}, StatusCritical},
		{"half timeframes blocked", Inputs{TotalProviders: 4, TotalTimeframes: 6, BlockedTimeframes: 3, AggregateQuality: 90}, StatusCritical},
		{"quality below forty", Inputs{TotalProviders: 4, AggregateQuality: 39.9}, StatusCritical},
		{"quarter providers blocked", Inputs{TotalProviders: 4, BlockedProviders: 1, AggregateQuality: 90}, StatusDegraded},
		{"quality in degraded band", Inputs{TotalProviders: 4, AggregateQuality: 69.9}, StatusDegraded},
		{"breaker open", Inputs{TotalProviders: 4, AggregateQuality: 95, OpenBreakers: []string{"polygon"}}, StatusDegraded},
		{"one timeframe blocked", Inputs{TotalProviders: 4, TotalTimeframes: 6, BlockedTimeframes: 1, AggregateQuality: 95}, StatusDegraded},
		{"no providers configured", Inputs{}, StatusCritical},
		{"quality exactly seventy", Inputs{TotalProviders: 4, AggregateQuality: 70}, StatusOperational},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.in))
		})
	}
}

func TestMonitorDegradedMixedFleet(t *testing.T) {
	// three providers scoring 90/88/30 with two of six timeframes blocked
	in := Inputs{
		TotalProviders:    3,
		TotalTimeframes:   6,
		BlockedTimeframes: 2,
		AggregateQuality:  (90.0 + 88.0 + 30.0) / 3,
	}
	m := NewMonitor(func() Inputs { return in }, 10)

	s := m.Tick(context.Background())
	assert.Equal(t, StatusDegraded, s.Status)
	assert.InDelta(t, 0.333, s.BlockedTimeframeRatio, 0.001)
	assert.Len(t, m.History(0), 1)
	assert.Equal(t, StatusDegraded, m.Current())
}

func TestMonitorTransitionCallback(t *testing.T) {
	status := StatusOperational
	in := func() Inputs {
		q := 95.0
		if status == StatusCritical {
			q = 20
		}
		return Inputs{TotalProviders: 2, AggregateQuality: q}
	}
	m := NewMonitor(in, 10)

	var flips int32
	var lastPrev, lastNext Status
	m.OnTransition(func(prev, next Sample) {
		atomic.AddInt32(&flips, 1)
		lastPrev, lastNext = prev.Status, next.Status
	})

	m.Tick(context.Background()) // unknown -> operational
	m.Tick(context.Background()) // steady, no callback
	status = StatusCritical
	m.Tick(context.Background()) // operational -> critical

	assert.Equal(t, int32(2), atomic.LoadInt32(&flips))
	assert.Equal(t, StatusOperational, lastPrev)
	assert.Equal(t, StatusCritical, lastNext)
}

func TestMonitorStatsAndSLO(t *testing.T) {
	samples := []Inputs{}
	for i := 0; i < 199; i++ {
		samples = append(samples, Inputs{TotalProviders: 2, AggregateQuality: 90})
	}
	// one critical sample out of 200 -> uptime 99.5%
	samples = append(samples, Inputs{TotalProviders: 2, BlockedProviders: 2, AggregateQuality: 10})

	idx := 0
	m := NewMonitor(func() Inputs { d := samples[idx]; idx++; return d }, 500)
	for range samples {
		m.Tick(context.Background())
	}

	st := m.Stats()
	assert.Equal(t, 200, st.Samples)
	assert.InDelta(t, 99.5, st.UptimeRatio, 0.001)
	assert.Equal(t, SLOOk, st.SLO)
	assert.Equal(t, 1, st.CriticalLastHour)
	assert.False(t, st.LastCriticalAt.IsZero())

	// three more criticals push uptime to 98.03% -> breach
	for i := 0; i < 3; i++ {
		samples = append(samples, Inputs{TotalProviders: 2, BlockedProviders: 2, AggregateQuality: 10})
		m.Tick(context.Background())
	}
	st = m.Stats()
	assert.Equal(t, SLOBreach, st.SLO)
}

func TestMonitorSLOWarnBand(t *testing.T) {
	idx := 0
	inputs := func() Inputs {
		idx++
		if idx <= 988 {
			return Inputs{TotalProviders: 2, AggregateQuality: 90}
		}
		return Inputs{TotalProviders: 2, BlockedProviders: 2, AggregateQuality: 10}
	}
	m := NewMonitor(inputs, 1000)
	for i := 0; i < 1000; i++ {
		m.Tick(context.Background())
	}
	st := m.Stats()
	// 988/1000 up = 98.8%, inside the [98.5, 99.0) warn band
	assert.InDelta(t, 98.8, st.UptimeRatio, 0.001)
	assert.Equal(t, SLOWarn, st.SLO)
}

func TestMonitorRingWraps(t *testing.T) {
	m := NewMonitor(func() Inputs { return Inputs{TotalProviders: 1, AggregateQuality: 90} }, 5)
	for i := 0; i < 12; i++ {
		m.Tick(context.Background())
	}
	hist := m.History(0)
	assert.Len(t, hist, 5)
	st := m.Stats()
	assert.Equal(t, 5, st.Samples)
}

func TestTimeframeBook(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	b := NewTimeframeBook()
	b.SetClock(func() time.Time { return now })

	b.Record(domain.TFM15, true)
	b.Record(domain.TFH1, false)
	b.Record(domain.TFH4, true)

	blocked, total := b.Counts()
	assert.Equal(t, 1, blocked)
	assert.Equal(t, 3, total)

	// recovery clears the block
	b.Record(domain.TFH1, true)
	blocked, total = b.Counts()
	assert.Equal(t, 0, blocked)
	assert.Equal(t, 3, total)

	// stale entries age out of both counts
	now = now.Add(10 * time.Minute)
	blocked, total = b.Counts()
	assert.Equal(t, 0, blocked)
	assert.Equal(t, 0, total)
}

func TestTimeframeBookStates(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	b := NewTimeframeBook()
	b.SetClock(func() time.Time { return now })

	b.Record(domain.TFM15, true)
	b.Record(domain.TFH1, false)

	states := b.States([]domain.Timeframe{domain.TFM15, domain.TFH1, domain.TFD1})
	require.Len(t, states, 3)
	assert.Equal(t, "ok", states[0].State)
	require.NotNil(t, states[0].CheckedAt)
	assert.Equal(t, "blocked", states[1].State)
	assert.Equal(t, "unknown", states[2].State)
	assert.Nil(t, states[2].CheckedAt)

	// stale observations degrade to unknown
	now = now.Add(10 * time.Minute)
	states = b.States([]domain.Timeframe{domain.TFM15})
	assert.Equal(t, "unknown", states[0].State)
}

package availability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultInterval is the classification cadence.
	DefaultInterval = 5 * time.Second
	// DefaultHistorySize bounds the sample ring (~83 min at 5s ticks).
	DefaultHistorySize = 1000

	sloTarget     = 99.0
	sloWarnMargin = 0.5
)

// SLOBadge summarizes uptime against the availability objective.
type SLOBadge string

const (
	SLOOk     SLOBadge = "ok"
	SLOWarn   SLOBadge = "warn"
	SLOBreach SLOBadge = "breach"
)

// Stats is the derived view over the sample ring.
type Stats struct {
	Current           Status    `json:"current"`
	UptimeRatio       float64   `json:"uptime_ratio_pct"`
	AverageQuality    float64   `json:"average_quality"`
	DegradedLastHour  int       `json:"degraded_last_hour"`
	CriticalLastHour  int       `json:"critical_last_hour"`
	LastDegradedAt    time.Time `json:"last_degraded_at"`
	LastCriticalAt    time.Time `json:"last_critical_at"`
	SLO               SLOBadge  `json:"slo"`
	Samples           int       `json:"samples"`
	ObservedSince     time.Time `json:"observed_since"`
	LastTransitionAt  time.Time `json:"last_transition_at"`
	LastTransitionTo  Status    `json:"last_transition_to"`
	OpenBreakers      []string  `json:"open_breakers,omitempty"`
	BlockedProviders  float64   `json:"blocked_provider_ratio"`
	BlockedTimeframes float64   `json:"blocked_timeframe_ratio"`
}

// CollectFunc gathers one fleet observation.
type CollectFunc func() Inputs

// TransitionFunc is invoked on every status change, previous state first.
type TransitionFunc func(prev, next Sample)

// SinkFunc persists a sample; failures are logged and dropped.
type SinkFunc func(ctx context.Context, s Sample) error

// Monitor classifies the fleet on a fixed cadence and retains a bounded
// ring of samples.
type Monitor struct {
	mu       sync.RWMutex
	ring     []Sample
	head     int
	size     int
	current  Status
	lastFlip time.Time

	collect      CollectFunc
	onTransition TransitionFunc
	sink         SinkFunc
	interval     time.Duration
	now          func() time.Time
}

// NewMonitor creates a monitor over collect. historySize <= 0 selects the
// default ring capacity.
func NewMonitor(collect CollectFunc, historySize int) *Monitor {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Monitor{
		ring:     make([]Sample, historySize),
		current:  StatusUnknown,
		collect:  collect,
		interval: DefaultInterval,
		now:      time.Now,
	}
}

// OnTransition registers the status-change callback.
func (m *Monitor) OnTransition(fn TransitionFunc) { m.onTransition = fn }

// SetSink registers best-effort sample persistence.
func (m *Monitor) SetSink(fn SinkFunc) { m.sink = fn }

// SetInterval overrides the tick cadence.
func (m *Monitor) SetInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

// SetClock replaces the monitor clock (tests).
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick collects, classifies and records one sample, firing the transition
// callback and the persistence sink as needed.
func (m *Monitor) Tick(ctx context.Context) Sample {
	sample := NewSample(m.collect(), m.now())

	m.mu.Lock()
	var prev Sample
	flipped := sample.Status != m.current
	if flipped {
		prev = m.latestLocked()
		if prev.Status == "" {
			prev.Status = StatusUnknown
		}
		m.current = sample.Status
		m.lastFlip = sample.Timestamp
	}
	m.ring[m.head] = sample
	m.head = (m.head + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
	onTransition := m.onTransition
	sink := m.sink
	m.mu.Unlock()

	if flipped {
		log.Warn().
			Str("from", string(prev.Status)).
			Str("to", string(sample.Status)).
			Float64("aggregate_quality", sample.AggregateQuality).
			Float64("blocked_provider_ratio", sample.BlockedProviderRatio).
			Msg("availability transition")
		if onTransition != nil {
			onTransition(prev, sample)
		}
	}
	if sink != nil {
		go func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := sink(sctx, sample); err != nil {
				log.Debug().Err(err).Msg("availability sample persist failed")
			}
		}()
	}
	return sample
}

// Current returns the latest classification, unknown before the first tick.
func (m *Monitor) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns up to limit samples, newest first.
func (m *Monitor) History(limit int) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > m.size {
		limit = m.size
	}
	out := make([]Sample, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.head - 1 - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out
}

func (m *Monitor) latestLocked() Sample {
	if m.size == 0 {
		return Sample{}
	}
	return m.ring[(m.head-1+len(m.ring))%len(m.ring)]
}

// Stats derives the rolling view: uptime counts every non-critical sample,
// hourly counters use sample timestamps.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Current: m.current, SLO: SLOOk, Samples: m.size, LastTransitionAt: m.lastFlip, LastTransitionTo: m.current}
	if m.size == 0 {
		st.UptimeRatio = 100
		return st
	}

	hourAgo := m.now().Add(-time.Hour)
	up, qualitySum := 0, 0.0
	oldest := time.Time{}
	for i := 0; i < m.size; i++ {
		s := m.ring[(m.head-1-i+len(m.ring))%len(m.ring)]
		if i == 0 {
			st.BlockedProviders = s.BlockedProviderRatio
			st.BlockedTimeframes = s.BlockedTimeframeRatio
			st.OpenBreakers = s.OpenBreakers
		}
		qualitySum += s.AggregateQuality
		if s.Status != StatusCritical {
			up++
		}
		switch s.Status {
		case StatusDegraded:
			if s.Timestamp.After(hourAgo) {
				st.DegradedLastHour++
			}
			if s.Timestamp.After(st.LastDegradedAt) {
				st.LastDegradedAt = s.Timestamp
			}
		case StatusCritical:
			if s.Timestamp.After(hourAgo) {
				st.CriticalLastHour++
			}
			if s.Timestamp.After(st.LastCriticalAt) {
				st.LastCriticalAt = s.Timestamp
			}
		}
		oldest = s.Timestamp
	}
	st.ObservedSince = oldest
	st.UptimeRatio = 100 * float64(up) / float64(m.size)
	st.AverageQuality = qualitySum / float64(m.size)

	switch {
	case st.UptimeRatio < sloTarget-sloWarnMargin:
		st.SLO = SLOBreach
	case st.UptimeRatio < sloTarget:
		st.SLO = SLOWarn
	}
	return st
}

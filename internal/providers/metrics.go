package providers

import (
	"sync"
	"time"
)

// MetricSnapshot is the externally visible rolling state of one provider.
// QualityScore blends success rate with inverse normalized latency; the
// fetcher uses it to order providers on every request.
type MetricSnapshot struct {
	Provider            string    `json:"provider"`
	Success             int64     `json:"success"`
	Failed              int64     `json:"failed"`
	RateLimited         int64     `json:"rate_limited"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	SuccessRatePct      float64   `json:"success_rate_pct"`
	QualityScore        float64   `json:"quality_score"`
	NormalizedQuality   float64   `json:"normalized_quality"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	CircuitBreakerState string    `json:"circuit_breaker_state"`
	RemainingQuota      int       `json:"remaining_quota"`
	BackoffSeconds      float64   `json:"backoff_seconds"`
}

// latencyNormCeilingMs is the latency treated as fully degraded when
// scoring quality.
const latencyNormCeilingMs = 2000.0

type providerStats struct {
	success     int64
	failed      int64
	rateLimited int64

	latencyN    int64
	latencyMean float64

	lastSuccessAt time.Time
	lastFailureAt time.Time

	quotaUsed int
	quotaDay  int // yearday of the last quota increment
}

// Tracker owns per-provider rolling counters. Updates to one provider
// serialize on the tracker lock; reads return value snapshots.
type Tracker struct {
	mu     sync.Mutex
	stats  map[string]*providerStats
	quotas map[string]int
	now    func() time.Time
}

// NewTracker creates a tracker. quotas maps provider name to its daily
// request allowance; zero or missing means unmetered.
func NewTracker(quotas map[string]int) *Tracker {
	if quotas == nil {
		quotas = make(map[string]int)
	}
	return &Tracker{
		stats:  make(map[string]*providerStats),
		quotas: quotas,
		now:    time.Now,
	}
}

// SetClock replaces the tracker clock (tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Tracker) get(provider string) *providerStats {
	s, ok := t.stats[provider]
	if !ok {
		s = &providerStats{}
		t.stats[provider] = s
	}
	return s
}

func (t *Tracker) bumpQuota(s *providerStats) {
	day := t.now().UTC().YearDay()
	if s.quotaDay != day {
		s.quotaDay = day
		s.quotaUsed = 0
	}
	s.quotaUsed++
}

// RecordSuccess folds one successful request into the rolling state using
// an incremental mean for latency.
func (t *Tracker) RecordSuccess(provider string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(provider)
	t.bumpQuota(s)
	s.success++
	s.latencyN++
	s.latencyMean += (float64(latency.Milliseconds()) - s.latencyMean) / float64(s.latencyN)
	s.lastSuccessAt = t.now()
}

// RecordFailure folds one failed request; rateLimited marks 429 outcomes
// which count as both failed and rate limited.
func (t *Tracker) RecordFailure(provider string, rateLimited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(provider)
	t.bumpQuota(s)
	s.failed++
	if rateLimited {
		s.rateLimited++
	}
	s.lastFailureAt = t.now()
}

// Quality computes the composite quality score in [0,100] for ordering.
// Providers with no history score a neutral 70 so newly configured ones
// get tried before degraded ones.
func (t *Tracker) Quality(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.qualityLocked(provider)
}

func (t *Tracker) qualityLocked(provider string) float64 {
	s, ok := t.stats[provider]
	if !ok || s.success+s.failed == 0 {
		return 70
	}
	total := float64(s.success + s.failed)
	successRate := float64(s.success) / total
	normLatency := s.latencyMean / latencyNormCeilingMs
	if normLatency > 1 {
		normLatency = 1
	}
	return 100 * (0.7*successRate + 0.3*(1-normLatency))
}

// AvgLatencyMs returns the rolling mean latency for tie-breaking.
func (t *Tracker) AvgLatencyMs(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stats[provider]; ok {
		return s.latencyMean
	}
	return 0
}

// Snapshot renders the provider's current metric. Breaker state and
// backoff are stamped by the fetcher, which owns the guards.
func (t *Tracker) Snapshot(provider string) MetricSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(provider)

	total := s.success + s.failed
	snap := MetricSnapshot{
		Provider:      provider,
		Success:       s.success,
		Failed:        s.failed,
		RateLimited:   s.rateLimited,
		AvgLatencyMs:  s.latencyMean,
		LastSuccessAt: s.lastSuccessAt,
		LastFailureAt: s.lastFailureAt,
	}
	if total > 0 {
		snap.SuccessRatePct = 100 * float64(s.success) / float64(total)
	}
	snap.QualityScore = t.qualityLocked(provider)
	snap.NormalizedQuality = snap.QualityScore / 100

	if limit := t.quotas[provider]; limit > 0 {
		used := s.quotaUsed
		if s.quotaDay != t.now().UTC().YearDay() {
			used = 0
		}
		if rem := limit - used; rem > 0 {
			snap.RemainingQuota = rem
		}
	} else {
		snap.RemainingQuota = -1 // unmetered
	}
	return snap
}

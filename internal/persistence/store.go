// Package persistence defines the durable sink for platform observations
// and the row shapes it stores. Writes are best-effort: implementations
// report success as a boolean and self-disable after the first failure so
// callers never block or branch on storage health.
package persistence

import (
	"context"
	"time"
)

// FeatureSnapshot is one persisted feature vector. Hash is the stable
// SHA-256 of the sorted-key serialization and dedups replays together
// with CapturedAt.
type FeatureSnapshot struct {
	Pair       string             `db:"pair" json:"pair"`
	Timeframe  string             `db:"timeframe" json:"timeframe"`
	CapturedAt time.Time          `db:"captured_at" json:"captured_at"`
	Hash       string             `db:"feature_hash" json:"feature_hash"`
	Features   map[string]float64 `db:"-" json:"features"`
}

// ProviderMetric is one rolling-metric observation for a provider.
type ProviderMetric struct {
	Provider          string    `db:"provider" json:"provider"`
	CapturedAt        time.Time `db:"captured_at" json:"captured_at"`
	Success           int64     `db:"success" json:"success"`
	Failed            int64     `db:"failed" json:"failed"`
	RateLimited       int64     `db:"rate_limited" json:"rate_limited"`
	AvgLatencyMs      float64   `db:"avg_latency_ms" json:"avg_latency_ms"`
	SuccessRatePct    float64   `db:"success_rate_pct" json:"success_rate_pct"`
	QualityScore      float64   `db:"quality_score" json:"quality_score"`
	NormalizedQuality float64   `db:"normalized_quality" json:"normalized_quality"`
	BreakerState      string    `db:"breaker_state" json:"breaker_state"`
	RemainingQuota    int       `db:"remaining_quota" json:"remaining_quota"`
	BackoffSeconds    float64   `db:"backoff_seconds" json:"backoff_seconds"`
}

// AvailabilitySample is one fleet classification snapshot.
type AvailabilitySample struct {
	CapturedAt            time.Time `db:"captured_at" json:"captured_at"`
	State                 string    `db:"state" json:"state"`
	AggregateQuality      float64   `db:"aggregate_quality" json:"aggregate_quality"`
	BlockedProviderRatio  float64   `db:"blocked_provider_ratio" json:"blocked_provider_ratio"`
	BlockedTimeframeRatio float64   `db:"blocked_timeframe_ratio" json:"blocked_timeframe_ratio"`
	OpenBreakers          []string  `db:"-" json:"open_breakers,omitempty"`
}

// QualityMetric is one data-quality assessment outcome for a pair.
type QualityMetric struct {
	Pair           string    `db:"pair" json:"pair"`
	CapturedAt     time.Time `db:"captured_at" json:"captured_at"`
	Score          float64   `db:"score" json:"score"`
	Status         string    `db:"status" json:"status"`
	Recommendation string    `db:"recommendation" json:"recommendation"`
	SpreadPips     float64   `db:"spread_pips" json:"spread_pips"`
	SpreadStatus   string    `db:"spread_status" json:"spread_status"`
	WeekendGap     string    `db:"weekend_gap" json:"weekend_gap"`
	BreakerActive  bool      `db:"breaker_active" json:"breaker_active"`
	Issues         []string  `db:"-" json:"issues,omitempty"`
}

// NewsEvent is one classified headline.
type NewsEvent struct {
	ID                   string    `db:"id" json:"id"`
	Headline             string    `db:"headline" json:"headline"`
	Source               string    `db:"source" json:"source"`
	PublishedAt          time.Time `db:"published_at" json:"published_at"`
	Currencies           []string  `db:"-" json:"currencies,omitempty"`
	Type                 string    `db:"news_type" json:"type"`
	Impact               string    `db:"impact" json:"impact"`
	Timing               string    `db:"timing" json:"timing"`
	VolatilityMultiplier float64   `db:"volatility_multiplier" json:"volatility_multiplier"`
}

// Store is the persistence adapter contract. Record* methods return true
// on a durable write and false otherwise; they must never block beyond
// their context and must go quiet after the first failure. Read methods
// error normally so callers can distinguish empty from broken.
type Store interface {
	RecordFeatureSnapshot(ctx context.Context, s FeatureSnapshot) bool
	RecordProviderMetric(ctx context.Context, m ProviderMetric) bool
	RecordAvailabilitySample(ctx context.Context, s AvailabilitySample) bool
	RecordQualityMetric(ctx context.Context, q QualityMetric) bool
	RecordNewsItems(ctx context.Context, items []NewsEvent) bool

	RecentNews(ctx context.Context, limit int) ([]NewsEvent, error)
	AvailabilityHistory(ctx context.Context, limit int) ([]AvailabilitySample, error)
	LatestProviderMetrics(ctx context.Context) ([]ProviderMetric, error)

	// Enabled reports whether writes still reach the backing store.
	Enabled() bool
	Close() error
}

// Noop is the disabled store installed when no database is configured.
// Every write reports false and every read returns empty.
type Noop struct{}

// NewNoop returns the shared disabled store.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) RecordFeatureSnapshot(context.Context, FeatureSnapshot) bool { return false }
func (*Noop) RecordProviderMetric(context.Context, ProviderMetric) bool   { return false }
func (*Noop) RecordAvailabilitySample(context.Context, AvailabilitySample) bool {
	return false
}
func (*Noop) RecordQualityMetric(context.Context, QualityMetric) bool { return false }
func (*Noop) RecordNewsItems(context.Context, []NewsEvent) bool       { return false }

func (*Noop) RecentNews(context.Context, int) ([]NewsEvent, error) { return nil, nil }
func (*Noop) AvailabilityHistory(context.Context, int) ([]AvailabilitySample, error) {
	return nil, nil
}
func (*Noop) LatestProviderMetrics(context.Context) ([]ProviderMetric, error) { return nil, nil }

func (*Noop) Enabled() bool { return false }
func (*Noop) Close() error  { return nil }

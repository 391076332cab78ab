// Package postgres implements the persistence store over a sqlx
// connection pool. The store flips itself off on the first write error;
// from then on every Record* call returns false without touching the
// pool, matching the platform's best-effort persistence contract.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/persistence"
)

// DefaultQueryTimeout bounds every statement issued by the store.
const DefaultQueryTimeout = 5 * time.Second

// Config shapes the connection pool.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// Store is the sqlx-backed persistence adapter.
type Store struct {
	db       *sqlx.DB
	timeout  time.Duration
	disabled atomic.Bool
	logOnce  sync.Once
}

// Open connects, pings and returns a live store. Callers that cannot
// connect should fall back to persistence.NewNoop rather than abort.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: empty DSN")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewStore(db, cfg.QueryTimeout), nil
}

// NewStore wraps an existing pool (tests use sqlmock here).
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Store{db: db, timeout: timeout}
}

// Enabled reports whether writes still reach the database.
func (s *Store) Enabled() bool { return !s.disabled.Load() }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// disable logs the first failure and silences the store. The process
// keeps running; persistence resumes only on restart.
func (s *Store) disable(op string, err error) {
	s.disabled.Store(true)
	s.logOnce.Do(func() {
		log.Error().Err(err).Str("operation", op).
			Msg("persistence write failed, adapter disabled until restart")
	})
}

// write runs one statement under the store timeout. Unique-constraint
// conflicts count as success: the row is already there.
func (s *Store) write(ctx context.Context, op, query string, args ...interface{}) bool {
	if s.disabled.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return true
		}
		s.disable(op, err)
		return false
	}
	return true
}

// RecordFeatureSnapshot appends one feature vector, deduplicated on
// (feature_hash, captured_at).
func (s *Store) RecordFeatureSnapshot(ctx context.Context, snap persistence.FeatureSnapshot) bool {
	features, err := json.Marshal(snap.Features)
	if err != nil {
		log.Warn().Err(err).Str("pair", snap.Pair).Msg("feature snapshot not serializable")
		return false
	}
	return s.write(ctx, "feature_snapshot", `
		INSERT INTO feature_snapshots (pair, timeframe, captured_at, feature_hash, features)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (feature_hash, captured_at) DO NOTHING`,
		snap.Pair, snap.Timeframe, snap.CapturedAt, snap.Hash, features)
}

// RecordProviderMetric appends one provider metric sample.
func (s *Store) RecordProviderMetric(ctx context.Context, m persistence.ProviderMetric) bool {
	return s.write(ctx, "provider_metric", `
		INSERT INTO provider_metrics (provider, captured_at, success, failed, rate_limited,
			avg_latency_ms, success_rate_pct, quality_score, normalized_quality,
			breaker_state, remaining_quota, backoff_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.Provider, m.CapturedAt, m.Success, m.Failed, m.RateLimited,
		m.AvgLatencyMs, m.SuccessRatePct, m.QualityScore, m.NormalizedQuality,
		m.BreakerState, m.RemainingQuota, m.BackoffSeconds)
}

// RecordAvailabilitySample appends one fleet classification.
func (s *Store) RecordAvailabilitySample(ctx context.Context, sample persistence.AvailabilitySample) bool {
	return s.write(ctx, "availability_sample", `
		INSERT INTO provider_availability (captured_at, state, aggregate_quality,
			blocked_provider_ratio, blocked_timeframe_ratio, open_breakers)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (captured_at) DO NOTHING`,
		sample.CapturedAt, sample.State, sample.AggregateQuality,
		sample.BlockedProviderRatio, sample.BlockedTimeframeRatio,
		pq.Array(sample.OpenBreakers))
}

// RecordQualityMetric appends one data-quality assessment.
func (s *Store) RecordQualityMetric(ctx context.Context, q persistence.QualityMetric) bool {
	return s.write(ctx, "quality_metric", `
		INSERT INTO data_quality_metrics (pair, captured_at, score, status, recommendation,
			spread_pips, spread_status, weekend_gap, breaker_active, issues)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		q.Pair, q.CapturedAt, q.Score, q.Status, q.Recommendation,
		q.SpreadPips, q.SpreadStatus, q.WeekendGap, q.BreakerActive,
		pq.Array(q.Issues))
}

// RecordNewsItems appends classified headlines in one transaction;
// duplicates by id are skipped. All-or-nothing beyond dedup.
func (s *Store) RecordNewsItems(ctx context.Context, items []persistence.NewsEvent) bool {
	if len(items) == 0 {
		return true
	}
	if s.disabled.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.disable("news_items", err)
		return false
	}
	defer tx.Rollback()

	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO news_events (id, headline, source, published_at, currencies,
				news_type, impact, timing, volatility_multiplier)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			it.ID, it.Headline, it.Source, it.PublishedAt, pq.Array(it.Currencies),
			it.Type, it.Impact, it.Timing, it.VolatilityMultiplier)
		if err != nil {
			s.disable("news_items", err)
			return false
		}
	}
	if err := tx.Commit(); err != nil {
		s.disable("news_items", err)
		return false
	}
	return true
}

// RecentNews returns the newest stored headlines. Reads keep working
// after a write failure only if the store is still enabled; a disabled
// store returns empty without touching the pool.
func (s *Store) RecentNews(ctx context.Context, limit int) ([]persistence.NewsEvent, error) {
	if s.disabled.Load() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, headline, source, published_at, currencies,
			news_type, impact, timing, volatility_multiplier
		FROM news_events ORDER BY published_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent news: %w", err)
	}
	defer rows.Close()

	var out []persistence.NewsEvent
	for rows.Next() {
		var ev persistence.NewsEvent
		var currencies pq.StringArray
		if err := rows.Scan(&ev.ID, &ev.Headline, &ev.Source, &ev.PublishedAt, &currencies,
			&ev.Type, &ev.Impact, &ev.Timing, &ev.VolatilityMultiplier); err != nil {
			return nil, fmt.Errorf("recent news: scan: %w", err)
		}
		ev.Currencies = currencies
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AvailabilityHistory returns the newest fleet samples.
func (s *Store) AvailabilityHistory(ctx context.Context, limit int) ([]persistence.AvailabilitySample, error) {
	if s.disabled.Load() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT captured_at, state, aggregate_quality,
			blocked_provider_ratio, blocked_timeframe_ratio, open_breakers
		FROM provider_availability ORDER BY captured_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("availability history: %w", err)
	}
	defer rows.Close()

	var out []persistence.AvailabilitySample
	for rows.Next() {
		var sample persistence.AvailabilitySample
		var breakers pq.StringArray
		if err := rows.Scan(&sample.CapturedAt, &sample.State, &sample.AggregateQuality,
			&sample.BlockedProviderRatio, &sample.BlockedTimeframeRatio, &breakers); err != nil {
			return nil, fmt.Errorf("availability history: scan: %w", err)
		}
		sample.OpenBreakers = breakers
		out = append(out, sample)
	}
	return out, rows.Err()
}

// LatestProviderMetrics returns the newest sample per provider.
func (s *Store) LatestProviderMetrics(ctx context.Context) ([]persistence.ProviderMetric, error) {
	if s.disabled.Load() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []persistence.ProviderMetric
	err := s.db.SelectContext(ctx, &out, `
		SELECT DISTINCT ON (provider) provider, captured_at, success, failed, rate_limited,
			avg_latency_ms, success_rate_pct, quality_score, normalized_quality,
			breaker_state, remaining_quota, backoff_seconds
		FROM provider_metrics ORDER BY provider, captured_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest provider metrics: %w", err)
	}
	return out, nil
}

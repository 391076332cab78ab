// Package features keeps the most recent analyzer feature vectors per
// pair and timeframe in bounded, TTL-limited in-memory series.
package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
)

const (
	// DefaultMaxPerKey bounds each pair|timeframe series.
	DefaultMaxPerKey = 500
	// DefaultTTL ages entries out of every read path.
	DefaultTTL = 24 * time.Hour
)

// Record is one stored feature vector.
type Record struct {
	Pair        string             `json:"pair"`
	Timeframe   domain.Timeframe   `json:"timeframe"`
	TimestampMs int64              `json:"timestamp_ms"`
	Values      map[string]float64 `json:"values"`
	Hash        string             `json:"hash"`
}

// RangeQuery bounds a GetRange read.
type RangeQuery struct {
	SinceMs int64
	Limit   int
}

// KeyStats summarizes one series for diagnostics.
type KeyStats struct {
	Key      string `json:"key"`
	Count    int    `json:"count"`
	LatestMs int64  `json:"latest_ms"`
}

// Summary is the whole-store snapshot.
type Summary struct {
	Keys     int        `json:"keys"`
	Entries  int        `json:"entries"`
	OldestMs int64      `json:"oldest_ms"`
	NewestMs int64      `json:"newest_ms"`
	PerKey   []KeyStats `json:"per_key,omitempty"`
}

// SinkFunc persists a record asynchronously; errors are logged and dropped.
type SinkFunc func(ctx context.Context, r Record) error

type series struct {
	mu      sync.Mutex
	records []Record
}

// Store holds bounded per-key feature history. Writers to the same key
// serialize on the key lock; distinct keys do not contend.
type Store struct {
	mu        sync.RWMutex
	data      map[string]*series
	maxPerKey int
	ttl       time.Duration
	sink      SinkFunc
	now       func() time.Time
}

// NewStore creates a store; maxPerKey/ttl <= 0 select the defaults.
func NewStore(maxPerKey int, ttl time.Duration) *Store {
	if maxPerKey <= 0 {
		maxPerKey = DefaultMaxPerKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		data:      make(map[string]*series),
		maxPerKey: maxPerKey,
		ttl:       ttl,
		now:       time.Now,
	}
}

// SetSink enables fire-and-forget persistence of recorded vectors.
func (s *Store) SetSink(fn SinkFunc) { s.sink = fn }

// SetClock replaces the store clock (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func storeKey(pair string, tf domain.Timeframe) string {
	return pair + "|" + string(tf)
}

func (s *Store) getSeries(key string) *series {
	s.mu.RLock()
	ser, ok := s.data[key]
	s.mu.RUnlock()
	if ok {
		return ser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ser, ok = s.data[key]; ok {
		return ser
	}
	ser = &series{}
	s.data[key] = ser
	return ser
}

// HashValues returns the stable SHA-256 of the sorted-key JSON form.
func HashValues(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([][2]interface{}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]interface{}{k, values[k]})
	}
	raw, _ := json.Marshal(ordered)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Record stores one feature vector for pair|timeframe, keeping the series
// ordered by timestamp, bounded and within TTL. Returns the stored record
// with its content hash stamped.
func (s *Store) Record(pair string, tf domain.Timeframe, tsMs int64, values map[string]float64) Record {
	rec := Record{
		Pair:        pair,
		Timeframe:   tf,
		TimestampMs: tsMs,
		Values:      values,
		Hash:        HashValues(values),
	}

	key := storeKey(pair, tf)
	ser := s.getSeries(key)
	cutoff := s.now().Add(-s.ttl).UnixMilli()

	ser.mu.Lock()
	ser.records = pruneExpired(ser.records, cutoff)
	// insertion point keeps ascending timestamp order for late arrivals
	i := sort.Search(len(ser.records), func(i int) bool {
		return ser.records[i].TimestampMs > tsMs
	})
	ser.records = append(ser.records, Record{})
	copy(ser.records[i+1:], ser.records[i:])
	ser.records[i] = rec
	if over := len(ser.records) - s.maxPerKey; over > 0 {
		ser.records = append(ser.records[:0], ser.records[over:]...)
	}
	ser.mu.Unlock()

	if s.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := s.sink(ctx, rec); err != nil {
				log.Debug().Err(err).Str("pair", pair).Str("timeframe", string(tf)).
					Msg("feature persist failed")
			}
		}()
	}
	return rec
}

// GetLatest returns the newest unexpired record for pair|timeframe.
func (s *Store) GetLatest(pair string, tf domain.Timeframe) (Record, bool) {
	ser := s.peekSeries(storeKey(pair, tf))
	if ser == nil {
		return Record{}, false
	}
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	ser.mu.Lock()
	defer ser.mu.Unlock()
	ser.records = pruneExpired(ser.records, cutoff)
	if len(ser.records) == 0 {
		return Record{}, false
	}
	return ser.records[len(ser.records)-1], true
}

// GetRange returns unexpired records newer than q.SinceMs in ascending
// order, capped at q.Limit when positive.
func (s *Store) GetRange(pair string, tf domain.Timeframe, q RangeQuery) []Record {
	ser := s.peekSeries(storeKey(pair, tf))
	if ser == nil {
		return nil
	}
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	ser.mu.Lock()
	defer ser.mu.Unlock()
	ser.records = pruneExpired(ser.records, cutoff)

	start := sort.Search(len(ser.records), func(i int) bool {
		return ser.records[i].TimestampMs >= q.SinceMs
	})
	out := ser.records[start:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return append([]Record(nil), out...)
}

// GetSnapshot returns the latest record per timeframe for the pair.
func (s *Store) GetSnapshot(pair string) map[domain.Timeframe]Record {
	out := make(map[domain.Timeframe]Record)
	for _, tf := range domain.AllTimeframes() {
		if rec, ok := s.GetLatest(pair, tf); ok {
			out[tf] = rec
		}
	}
	return out
}

// Stats summarizes the store; limit > 0 caps the per-key breakdown to the
// busiest series.
func (s *Store) Stats(limit int) Summary {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	cutoff := s.now().Add(-s.ttl).UnixMilli()
	sum := Summary{}
	for _, key := range keys {
		ser := s.peekSeries(key)
		if ser == nil {
			continue
		}
		ser.mu.Lock()
		ser.records = pruneExpired(ser.records, cutoff)
		n := len(ser.records)
		var latest, oldest int64
		if n > 0 {
			oldest = ser.records[0].TimestampMs
			latest = ser.records[n-1].TimestampMs
		}
		ser.mu.Unlock()
		if n == 0 {
			continue
		}
		sum.Keys++
		sum.Entries += n
		if sum.OldestMs == 0 || oldest < sum.OldestMs {
			sum.OldestMs = oldest
		}
		if latest > sum.NewestMs {
			sum.NewestMs = latest
		}
		sum.PerKey = append(sum.PerKey, KeyStats{Key: key, Count: n, LatestMs: latest})
	}
	sort.Slice(sum.PerKey, func(i, j int) bool {
		if sum.PerKey[i].Count != sum.PerKey[j].Count {
			return sum.PerKey[i].Count > sum.PerKey[j].Count
		}
		return sum.PerKey[i].Key < sum.PerKey[j].Key
	})
	if limit > 0 && len(sum.PerKey) > limit {
		sum.PerKey = sum.PerKey[:limit]
	}
	return sum
}

// SnapshotSummary is Stats without the per-key breakdown.
func (s *Store) SnapshotSummary() Summary {
	sum := s.Stats(0)
	sum.PerKey = nil
	return sum
}

// PurgeExpired eagerly drops expired entries everywhere and returns the
// number removed. Scheduled alongside the lazy purge on reads.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl).UnixMilli()
	removed := 0
	for _, key := range keys {
		ser := s.peekSeries(key)
		if ser == nil {
			continue
		}
		ser.mu.Lock()
		before := len(ser.records)
		ser.records = pruneExpired(ser.records, cutoff)
		removed += before - len(ser.records)
		empty := len(ser.records) == 0
		ser.mu.Unlock()

		if empty {
			s.mu.Lock()
			// re-check under the map lock; a writer may have refilled it
			if ser2, ok := s.data[key]; ok && ser2 == ser {
				ser.mu.Lock()
				if len(ser.records) == 0 {
					delete(s.data, key)
				}
				ser.mu.Unlock()
			}
			s.mu.Unlock()
		}
	}
	return removed
}

func (s *Store) peekSeries(key string) *series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

func pruneExpired(records []Record, cutoffMs int64) []Record {
	i := sort.Search(len(records), func(i int) bool {
		return records[i].TimestampMs >= cutoffMs
	})
	if i == 0 {
		return records
	}
	return append(records[:0], records[i:]...)
}

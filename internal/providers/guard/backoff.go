package guard

import (
	"sync"
	"time"
)

// Default cooldowns applied when a quota response carries no Retry-After
// header. 429 is a short-lived burst limit; 403 usually means the daily
// quota is gone.
const (
	DefaultRateLimitBackoff = 10 * time.Minute
	DefaultForbiddenBackoff = 30 * time.Minute
)

// BackoffLedger tracks per-provider cooldown windows registered from
// quota responses. A provider inside its window is skipped by the
// fetcher but stays visible to the availability classifier.
type BackoffLedger struct {
	mu      sync.RWMutex
	until   map[string]time.Time
	reasons map[string]string
	now     func() time.Time
}

// NewBackoffLedger creates an empty ledger. The clock is injectable for
// tests via SetClock.
func NewBackoffLedger() *BackoffLedger {
	return &BackoffLedger{
		until:   make(map[string]time.Time),
		reasons: make(map[string]string),
		now:     time.Now,
	}
}

// SetClock replaces the ledger clock.
func (b *BackoffLedger) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// RegisterStatus records a cooldown for a quota status code. A positive
// retryAfter is honored exactly; otherwise the status-specific default
// applies. Non-quota statuses are ignored.
func (b *BackoffLedger) RegisterStatus(provider string, statusCode int, retryAfter time.Duration) {
	var dur time.Duration
	var reason string
	switch statusCode {
	case 429:
		dur, reason = DefaultRateLimitBackoff, "rate_limited"
	case 403:
		dur, reason = DefaultForbiddenBackoff, "forbidden"
	default:
		return
	}
	if retryAfter > 0 {
		dur = retryAfter
	}
	b.mu.Lock()
	b.until[provider] = b.now().Add(dur)
	b.reasons[provider] = reason
	b.mu.Unlock()
}

// InBackoff reports whether the provider is inside a cooldown window.
func (b *BackoffLedger) InBackoff(provider string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.until[provider]
	return ok && b.now().Before(t)
}

// Remaining returns the time left in the cooldown window, zero when none.
func (b *BackoffLedger) Remaining(provider string) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.until[provider]
	if !ok {
		return 0
	}
	if rem := t.Sub(b.now()); rem > 0 {
		return rem
	}
	return 0
}

// Reason returns why the provider is cooling down, empty when it is not.
func (b *BackoffLedger) Reason(provider string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.until[provider]; !ok || !b.now().Before(t) {
		return ""
	}
	return b.reasons[provider]
}

// Clear removes any cooldown for the provider.
func (b *BackoffLedger) Clear(provider string) {
	b.mu.Lock()
	delete(b.until, provider)
	delete(b.reasons, provider)
	b.mu.Unlock()
}

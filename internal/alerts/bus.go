package alerts

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 256

// Handler consumes one alert on the subscriber's own goroutine.
type Handler func(Alert)

type subscription struct {
	name   string
	topics map[string]struct{} // nil matches every topic
	ch     chan Alert
}

func (s *subscription) matches(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus fans publications out to subscribers. Each subscriber owns a
// buffered queue drained by a single goroutine, so one subscriber sees
// publications in publish order and a slow subscriber never stalls a
// publisher: when its queue is full the alert is dropped and counted.
type Bus struct {
	buffer int
	now    func() time.Time

	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewBus creates a bus. buffer <= 0 selects DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer, now: time.Now}
}

// SetClock overrides the stamp clock for tests.
func (b *Bus) SetClock(now func() time.Time) { b.now = now }

// Subscribe registers fn under name for the given topics, every topic
// when none are named. The returned function unsubscribes; it is safe
// to call more than once.
func (b *Bus) Subscribe(name string, fn Handler, topics ...string) func() {
	sub := &subscription{name: name, ch: make(chan Alert, b.buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for a := range sub.ch {
			deliver(sub.name, fn, a)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

// Publish stamps and delivers the alert to every matching subscriber
// without blocking. It returns the stamped alert.
func (b *Bus) Publish(a Alert) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = b.now().UTC()
	}
	if a.Severity == "" {
		a.Severity = SeverityInfo
	}
	if len(a.Channels) == 0 {
		a.Channels = []string{ChannelLog}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return a
	}
	for _, sub := range b.subs {
		if !sub.matches(a.Topic) {
			continue
		}
		select {
		case sub.ch <- a:
		default:
			b.dropped.Add(1)
			log.Warn().Str("subscriber", sub.name).Str("topic", a.Topic).
				Msg("alert dropped: subscriber queue full")
		}
	}
	return a
}

// Dropped counts alerts discarded because a subscriber queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops intake, lets every subscriber drain its queue and waits
// for the drains to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	b.wg.Wait()
}

// remove detaches the subscription so no publisher can reach it, then
// closes its queue so the drain goroutine exits.
func (b *Bus) remove(target *subscription) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	kept := b.subs[:0]
	for _, sub := range b.subs {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	b.subs = kept
	b.mu.Unlock()

	close(target.ch)
}

func deliver(name string, fn Handler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("subscriber", name).Str("alert", a.ID).
				Msg("alert subscriber panicked")
		}
	}()
	fn(a)
}

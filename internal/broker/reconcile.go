package broker

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
)

// TopicTradeDrift is the alert-bus topic drift events publish under.
const TopicTradeDrift = "trade_drift"

// DriftEvent reports a mismatch between the local trade book and one
// broker's reported positions.
type DriftEvent struct {
	Broker  string    `json:"broker"`
	Missing []string  `json:"missing,omitempty"` // booked open locally, absent at the broker
	Orphans []string  `json:"orphans,omitempty"` // open at the broker, unknown locally
	At      time.Time `json:"at"`
}

// OpenTradeSource lists booked open trades. *risk.Engine satisfies it.
type OpenTradeSource interface {
	OpenTrades() []*domain.Trade
}

// Reconciler compares the trade book against every connected broker and
// reports drift. The scheduler runs it every few minutes.
type Reconciler struct {
	router *Router
	trades OpenTradeSource
	sink   func(DriftEvent)
	now    func() time.Time
}

// NewReconciler wires the comparison inputs.
func NewReconciler(router *Router, trades OpenTradeSource) *Reconciler {
	return &Reconciler{router: router, trades: trades, now: time.Now}
}

// SetDriftSink receives each drift event as it is found; calls must not
// block.
func (rc *Reconciler) SetDriftSink(fn func(DriftEvent)) { rc.sink = fn }

// SetClock overrides the time source for tests.
func (rc *Reconciler) SetClock(now func() time.Time) { rc.now = now }

// Run performs one reconciliation pass. Connectors that fail to list
// positions are skipped and their errors joined into the return; drift
// found at reachable connectors is still reported.
func (rc *Reconciler) Run(ctx context.Context) ([]DriftEvent, error) {
	byBroker := make(map[string][]string)
	for _, t := range rc.trades.OpenTrades() {
		if t.Broker == "" {
			continue
		}
		byBroker[t.Broker] = append(byBroker[t.Broker], t.ID)
	}

	var events []DriftEvent
	var errs []error
	for _, c := range rc.router.Connectors() {
		if !c.Enabled() || !c.Connected(ctx) {
			continue
		}
		positions, err := rc.router.Positions(ctx, c.ID())
		if err != nil {
			errs = append(errs, err)
			continue
		}

		held := make(map[string]bool, len(positions))
		for _, p := range positions {
			held[p.Ticket] = true
		}
		booked := make(map[string]bool, len(byBroker[c.ID()]))
		var missing []string
		for _, id := range byBroker[c.ID()] {
			booked[id] = true
			if !held[id] {
				missing = append(missing, id)
			}
		}
		var orphans []string
		for _, p := range positions {
			if !booked[p.Ticket] {
				orphans = append(orphans, p.Ticket)
			}
		}
		if len(missing) == 0 && len(orphans) == 0 {
			continue
		}

		sort.Strings(missing)
		sort.Strings(orphans)
		ev := DriftEvent{Broker: c.ID(), Missing: missing, Orphans: orphans, At: rc.now().UTC()}
		events = append(events, ev)
		log.Warn().Str("broker", ev.Broker).Strs("missing", missing).Strs("orphans", orphans).
			Msg("position drift detected")
		if rc.sink != nil {
			rc.sink(ev)
		}
	}
	return events, errors.Join(errs...)
}

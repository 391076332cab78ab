// Package risk sizes positions, enforces pre-trade limits, and tracks
// the open-position ledger.
package risk

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// KillState is the observable switch state.
type KillState struct {
	Engaged bool      `json:"engaged"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

// KillSwitchError reports refusal because the kill switch is engaged.
// The capitalized message is part of the HTTP error contract.
type KillSwitchError struct {
	Reason string
}

func (e *KillSwitchError) Error() string {
	if e.Reason == "" {
		return "Kill switch engaged"
	}
	return fmt.Sprintf("Kill switch engaged: %s", e.Reason)
}

// KillSwitch is the single operator-controlled stop for all new or
// modifying broker operations. Reads are lock-free.
type KillSwitch struct {
	state atomic.Pointer[KillState]
	now   func() time.Time
}

// NewKillSwitch starts disengaged.
func NewKillSwitch() *KillSwitch {
	k := &KillSwitch{now: time.Now}
	k.state.Store(&KillState{})
	return k
}

// SetClock overrides the time source for tests.
func (k *KillSwitch) SetClock(now func() time.Time) { k.now = now }

// Engage turns the switch on. Re-engaging replaces the reason and
// timestamp.
func (k *KillSwitch) Engage(reason string) {
	k.state.Store(&KillState{Engaged: true, Reason: reason, Since: k.now().UTC()})
	log.Warn().Str("reason", reason).Msg("kill switch engaged")
}

// Release turns the switch off.
func (k *KillSwitch) Release() {
	prev := k.state.Swap(&KillState{})
	if prev.Engaged {
		log.Info().Str("reason", prev.Reason).Msg("kill switch released")
	}
}

// Engaged reports the flag alone.
func (k *KillSwitch) Engaged() bool { return k.state.Load().Engaged }

// State returns a copy of the current state.
func (k *KillSwitch) State() KillState { return *k.state.Load() }

// Check returns a KillSwitchError when engaged, nil otherwise. Broker
// dispatch and order mutation call this before touching a connector.
func (k *KillSwitch) Check() error {
	s := k.state.Load()
	if !s.Engaged {
		return nil
	}
	return &KillSwitchError{Reason: s.Reason}
}

package guard

import (
	"sync"

	"github.com/sony/gobreaker"
)

// Manager owns one guard per provider and the shared cooldown ledger.
type Manager struct {
	mu      sync.RWMutex
	guards  map[string]*Guard
	configs map[string]Config
	ledger  *BackoffLedger
	onState func(name string, from, to gobreaker.State)
}

// NewManager creates a manager; per-provider configs override DefaultConfig.
func NewManager(configs map[string]Config) *Manager {
	if configs == nil {
		configs = make(map[string]Config)
	}
	return &Manager{
		guards:  make(map[string]*Guard),
		configs: configs,
		ledger:  NewBackoffLedger(),
	}
}

// OnStateChange registers a breaker transition observer applied to all
// guards, including ones created later.
func (m *Manager) OnStateChange(fn func(name string, from, to gobreaker.State)) {
	m.mu.Lock()
	m.onState = fn
	for _, g := range m.guards {
		g.OnStateChange(fn)
	}
	m.mu.Unlock()
}

// Ledger exposes the shared cooldown ledger.
func (m *Manager) Ledger() *BackoffLedger { return m.ledger }

// Get returns the guard for a provider, creating it on first use.
func (m *Manager) Get(provider string) *Guard {
	m.mu.RLock()
	g, ok := m.guards[provider]
	m.mu.RUnlock()
	if ok {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.guards[provider]; ok {
		return g
	}
	cfg, ok := m.configs[provider]
	if !ok {
		cfg = DefaultConfig(provider)
	}
	g = New(cfg, m.ledger)
	if m.onState != nil {
		g.OnStateChange(m.onState)
	}
	m.guards[provider] = g
	return g
}

// States returns the breaker state per known provider.
func (m *Manager) States() map[string]gobreaker.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]gobreaker.State, len(m.guards))
	for name, g := range m.guards {
		out[name] = g.BreakerState()
	}
	return out
}

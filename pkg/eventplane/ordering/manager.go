package ordering

import (
	"sync"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
)

// Manager coordinates named processors so different consumers (services,
// event families) can run their own ordering configuration.
type Manager struct {
	mu            sync.RWMutex
	processors    map[string]*Processor
	defaultConfig Config
}

// DefaultProcessorKey is used when no processor key is given.
const DefaultProcessorKey = "default"

// NewManager creates a manager with the given default configuration.
func NewManager(defaultConfig Config) *Manager {
	return &Manager{
		processors:    make(map[string]*Processor),
		defaultConfig: defaultConfig,
	}
}

// Register creates (or replaces) the processor for a key. A nil config uses
// the manager default.
func (m *Manager) Register(key string, cfg *Config) *Processor {
	c := m.defaultConfig
	if cfg != nil {
		c = *cfg
	}
	p := NewProcessor(c)

	m.mu.Lock()
	m.processors[key] = p
	m.mu.Unlock()
	return p
}

// Get returns the processor for a key, or nil.
func (m *Manager) Get(key string) *Processor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processors[key]
}

// ProcessEvent routes an envelope through the processor for key, creating a
// default-configured one on first use.
func (m *Manager) ProcessEvent(env *eventplane.Envelope, key string) ([]*OrderedEvent, error) {
	if key == "" {
		key = DefaultProcessorKey
	}
	p := m.Get(key)
	if p == nil {
		m.mu.Lock()
		if p = m.processors[key]; p == nil {
			p = NewProcessor(m.defaultConfig)
			m.processors[key] = p
		}
		m.mu.Unlock()
	}
	return p.ProcessEvent(env)
}

// CombinedStats returns per-processor statistics.
func (m *Manager) CombinedStats() map[string]Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Statistics, len(m.processors))
	for key, p := range m.processors {
		stats[key] = p.Stats()
	}
	return stats
}

// CleanupAll runs cleanup on every processor. Driven by the scheduler.
func (m *Manager) CleanupAll() {
	m.mu.RLock()
	processors := make([]*Processor, 0, len(m.processors))
	for _, p := range m.processors {
		processors = append(processors, p)
	}
	m.mu.RUnlock()

	for _, p := range processors {
		p.Cleanup()
	}
}

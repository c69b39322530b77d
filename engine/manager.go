package engine

import (
	"sort"
	"sync"
	"time"
)

// Manager holds one independent engine per conversation id. Conversations
// never share state, so they reduce in parallel with no coordination
// beyond the map lock.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	opts    Options
}

// NewManager creates a manager; opts applies to every engine it creates.
func NewManager(opts Options) *Manager {
	return &Manager{
		engines: make(map[string]*Engine),
		opts:    opts,
	}
}

// Get returns the engine for the conversation, creating it on first use.
func (m *Manager) Get(conversationID string) *Engine {
	m.mu.RLock()
	e, ok := m.engines[conversationID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[conversationID]; ok {
		return e
	}
	e = New(conversationID, m.opts)
	m.engines[conversationID] = e
	return e
}

// Lookup returns the engine for the conversation without creating one.
func (m *Manager) Lookup(conversationID string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[conversationID]
	return e, ok
}

// Remove drops the conversation's engine. The reduced state is gone; a
// re-created engine starts empty and rebuilds from replayed events.
func (m *Manager) Remove(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, conversationID)
}

// Conversations returns the tracked conversation ids, sorted.
func (m *Manager) Conversations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExpireDue ticks every engine's time-based transitions.
func (m *Manager) ExpireDue(now time.Time) {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	for _, e := range engines {
		e.ExpireDue(now)
	}
}

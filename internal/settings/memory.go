package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps settings in process memory. It is used by tests and by
// the CLI when no settings path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	s       Settings
	loadErr error
	loads   int
	updates int
}

// NewMemoryStore returns a store seeded with a copy of s.
func NewMemoryStore(s Settings) *MemoryStore {
	return &MemoryStore{s: s.Clone()}
}

// Load returns a copy of the current settings.
func (m *MemoryStore) Load(_ context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return Settings{}, m.loadErr
	}
	return m.s.Clone(), nil
}

// Update applies fn to a copy and keeps it only if fn succeeds.
func (m *MemoryStore) Update(_ context.Context, fn func(*Settings) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.s.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	m.s = next
	m.updates++
	return nil
}

// Set replaces the stored settings.
func (m *MemoryStore) Set(s Settings) {
	m.mu.Lock()
	m.s = s.Clone()
	m.mu.Unlock()
}

// FailLoads makes every following Load return err. Pass nil to recover.
func (m *MemoryStore) FailLoads(err error) {
	m.mu.Lock()
	m.loadErr = err
	m.mu.Unlock()
}

// Loads returns how many times Load was called.
func (m *MemoryStore) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// Updates returns how many Update calls were committed.
func (m *MemoryStore) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

var _ Store = (*MemoryStore)(nil)

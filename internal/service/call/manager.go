// Package call implements the call session state machine and the per-user
// registries that expose it. Signaling, media and transport are reached only
// through the interfaces in ports.go.
package call

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stablecall-backend/pkg/logger"
)

// Manager owns the registries of every connected user in this process
type Manager struct {
	deps Deps
	cfg  Config

	mu         sync.RWMutex
	registries map[uuid.UUID]*Registry
	closed     bool
}

// NewManager creates a Manager sharing deps across all users
func NewManager(deps Deps, cfg Config) *Manager {
	return &Manager{
		deps:       deps,
		cfg:        cfg,
		registries: make(map[uuid.UUID]*Registry),
	}
}

// Registry returns the user's registry, creating it on first use.
// The display name is what callees see on an incoming call.
func (m *Manager) Registry(userID uuid.UUID, displayName string) (*Registry, bool) {
	m.mu.RLock()
	r, ok := m.registries[userID]
	closed := m.closed
	m.mu.RUnlock()
	if ok || closed {
		return r, ok
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	if r, ok := m.registries[userID]; ok {
		return r, true
	}
	r = NewRegistry(m.deps, m.cfg, Participant{UserID: userID, DisplayName: displayName})
	m.registries[userID] = r
	logger.Debug("Created call registry", zap.String("user_id", userID.String()))
	return r, true
}

// Lookup returns the user's registry without creating one
func (m *Manager) Lookup(userID uuid.UUID) (*Registry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.registries[userID]
	return r, ok
}

// Remove closes and forgets the user's registry
func (m *Manager) Remove(userID uuid.UUID) {
	m.mu.Lock()
	r, ok := m.registries[userID]
	delete(m.registries, userID)
	m.mu.Unlock()

	if ok {
		r.Close()
	}
}

// Close hangs up every call and closes every registry
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	registries := m.registries
	m.registries = make(map[uuid.UUID]*Registry)
	m.mu.Unlock()

	for _, r := range registries {
		r.Close()
	}
	logger.Info("Call manager closed", zap.Int("registries", len(registries)))
}

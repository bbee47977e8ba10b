// Package session supplies the scope identity attached to upstream list and
// create calls. One tracker process owns one client session; the session id
// rotates after a period of inactivity so stale scopes do not accumulate
// server-side.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.Mutex
	userID            string
	inactivityTimeout time.Duration
	now               func() time.Time
	current           *Session
}

func NewManager(userID string, inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		userID:            strings.TrimSpace(userID),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source; tests use this.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

// Current returns the active session, creating or rotating it as needed.
// Every call counts as activity.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.currentLocked()
}

// ScopeID returns the identifier attached to scoped upstream calls.
func (m *Manager) ScopeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked().ID
}

func (m *Manager) UserID() string {
	return m.userID
}

// End discards the active session; the next call starts a fresh one.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

func (m *Manager) currentLocked() *Session {
	now := m.now()
	if m.current != nil && now.Sub(m.current.LastActivityAt) <= m.inactivityTimeout {
		m.current.LastActivityAt = now
		return m.current
	}
	m.current = &Session{
		ID:             uuid.NewString(),
		UserID:         m.userID,
		StartedAt:      now,
		LastActivityAt: now,
	}
	return m.current
}

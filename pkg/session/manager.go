package session

import (
	"sync"
	"time"
)

// Manager maps conversation ids to sessions for the whole process.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	windowSize int
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWindowSize sets the window capacity of new sessions.
func WithWindowSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.windowSize = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:   make(map[string]*Session),
		windowSize: DefaultWindowSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the session of conversationID if one exists.
func (m *Manager) Get(conversationID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// GetOrCreate returns the session of conversationID, creating an empty one
// if needed. created reports whether this call created it.
func (m *Manager) GetOrCreate(conversationID string) (s *Session, created bool) {
	if s, ok := m.Get(conversationID); ok {
		return s, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conversationID]; ok {
		return s, false
	}
	s = newSession(conversationID, m.windowSize, m.now)
	m.sessions[conversationID] = s
	return s, true
}

// Reset clears the session of conversationID, creating it if absent, and
// returns it.
func (m *Manager) Reset(conversationID string) *Session {
	s, _ := m.GetOrCreate(conversationID)
	s.Reset()
	return s
}

// Delete drops the session of conversationID.
func (m *Manager) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions idle for longer than maxIdle and returns how many
// were removed. Sessions in the middle of a turn are skipped.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if !s.LastUsed().Before(cutoff) {
			continue
		}
		if !s.tryAcquire() {
			continue
		}
		delete(m.sessions, id)
		s.release()
		removed++
	}
	return removed
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/heartline/heartline/pkg/affinity"
)

// RelationshipSnapshot is the relationship state last seen by a session.
type RelationshipSnapshot struct {
	Affinity         float64       `json:"affinity"`
	Tier             affinity.Tier `json:"tier"`
	Tone             string        `json:"tone"`
	Nickname         *string       `json:"nickname,omitempty"`
	InteractionCount int64         `json:"interaction_count"`
}

// Session is the in-process state of one conversation.
//
// Two scopes guard it: Acquire serializes whole turns of the conversation,
// while the internal mutex keeps individual accessors consistent.
type Session struct {
	id string

	turn chan struct{}

	mu           sync.RWMutex
	window       *Window
	relationship *RelationshipSnapshot
	scenarioID   string
	hydrated     bool
	lastUsed     time.Time
	now          func() time.Time
}

func newSession(id string, windowSize int, now func() time.Time) *Session {
	return &Session{
		id:       id,
		turn:     make(chan struct{}, 1),
		window:   NewWindow(windowSize),
		lastUsed: now(),
		now:      now,
	}
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// Acquire takes the session's turn scope. It blocks until the scope is free
// or ctx is done.
func (s *Session) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.touch()
	var once sync.Once
	return func() { once.Do(func() { <-s.turn }) }, nil
}

func (s *Session) tryAcquire() bool {
	select {
	case s.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) release() { <-s.turn }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = s.now()
	s.mu.Unlock()
}

// LastUsed returns when the session was last acquired or modified.
func (s *Session) LastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

// Push appends a turn to the window.
func (s *Session) Push(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window.Push(t)
	s.lastUsed = s.now()
}

// Turns returns the window contents, oldest first.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.Snapshot()
}

// WindowSize returns the window capacity.
func (s *Session) WindowSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.Cap()
}

// Hydrate replaces the window with turns and marks the session hydrated.
// Only the newest WindowSize turns are kept.
func (s *Session) Hydrate(turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window.Clear()
	for _, t := range turns {
		s.window.Push(t)
	}
	s.hydrated = true
}

// Hydrated reports whether the window was loaded from persisted history.
func (s *Session) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// SetRelationship overwrites the relationship snapshot.
func (s *Session) SetRelationship(r RelationshipSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Nickname != nil {
		n := *r.Nickname
		r.Nickname = &n
	}
	s.relationship = &r
}

// Relationship returns the last relationship snapshot, if any.
func (s *Session) Relationship() (RelationshipSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.relationship == nil {
		return RelationshipSnapshot{}, false
	}
	r := *s.relationship
	if r.Nickname != nil {
		n := *r.Nickname
		r.Nickname = &n
	}
	return r, true
}

// SetScenario overwrites the active scenario reference. Empty clears it.
func (s *Session) SetScenario(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarioID = id
}

// Scenario returns the active scenario reference.
func (s *Session) Scenario() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scenarioID
}

// Reset clears the window, the relationship snapshot and the scenario. A
// reset session counts as hydrated: there is no history to load.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window.Clear()
	s.relationship = nil
	s.scenarioID = ""
	s.hydrated = true
	s.lastUsed = s.now()
}

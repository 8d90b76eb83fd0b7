// Package session tracks the active user. All local state is partitioned by
// this id; listeners react to a change by discarding the previous user's
// in-memory state.
package session

import "sync"

// Listener is called with the previous and the new user id.
type Listener func(prev, next string)

// Session is safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	userID    string
	listeners []Listener
}

// New creates a session for userID ("" for signed out).
func New(userID string) *Session {
	return &Session{userID: userID}
}

// UserID returns the active user id.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Set changes the active user and notifies listeners synchronously, in
// registration order. It reports whether the value changed.
func (s *Session) Set(userID string) bool {
	s.mu.Lock()
	prev := s.userID
	if prev == userID {
		s.mu.Unlock()
		return false
	}
	s.userID = userID
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(prev, userID)
	}
	return true
}

// OnChange registers a listener.
func (s *Session) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

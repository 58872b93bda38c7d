package session

import (
	"sync"
	"time"
)

// Session is the authenticated state of one connection.
type Session struct {
	ConnID    string
	Identity  string
	Level     AccessLevel
	CreatedAt time.Time
}

// Registry maps connection ids to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate records a session for connID. A connection authenticates at most once.
func (r *Registry) Authenticate(connID, identity string, level AccessLevel) (Session, error) {
	if connID == "" {
		return Session{}, ErrEmptyConnID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[connID]; ok {
		return Session{}, ErrAlreadyAuthenticated
	}

	s := Session{
		ConnID:    connID,
		Identity:  identity,
		Level:     level,
		CreatedAt: r.now(),
	}
	r.sessions[connID] = s
	return s, nil
}

func (r *Registry) Lookup(connID string) (Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	return s, ok
}

// Remove drops the session for connID and reports whether one existed.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[connID]
	delete(r.sessions, connID)
	r.mu.Unlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

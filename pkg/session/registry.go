package session

import (
	"sync"
)

// Registry is the set of active sessions keyed by connection id. It is the
// only state shared across connections, so it carries its own lock; all
// other session state is owned by the connection that created it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session under its connection id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ConnectionID] = s
	r.mu.Unlock()
}

// Get returns the session for a connection id, or nil.
func (r *Registry) Get(connectionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connectionID]
}

// Remove deletes and returns the session for a connection id. It returns
// nil when the session is already gone, which makes the close sequence
// idempotent: whoever gets the session back owns the teardown.
func (r *Registry) Remove(connectionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return nil
	}
	delete(r.sessions, connectionID)
	return s
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the active sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

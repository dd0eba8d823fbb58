package ocpp

import "sync"

// Registry tracks the single live session per charge point identifier. It is
// the sole point of truth for the at-most-one-session invariant and is safe
// for concurrent use from independent connection goroutines.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Register installs the session as the live one for its identifier and
// returns the session it evicted, if any. The caller must close the evicted
// session's transport; two live transports must never stay mapped to one
// identifier.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[s.ChargePointID]
	r.sessions[s.ChargePointID] = s
	return prev
}

// Unregister removes the session only if it is still the registered one, so
// a late disconnect of an evicted session cannot remove its replacement.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ChargePointID] != s {
		return false
	}
	delete(r.sessions, s.ChargePointID)
	return true
}

func (r *Registry) Lookup(chargePointID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[chargePointID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

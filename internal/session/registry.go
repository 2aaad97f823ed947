package session

import "sync"

// registry maps device IDs to their single live session. A device
// re-authenticating on a new connection supersedes the old session
// (newer wins).
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

// claim installs s as the device's session and returns the session it
// displaced, if any.
func (r *registry) claim(deviceID string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[deviceID]
	r.sessions[deviceID] = s
	if prev == s {
		return nil
	}
	return prev
}

// release removes the mapping, but only if s still owns it. Returns true
// when s was the owner.
func (r *registry) release(deviceID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[deviceID] != s {
		return false
	}
	delete(r.sessions, deviceID)
	return true
}

// get returns the live session for a device.
func (r *registry) get(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[deviceID]
}

// all returns a snapshot of every live session.
func (r *registry) all() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

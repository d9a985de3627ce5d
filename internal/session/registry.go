package session

import "time"

// Registry maps user ids to their sessions. Like the sessions themselves it
// is owned by the coordinator dispatch goroutine.
type Registry struct {
	sessions        map[string]*UserSession
	modeHistoryCap  int
	cacheMetricsCap int
}

func NewRegistry(modeHistoryCap, cacheMetricsCap int) *Registry {
	return &Registry{
		sessions:        make(map[string]*UserSession),
		modeHistoryCap:  modeHistoryCap,
		cacheMetricsCap: cacheMetricsCap,
	}
}

// GetOrCreate returns the session for userID, creating it on first contact.
// The second return reports whether a new session was created, so the caller
// can emit the creation event exactly once.
func (r *Registry) GetOrCreate(userID, displayName string, now time.Time) (*UserSession, bool) {
	if s, ok := r.sessions[userID]; ok {
		return s, false
	}
	s := New(userID, displayName, r.modeHistoryCap, r.cacheMetricsCap, now)
	r.sessions[userID] = s
	return s, true
}

// Get returns the session for userID, or nil.
func (r *Registry) Get(userID string) *UserSession {
	return r.sessions[userID]
}

func (r *Registry) Len() int { return len(r.sessions) }

// Clear drops every session. Called once on shutdown, after the dispatch
// loop has stopped.
func (r *Registry) Clear() int {
	n := len(r.sessions)
	r.sessions = make(map[string]*UserSession)
	return n
}

package dialogue

import (
	"sync"
	"time"
)

// Registry maps conversation ids to their sessions. Sessions are created on
// first use and never evicted, so the registry grows with every conversation
// the process has seen.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*ConversationSession
	streamDefault bool
	now           func() time.Time
}

// NewRegistry creates an empty registry. New sessions start with streaming
// set to streamDefault.
func NewRegistry(streamDefault bool) *Registry {
	return &Registry{
		sessions:      make(map[string]*ConversationSession),
		streamDefault: streamDefault,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the session for id, creating it if needed. created
// reports whether this call created it.
func (r *Registry) GetOrCreate(id string) (session *ConversationSession, created bool) {
	if session, ok := r.Lookup(id); ok {
		return session, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		return session, false
	}
	session = newConversationSession(id, r.streamDefault, r.now())
	r.sessions[id] = session
	return session, true
}

// Lookup returns the session for id without creating one.
func (r *Registry) Lookup(id string) (*ConversationSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

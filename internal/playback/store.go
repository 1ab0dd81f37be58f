package playback

import (
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// SessionStore owns the live sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[snowflake.ID]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[snowflake.ID]*Session)}
}

// Create returns the session for id, making it with hooks if absent. The
// boolean is true when a new session was made.
func (st *SessionStore) Create(id snowflake.ID, hooks Hooks) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, hooks)
	st.sessions[id] = s
	return s, true
}

func (st *SessionStore) Get(id snowflake.ID) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Destroy removes id and returns the session that was stored, if any.
func (st *SessionStore) Destroy(id snowflake.ID) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	return s, ok
}

// Each calls fn for a snapshot of the stored sessions.
func (st *SessionStore) Each(fn func(*Session)) {
	st.mu.RLock()
	list := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		list = append(list, s)
	}
	st.mu.RUnlock()
	for _, s := range list {
		fn(s)
	}
}

func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// remove drops s only if it is still the stored session for its id.
func (st *SessionStore) remove(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.ID] != s {
		return false
	}
	delete(st.sessions, s.ID)
	return true
}

package memory

import (
	"sync"

	"classroom-quiz-master/internal/app"
)

// SessionRegistry is the in-memory implementation of app.SessionRegistry,
// indexing live sessions by ID and join code.
type SessionRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*app.LiveSession
	byCode map[string]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byID:   make(map[string]*app.LiveSession),
		byCode: make(map[string]string),
	}
}

func (r *SessionRegistry) Put(session *app.LiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[session.ID()] = session
	r.byCode[session.JoinCode()] = session.ID()
}

func (r *SessionRegistry) Get(sessionID string) (*app.LiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byID[sessionID]
	return session, ok
}

func (r *SessionRegistry) ByJoinCode(code string) (*app.LiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, false
	}
	session, ok := r.byID[id]
	return session, ok
}

func (r *SessionRegistry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return
	}
	delete(r.byCode, session.JoinCode())
	delete(r.byID, sessionID)
}

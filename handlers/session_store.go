package handlers

import (
	"sync"
	"time"

	"biosure-backend/models"
)

type session struct {
	messages []models.ChatMessage
	lastSeen time.Time
}

// SessionStore keeps the last messages of each chat session in memory.
// When more than maxSessions are held the least recently used is evicted.
type SessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*session
	historySize int
	maxSessions int
	now         func() time.Time
}

// NewSessionStore creates a session store keeping historySize messages per session
func NewSessionStore(historySize, maxSessions int) *SessionStore {
	return &SessionStore{
		sessions:    map[string]*session{},
		historySize: historySize,
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// History returns a copy of the session's messages, oldest first
func (s *SessionStore) History(sessionID string) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]models.ChatMessage, len(sess.messages))
	copy(out, sess.messages)
	return out
}

// Append adds messages to the session, dropping the oldest beyond the history size
func (s *SessionStore) Append(sessionID string, msgs ...models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.evict()
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	sess.lastSeen = s.now()
	sess.messages = append(sess.messages, msgs...)
	if over := len(sess.messages) - s.historySize; s.historySize > 0 && over > 0 {
		sess.messages = append([]models.ChatMessage(nil), sess.messages[over:]...)
	}
}

// evict removes the least recently used session when the store is full.
// Callers hold s.mu.
func (s *SessionStore) evict() {
	if s.maxSessions <= 0 || len(s.sessions) < s.maxSessions {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, sess := range s.sessions {
		if oldestID == "" || sess.lastSeen.Before(oldest) {
			oldestID, oldest = id, sess.lastSeen
		}
	}
	delete(s.sessions, oldestID)
}

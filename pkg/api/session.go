package api

import (
	"sync"
	"time"

	"github.com/tidwall/tinylru"
)

// DefaultSessionCapacity bounds the number of tracked clients
const DefaultSessionCapacity = 4096

// CachedResponse is a complete answer kept for replay
type CachedResponse struct {
	Code        int
	ContentType string
	Body        []byte
}

// SessionManager remembers the last answer per client so that a retried
// mutating request is not applied twice. The least recently used sessions
// are dropped once the capacity is reached.
type SessionManager struct {
	mu       sync.Mutex
	sessions tinylru.LRU

	maxSessionAge time.Duration
	evictions     uint64
}

// ClientSession tracks the request history of one client
type ClientSession struct {
	clientID        string
	lastSequence    uint64
	lastResponse    *CachedResponse
	lastRequestTime time.Time
	createdAt       time.Time
}

// NewSessionManager creates a session manager holding at most capacity
// sessions. Sessions idle for longer than maxSessionAge are forgotten; zero
// disables expiry.
func NewSessionManager(capacity int, maxSessionAge time.Duration) *SessionManager {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	sm := &SessionManager{maxSessionAge: maxSessionAge}
	sm.sessions.Resize(capacity)
	return sm
}

// session returns the live session of clientID. Must be called with mu held.
func (sm *SessionManager) session(clientID string) (*ClientSession, bool) {
	v, ok := sm.sessions.Get(clientID)
	if !ok {
		return nil, false
	}
	session := v.(*ClientSession)
	if sm.maxSessionAge > 0 && time.Since(session.lastRequestTime) > sm.maxSessionAge {
		sm.sessions.Delete(clientID)
		return nil, false
	}
	return session, true
}

// CheckDuplicate reports whether sequence was already processed for
// clientID. The cached response is returned for the latest sequence only;
// older sequences are duplicates without a response.
func (sm *SessionManager) CheckDuplicate(clientID string, sequence uint64) (*CachedResponse, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.session(clientID)
	if !ok || sequence > session.lastSequence {
		return nil, false
	}
	if sequence == session.lastSequence {
		return session.lastResponse, true
	}
	return nil, true
}

// CacheResponse records the response to sequence. Older sequences are ignored.
func (sm *SessionManager) CacheResponse(clientID string, sequence uint64, resp *CachedResponse) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	session, ok := sm.session(clientID)
	if !ok {
		session = &ClientSession{clientID: clientID, createdAt: now}
		if _, _, _, _, evicted := sm.sessions.SetEvicted(clientID, session); evicted {
			sm.evictions++
		}
	}

	if sequence > session.lastSequence || session.lastResponse == nil {
		session.lastSequence = sequence
		session.lastResponse = resp
		session.lastRequestTime = now
	}
}

// SessionCount returns the number of tracked sessions
func (sm *SessionManager) SessionCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessions.Len()
}

// Evictions returns how many sessions were dropped for capacity
func (sm *SessionManager) Evictions() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.evictions
}

// GetSessionInfo returns information about a session, nil if unknown
func (sm *SessionManager) GetSessionInfo(clientID string) *SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.session(clientID)
	if !ok {
		return nil
	}
	return &SessionInfo{
		ClientID:        session.clientID,
		LastSequence:    session.lastSequence,
		LastRequestTime: session.lastRequestTime,
		CreatedAt:       session.createdAt,
		Age:             time.Since(session.createdAt),
	}
}

// SessionInfo contains information about a client session
type SessionInfo struct {
	ClientID        string
	LastSequence    uint64
	LastRequestTime time.Time
	CreatedAt       time.Time
	Age             time.Duration
}

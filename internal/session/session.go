package session

import (
	"sync"

	"github.com/fenestra/quotehub/internal/identity"
)

// Conn is a live client connection attached to a session. The registry
// only needs to be able to force-close one when its token expires; the
// WebSocket layer provides the implementation.
type Conn interface {
	// CloseExpired closes the connection with the token-expired close code.
	CloseExpired() error
}

// Session is a workstation/worker identity scoped to one user. It outlives
// individual tokens and carries the user's resource lock and live
// connections. Sessions compare by ID.
type Session struct {
	id   string
	user *identity.User

	mu            sync.Mutex
	boundResource string          // resource key, empty when none
	conns         map[string]Conn // token ID -> connection
}

// New creates a session with a fresh random ID for the given user.
func New(user *identity.User) *Session {
	return &Session{
		id:    NewKey(16),
		user:  user,
		conns: make(map[string]Conn),
	}
}

// ID returns the session's identity.
func (s *Session) ID() string { return s.id }

// User returns the owning user.
func (s *Session) User() *identity.User { return s.user }

// BoundResource returns the key of the resource this session holds, or the
// empty string. The resource manager is the only writer.
func (s *Session) BoundResource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundResource
}

// SetBoundResource records the session side of a lock transition. Callers
// must be the resource manager; the bidirectional invariant lives there.
func (s *Session) SetBoundResource(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundResource = key
}

// AttachConn registers a live connection under the token that opened it.
// It reports false when that token already has a connection.
func (s *Session) AttachConn(tokenID string, c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[tokenID]; ok {
		return false
	}
	s.conns[tokenID] = c
	return true
}

// DetachConn removes the connection registered under tokenID, returning it
// if present. Detaching twice is harmless.
func (s *Session) DetachConn(tokenID string) Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conns[tokenID]
	delete(s.conns, tokenID)
	return c
}

// ConnByToken returns the live connection opened under tokenID, if any.
func (s *Session) ConnByToken(tokenID string) Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[tokenID]
}

// Connected reports whether any connection is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

// ConnCount returns the number of attached connections.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ToJSON renders the session for API responses (conflict payloads).
func (s *Session) ToJSON() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bound any
	if s.boundResource != "" {
		bound = s.boundResource
	}
	return map[string]any{
		"id":          s.id,
		"user":        s.user.ToJSON(),
		"resource":    bound,
		"connections": len(s.conns),
	}
}

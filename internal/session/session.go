// Package session holds the live identity of one proctored attempt: the
// invitation it was opened with and the session token issued by the
// backend. Every component that talks to the backend reads the token from
// the same Handle so no caller works from a stale copy.
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrTokenMismatch is returned when a different token is set on a
	// handle that already holds one.
	ErrTokenMismatch = errors.New("session: token already set to a different value")

	// ErrEmptyToken is returned when setting an empty token.
	ErrEmptyToken = errors.New("session: empty token")
)

// Handle is the write-once session token holder shared by the attempt.
type Handle struct {
	mu         sync.RWMutex
	invitation string
	token      string
	startedAt  time.Time
	resumed    bool
}

// NewHandle returns a handle for the given invitation token.
func NewHandle(invitation string) *Handle {
	return &Handle{invitation: invitation}
}

// Invitation returns the invitation token the attempt was opened with.
func (h *Handle) Invitation() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.invitation
}

// SetToken records the session token. Setting the same token again is a
// no-op; a different token is rejected.
func (h *Handle) SetToken(token string, startedAt time.Time, resumed bool) error {
	if token == "" {
		return ErrEmptyToken
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token != "" {
		if h.token != token {
			return ErrTokenMismatch
		}
		return nil
	}
	h.token = token
	h.startedAt = startedAt
	h.resumed = resumed
	return nil
}

// Token returns the session token, or "" before the session started.
func (h *Handle) Token() string {
	if h == nil {
		return ""
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Active reports whether a session token is held.
func (h *Handle) Active() bool {
	return h.Token() != ""
}

// StartedAt returns when the backend started the session.
func (h *Handle) StartedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.startedAt
}

// Resumed reports whether the session was recovered rather than started.
func (h *Handle) Resumed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resumed
}

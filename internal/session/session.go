package session

import (
	"context"
	"sync"

	"mychat/internal/model"
)

// Session is the explicit context object for one logged-in user. Every
// synchronizer receives it instead of reading ambient global state, and
// its context is the root that all poll loops and subscriptions hang
// off: cancelling it on logout deterministically stops everything tied
// to this session.
type Session struct {
	User model.User

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New creates a session for the given user whose context descends from
// parent.
func New(parent context.Context, user model.User) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		User:   user,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the session-scoped context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// SelfID returns the logged-in user's id.
func (s *Session) SelfID() int64 {
	return s.User.ID
}

// Close cancels the session context. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

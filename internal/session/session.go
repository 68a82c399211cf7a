package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type State string

const (
	StateIdle       State = "idle"
	StateAssembling State = "assembling"
	StateGenerating State = "generating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Session is one authenticated channel. At most one generation runs on a
// session at any time.
type Session struct {
	ID        string
	UserID    int64
	StartedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	mu           sync.Mutex
	state        State
	busy         bool
	closed       bool
	lastActivity time.Time
}

func newSession(id string, userID int64, limiter *rate.Limiter) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		UserID:       userID,
		StartedAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		limiter:      limiter,
		state:        StateIdle,
		lastActivity: now,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// tryAcquire marks the session busy. It fails if a generation is already in
// flight or the session is closed.
func (s *Session) tryAcquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	s.lastActivity = time.Now().UTC()
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// markFailed moves a finished message from Completed to Failed. It does
// nothing if a newer message already took the session.
func (s *Session) markFailed(from State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.state != from {
		return false
	}
	s.state = StateFailed
	return true
}

// release frees the session, recording how the last message ended.
func (s *Session) release(final State) {
	s.mu.Lock()
	s.state = final
	s.busy = false
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// closeIfIdle closes the session when no message has been active on it since
// cutoff. A busy session is left alone.
func (s *Session) closeIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.closed || !s.lastActivity.Before(cutoff) {
		return false
	}
	s.closed = true
	s.cancel()
	return true
}

func (s *Session) allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.cancel()
	return true
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"memorychat/internal/observability"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrNotFound = errors.New("session not found")

// Manager tracks open sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rate     rate.Limit
	burst    int
	metrics  *observability.Metrics
}

// NewManager builds a registry. perSecond <= 0 disables message rate limiting.
func NewManager(perSecond float64, burst int, metrics *observability.Metrics) *Manager {
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		sessions: make(map[string]*Session),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		metrics:  metrics,
	}
}

// Open registers a session for an authenticated user.
func (m *Manager) Open(userID int64) (*Session, error) {
	if userID <= 0 {
		return nil, errors.New("authenticated user required")
	}
	var limiter *rate.Limiter
	if m.rate > 0 {
		limiter = rate.NewLimiter(m.rate, m.burst)
	}
	s := newSession(uuid.NewString(), userID, limiter)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.metrics.SessionOpened()
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close cancels the session's in-flight work and forgets it.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok && s.close() {
		m.metrics.SessionClosed()
	}
}

// CloseAll closes every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		if s.close() {
			m.metrics.SessionClosed()
		}
	}
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ReapIdle closes sessions that have not started or finished a message within
// maxIdle. Busy sessions are never reaped.
func (m *Manager) ReapIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-maxIdle)
	reaped := 0
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.closeIfIdle(cutoff) {
			delete(m.sessions, id)
			reaped++
		}
	}
	m.mu.Unlock()
	for i := 0; i < reaped; i++ {
		m.metrics.SessionClosed()
	}
	return reaped
}

// StartJanitor reaps idle sessions every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.ReapIdle(maxIdle); n > 0 {
					log.Infof("closed %d idle session(s)", n)
				}
			}
		}
	}()
}

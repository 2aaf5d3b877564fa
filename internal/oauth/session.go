package oauth

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Phase is the state of an authorization session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseAwaitingAuthorization
	PhaseExchangingCode
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingAuthorization:
		return "awaiting_authorization"
	case PhaseExchangingCode:
		return "exchanging_code"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is a pending authorization for one provider. The verifier never leaves the process.
type Session struct {
	Provider  string
	State     string
	AuthURL   string
	CreatedAt time.Time

	verifier    string
	redirectURL string

	mu    sync.Mutex
	phase Phase
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// SessionStore keeps pending sessions keyed by state until they are taken or expire.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a store whose sessions expire after ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Put registers a session under its state.
func (s *SessionStore) Put(session *Session) {
	s.mu.Lock()
	s.sessions[session.State] = session
	s.mu.Unlock()
}

// Take removes and returns the session for state. Expired sessions are removed
// but not returned, so a state can never be consumed twice.
func (s *SessionStore) Take(state string) (*Session, bool) {
	s.mu.Lock()
	session, ok := s.sessions[state]
	delete(s.sessions, state)
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if s.now().Sub(session.CreatedAt) > s.ttl {
		return nil, false
	}
	return session, true
}

// Len returns the number of pending sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes expired sessions and reports how many were dropped.
func (s *SessionStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for state, session := range s.sessions {
		if now.Sub(session.CreatedAt) > s.ttl {
			delete(s.sessions, state)
			removed++
		}
	}
	return removed
}

// StartSweeper removes expired sessions every interval until ctx is done.
func (s *SessionStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.WithField("count", n).Debug("expired oauth sessions removed")
				}
			}
		}
	}()
}

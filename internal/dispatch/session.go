package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/castellan/internal/auth"
)

// State is a session's lifecycle phase.
type State string

const (
	StateAwaitingAuth State = "awaiting-auth"
	StateReady        State = "ready"
	StateDispatching  State = "dispatching"
	StateClosed       State = "closed"
)

// Session tracks one client connection from accept to close. All
// requests dispatched on the connection inherit its context, so closing
// the session revokes every in-flight grant.
type Session struct {
	ID         string
	RemoteAddr string

	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}

	mu            sync.Mutex
	state         State
	identity      auth.Identity
	inFlight      int
	requestsTotal uint64
	startedAt     time.Time
	lastActivity  time.Time
}

// SessionInfo is a point-in-time snapshot for the status API.
type SessionInfo struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id,omitempty"`
	RemoteAddr    string    `json:"remote_addr"`
	State         State     `json:"state"`
	InFlight      int       `json:"in_flight"`
	RequestsTotal uint64    `json:"requests_total"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
}

func newSession(parent context.Context, remoteAddr string, maxInFlight int) *Session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		RemoteAddr:   remoteAddr,
		ctx:          ctx,
		cancel:       cancel,
		slots:        make(chan struct{}, maxInFlight),
		state:        StateAwaitingAuth,
		startedAt:    now,
		lastActivity: now,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity, zero before auth.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) authenticated(id auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	if s.state == StateAwaitingAuth {
		s.state = StateReady
	}
}

// touch records inbound activity for idle accounting.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// acquireSlot blocks while the session is at its in-flight ceiling.
// Blocking here keeps dispatch order equal to arrival order.
func (s *Session) acquireSlot() error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) beginRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	s.requestsTotal++
	if s.state == StateReady {
		s.state = StateDispatching
	}
}

func (s *Session) endRequest() {
	s.mu.Lock()
	s.inFlight--
	if s.inFlight == 0 && s.state == StateDispatching {
		s.state = StateReady
	}
	s.mu.Unlock()
	<-s.slots
}

// Close cancels the session context, revoking all in-flight grants.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
}

// Info snapshots the session for the status API.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.ID,
		ClientID:      s.identity.ClientID,
		RemoteAddr:    s.RemoteAddr,
		State:         s.state,
		InFlight:      s.inFlight,
		RequestsTotal: s.requestsTotal,
		StartedAt:     s.startedAt,
		LastActivity:  s.lastActivity,
	}
}

package broadcast

import (
	"errors"
	"sync"
	"time"

	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

var (
	ErrQueueFull     = errors.New("session queue full")
	ErrSessionClosed = errors.New("session closed")
)

// Session is one live participant connection. Events are queued on a
// bounded channel drained by the transport; a session that cannot keep up
// is dropped rather than slowing everyone else down.
type Session struct {
	mu   sync.Mutex
	info model.SessionInfo
	out  chan pdm.Event
}

// NewSession creates a session in the CONNECTING state.
func NewSession(id, actor string, buffer int, now time.Time) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		info: model.SessionInfo{
			ID:              id,
			Actor:           actor,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
			State:           model.SessionConnecting,
		},
		out: make(chan pdm.Event, buffer),
	}
}

func (s *Session) ID() string { return s.info.ID }

// Events is closed once the session is disconnected.
func (s *Session) Events() <-chan pdm.Event { return s.out }

func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Send queues ev without blocking.
func (s *Session) Send(ev pdm.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.State == model.SessionDisconnected {
		return ErrSessionClosed
	}
	select {
	case s.out <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) connect(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.State != model.SessionConnecting {
		return false
	}
	s.info.State = model.SessionConnected
	s.info.LastHeartbeatAt = now
	return true
}

func (s *Session) beat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.LastHeartbeatAt = now
}

func (s *Session) lastBeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.LastHeartbeatAt
}

// disconnect is terminal. It reports whether this call did the transition.
func (s *Session) disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.State == model.SessionDisconnected {
		return false
	}
	s.info.State = model.SessionDisconnected
	close(s.out)
	return true
}

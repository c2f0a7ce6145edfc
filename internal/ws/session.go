package ws

import (
	"sync"

	"github.com/google/uuid"

	"parlor/internal/models"
)

// Session is one live connection bound to an authenticated identity. It
// is never persisted; it dies with the connection. An identity may own
// any number of concurrent sessions, all fully independent.
type Session struct {
	id       string
	username string

	out  chan models.ServerEvent
	done chan struct{}
	once sync.Once
}

func newSession(username string, buffer int) *Session {
	return &Session{
		id:       uuid.NewString(),
		username: username,
		out:      make(chan models.ServerEvent, buffer),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Username() string { return s.username }

// Deliver queues the event without blocking. It reports false when the
// session is closed or its queue is full; the event is dropped for this
// session only.
func (s *Session) Deliver(ev models.ServerEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

// Events is the outbound queue drained by the connection's write loop.
func (s *Session) Events() <-chan models.ServerEvent { return s.out }

// Done is closed when the session is unregistered, including on forced
// disconnect and queue overflow.
func (s *Session) Done() <-chan struct{} { return s.done }

// close marks the session dead. The out channel is never closed so
// concurrent Deliver calls stay safe; delivered-but-undrained events are
// simply dropped.
func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

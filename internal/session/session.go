package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/pulserelay/internal/observability"
)

var ErrSessionClosed = errors.New("session closed")

// Session is one live client connection. Messages are buffered up to a fixed
// capacity; when full the oldest message is evicted.
type Session struct {
	id string

	mu      sync.Mutex
	buf     [][]byte
	head    int
	size    int
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	// userID is guarded by the owning Registry's lock.
	userID string
}

func newSession(id string, capacity int) *Session {
	if capacity <= 0 {
		capacity = 1
	}
	return &Session{
		id:     id,
		buf:    make([][]byte, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Dropped reports how many messages were evicted from a full buffer.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) enqueue(msg []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	capacity := len(s.buf)
	if s.size == capacity {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % capacity
		s.size--
		s.dropped.Add(1)
		observability.RecordSessionDrop()
	}
	s.buf[(s.head+s.size)%capacity] = msg
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until a message is buffered, ctx ends or the session closes.
// Buffered messages are still returned after close; ErrSessionClosed follows
// once the buffer is empty.
func (s *Session) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.size > 0 {
			msg := s.buf[s.head]
			s.buf[s.head] = nil
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrSessionClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Pending returns the number of buffered messages.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

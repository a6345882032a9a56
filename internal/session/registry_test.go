package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T, buffer int) *Registry {
	t.Helper()
	return NewRegistry(Options{BufferSize: buffer, Logger: zaptest.NewLogger(t)})
}

func nextWithin(t *testing.T, s *Session) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func requireEmpty(t *testing.T, s *Session) {
	t.Helper()
	assert.Zero(t, s.Pending())
}

func TestJoinThenBroadcastDelivers(t *testing.T) {
	r := newTestRegistry(t, 4)
	a := r.Open()
	b := r.Open()
	other := r.Open()

	require.NoError(t, r.Join(a.ID(), "u1"))
	require.NoError(t, r.Join(b.ID(), "u1"))
	require.NoError(t, r.Join(other.ID(), "u2"))

	assert.Equal(t, 2, r.Broadcast("u1", []byte("m1")))
	assert.Equal(t, []byte("m1"), nextWithin(t, a))
	assert.Equal(t, []byte("m1"), nextWithin(t, b))
	requireEmpty(t, other)
}

func TestJoinIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 4)
	s := r.Open()
	require.NoError(t, r.Join(s.ID(), "u1"))
	require.NoError(t, r.Join(s.ID(), "u1"))

	assert.Equal(t, 1, r.Members("u1"))
	assert.Equal(t, 1, r.Broadcast("u1", []byte("once")))
	assert.Equal(t, 1, s.Pending())
}

func TestJoinAnotherUserMovesSession(t *testing.T) {
	r := newTestRegistry(t, 4)
	s := r.Open()
	require.NoError(t, r.Join(s.ID(), "u1"))
	require.NoError(t, r.Join(s.ID(), "u2"))

	assert.Zero(t, r.Members("u1"))
	assert.Equal(t, 1, r.Members("u2"))
	assert.Zero(t, r.Broadcast("u1", []byte("stale")))
	assert.Equal(t, 1, r.Broadcast("u2", []byte("fresh")))
	assert.Equal(t, []byte("fresh"), nextWithin(t, s))

	user, ok := r.UserOf(s.ID())
	require.True(t, ok)
	assert.Equal(t, "u2", user)
}

func TestJoinErrors(t *testing.T) {
	r := newTestRegistry(t, 4)
	require.ErrorIs(t, r.Join("missing", "u1"), ErrUnknownConnection)

	s := r.Open()
	require.ErrorIs(t, r.Join(s.ID(), "  "), ErrInvalidUser)

	r.Close(s.ID())
	require.ErrorIs(t, r.Join(s.ID(), "u1"), ErrUnknownConnection)
}

func TestLeaveBeforeJoinIsNoop(t *testing.T) {
	r := newTestRegistry(t, 4)
	s := r.Open()
	r.Leave(s.ID())
	r.Leave("never-opened")

	require.NoError(t, r.Join(s.ID(), "u1"))
	r.Leave(s.ID())
	assert.Zero(t, r.Members("u1"))
	assert.Zero(t, r.Broadcast("u1", []byte("m")))
	_, ok := r.UserOf(s.ID())
	assert.False(t, ok)
}

func TestCloseStopsDeliveryAndUnblocksNext(t *testing.T) {
	r := newTestRegistry(t, 4)
	s := r.Open()
	require.NoError(t, r.Join(s.ID(), "u1"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()

	r.Close(s.ID())
	r.Close(s.ID())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Zero(t, r.Broadcast("u1", []byte("late")))
	assert.False(t, s.enqueue([]byte("direct")), "closed sessions reject messages")
}

func TestSlowConsumerDropsOldest(t *testing.T) {
	r := newTestRegistry(t, 3)
	slow := r.Open()
	fast := r.Open()
	require.NoError(t, r.Join(slow.ID(), "u1"))
	require.NoError(t, r.Join(fast.ID(), "u1"))

	for i := 1; i <= 5; i++ {
		assert.Equal(t, 2, r.Broadcast("u1", []byte(fmt.Sprintf("m%d", i))))
		assert.Equal(t, []byte(fmt.Sprintf("m%d", i)), nextWithin(t, fast))
	}

	assert.EqualValues(t, 2, slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.Equal(t, []byte("m3"), nextWithin(t, slow))
	assert.Equal(t, []byte("m4"), nextWithin(t, slow))
	assert.Equal(t, []byte("m5"), nextWithin(t, slow))
	requireEmpty(t, slow)
}

func TestNextHonoursContext(t *testing.T) {
	r := newTestRegistry(t, 1)
	s := r.Open()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// A join that completed before Broadcast was invoked must receive the
// message; a join that starts after Broadcast returned must not.
func TestBroadcastHappensBeforeJoin(t *testing.T) {
	r := newTestRegistry(t, 8)
	early := r.Open()
	late := r.Open()

	require.NoError(t, r.Join(early.ID(), "u1"))
	r.Broadcast("u1", []byte("m"))
	require.NoError(t, r.Join(late.ID(), "u1"))

	assert.Equal(t, []byte("m"), nextWithin(t, early))
	requireEmpty(t, late)
}

func TestConcurrentJoinsAndBroadcasts(t *testing.T) {
	r := newTestRegistry(t, 1024)
	const members = 32

	sessions := make([]*Session, members)
	var wg sync.WaitGroup
	for i := range sessions {
		sessions[i] = r.Open()
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			assert.NoError(t, r.Join(s.ID(), "u1"))
		}(sessions[i])
	}
	wg.Wait()

	var bwg sync.WaitGroup
	for i := 0; i < 10; i++ {
		bwg.Add(1)
		go func() {
			defer bwg.Done()
			assert.Equal(t, members, r.Broadcast("u1", []byte("x")))
		}()
	}
	// Churn on another user must not disturb u1 fan-out.
	for i := 0; i < 10; i++ {
		bwg.Add(1)
		go func() {
			defer bwg.Done()
			s := r.Open()
			_ = r.Join(s.ID(), "u2")
			r.Close(s.ID())
		}()
	}
	bwg.Wait()

	for _, s := range sessions {
		assert.Equal(t, 10, s.Pending())
	}
}

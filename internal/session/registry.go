package session

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/pulserelay/internal/observability"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidUser       = errors.New("user id is required")
)

const defaultBufferSize = 32

type Options struct {
	BufferSize int
	Logger     *zap.Logger
}

// Registry tracks open sessions and their per-user groups. A connection
// belongs to at most one group.
//
// Broadcast enqueues into every member while holding the read lock, and
// Join/Leave take the write lock. A Join that returned before Broadcast was
// called is therefore always included, and one that starts after Broadcast
// returned never sees that message.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	groups   map[string]map[string]*Session

	bufferSize int
	logger     *zap.Logger
}

func NewRegistry(opts Options) *Registry {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions:   map[string]*Session{},
		groups:     map[string]map[string]*Session{},
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Open registers a new connection that is not yet in any group.
func (r *Registry) Open() *Session {
	s := newSession(uuid.NewString(), r.bufferSize)
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	observability.SessionOpened()
	return s
}

// Join adds the connection to userID's group. Joining the same group twice is
// a no-op; joining another group moves the connection.
func (r *Registry) Join(connID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if s.userID == userID {
		return nil
	}
	if previous := s.userID; previous != "" {
		r.removeLocked(s)
		r.logger.Debug("session moved", zap.String("conn_id", connID), zap.String("from_user_id", previous), zap.String("user_id", userID))
	}
	group, ok := r.groups[userID]
	if !ok {
		group = map[string]*Session{}
		r.groups[userID] = group
	}
	group[connID] = s
	s.userID = userID
	return nil
}

// Leave removes the connection from its group, if any.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connID]; ok {
		r.removeLocked(s)
	}
}

// Close leaves the group and discards the session. Unknown ids are ignored.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if ok {
		r.removeLocked(s)
		delete(r.sessions, connID)
	}
	r.mu.Unlock()

	if ok && s.close() {
		observability.SessionClosed()
	}
}

// Broadcast enqueues msg for every open session in userID's group and returns
// how many accepted it. It never blocks on a slow session.
func (r *Registry) Broadcast(userID string, msg []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, s := range r.groups[userID] {
		if s.enqueue(msg) {
			delivered++
		}
	}
	observability.RecordBroadcast(delivered)
	return delivered
}

// UserOf returns the group the connection belongs to.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok || s.userID == "" {
		return "", false
	}
	return s.userID, true
}

// Members returns the number of sessions joined to userID.
func (r *Registry) Members(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[userID])
}

func (r *Registry) removeLocked(s *Session) {
	if s.userID == "" {
		return
	}
	if group, ok := r.groups[s.userID]; ok {
		delete(group, s.id)
		if len(group) == 0 {
			delete(r.groups, s.userID)
		}
	}
	s.userID = ""
}

package userstate

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/pulserelay/internal/observability"
	"github.com/agentworkforce/pulserelay/internal/webhook"
)

var ErrNotFound = errors.New("user state not found")

const (
	defaultPersistWorkers   = 4
	defaultPersistQueueSize = 256
	persistTimeout          = 10 * time.Second
)

type StoreOptions struct {
	// Backend receives snapshots after each apply. Nil keeps state in memory only.
	Backend          Backend
	Logger           *zap.Logger
	PersistWorkers   int
	PersistQueueSize int
	Now              func() time.Time
}

type entry struct {
	mu    sync.Mutex
	state UserState
	dirty atomic.Bool
}

// Store holds the latest state per user. Applies for one user are serialized
// by that user's entry lock; different users never contend.
type Store struct {
	entries sync.Map
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	closeMu sync.RWMutex
	closed  bool
	queues  []chan string
	wg      sync.WaitGroup
}

func NewStore(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend: opts.Backend,
		logger:  logger,
		now:     now,
	}
	if s.backend == nil {
		return s
	}
	workers := opts.PersistWorkers
	if workers <= 0 {
		workers = defaultPersistWorkers
	}
	queueSize := opts.PersistQueueSize
	if queueSize <= 0 {
		queueSize = defaultPersistQueueSize
	}
	s.queues = make([]chan string, workers)
	for i := range s.queues {
		s.queues[i] = make(chan string, queueSize)
		s.wg.Add(1)
		go s.persistLoop(s.queues[i])
	}
	return s
}

// Apply folds event into the user's state and returns a copy of the result.
func (s *Store) Apply(ctx context.Context, event webhook.Event) (UserState, error) {
	userID := strings.TrimSpace(event.UserID)
	if userID == "" {
		return UserState{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return UserState{}, err
	}

	e := s.entry(userID)
	e.mu.Lock()
	if err := e.state.apply(event, s.now().UTC()); err != nil {
		e.mu.Unlock()
		return UserState{}, err
	}
	snapshot := e.state.Clone()
	e.mu.Unlock()

	s.schedulePersist(userID, e)
	return snapshot, nil
}

// Get returns a copy of the user's state, or false when nothing was applied.
func (s *Store) Get(userID string) (UserState, bool) {
	v, ok := s.entries.Load(strings.TrimSpace(userID))
	if !ok {
		return UserState{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Version == 0 {
		return UserState{}, false
	}
	return e.state.Clone(), true
}

// Restore seeds the store from the backend. Entries already newer in memory
// are kept.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	states, err := s.backend.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, state := range states {
		if strings.TrimSpace(state.UserID) == "" {
			continue
		}
		e := s.entry(state.UserID)
		e.mu.Lock()
		if state.Version > e.state.Version {
			e.state = state.Clone()
			restored++
		}
		e.mu.Unlock()
	}
	s.logger.Info("user state restored", zap.Int("users", restored))
	return restored, nil
}

// Close drains pending snapshot writes and stops the persister.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.closeMu.Unlock()
	s.wg.Wait()

	if c, ok := s.backend.(backendCloser); ok {
		return c.Close()
	}
	return nil
}

func (s *Store) entry(userID string) *entry {
	if v, ok := s.entries.Load(userID); ok {
		return v.(*entry)
	}
	v, _ := s.entries.LoadOrStore(userID, &entry{state: UserState{UserID: userID, Workouts: []WorkoutUpdate{}}})
	return v.(*entry)
}

func (s *Store) schedulePersist(userID string, e *entry) {
	if len(s.queues) == 0 {
		return
	}
	// A user already queued will be saved with its newest state.
	if !e.dirty.CompareAndSwap(false, true) {
		return
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		e.dirty.Store(false)
		return
	}
	select {
	case s.queues[shardFor(userID, len(s.queues))] <- userID:
	default:
		e.dirty.Store(false)
		observability.RecordPersistFailure()
		s.logger.Warn("persist queue full, snapshot skipped", zap.String("user_id", userID))
	}
}

func (s *Store) persistLoop(queue <-chan string) {
	defer s.wg.Done()
	for userID := range queue {
		v, ok := s.entries.Load(userID)
		if !ok {
			continue
		}
		e := v.(*entry)
		e.dirty.Store(false)
		e.mu.Lock()
		snapshot := e.state.Clone()
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := s.backend.Save(ctx, snapshot)
		cancel()
		if err != nil {
			observability.RecordPersistFailure()
			s.logger.Error("persist user state failed",
				zap.String("user_id", userID),
				zap.Uint64("version", snapshot.Version),
				zap.Error(err),
			)
		}
	}
}

func shardFor(userID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

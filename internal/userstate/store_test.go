package userstate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/pulserelay/internal/webhook"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func workoutEvent(userID string, distance, kj float64) webhook.Event {
	return webhook.Event{
		Type:   webhook.EventWorkoutUpdated,
		UserID: userID,
		Workout: &webhook.Workout{
			SportID:          i64(1),
			DistanceMeters:   f64(distance),
			EnergyKilojoules: f64(kj),
		},
	}
}

func recoveryEvent(userID string, score float64) webhook.Event {
	return webhook.Event{
		Type:     webhook.EventRecoveryUpdated,
		UserID:   userID,
		Recovery: &webhook.Recovery{RecoveryScorePercent: f64(score)},
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestStoreApplyWorkoutDerivesSteps(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store := NewStore(StoreOptions{Logger: zaptest.NewLogger(t), Now: fixedClock(at)})
	defer store.Close()

	state, err := store.Apply(context.Background(), workoutEvent("u1", 1000, 500))
	require.NoError(t, err)
	assert.Equal(t, "u1", state.UserID)
	assert.Len(t, state.Workouts, 1)
	assert.Equal(t, at, state.LastUpdate)
	assert.EqualValues(t, 1, state.Version)

	derived := Derive(state)
	assert.EqualValues(t, 1300, derived.EstimatedSteps)
	assert.InDelta(t, 1.0, derived.TotalDistanceKm, 1e-9)
	assert.InDelta(t, 119.5, derived.TotalCalories, 1e-9)
}

func TestStoreSameWorkoutTwiceAppendsTwice(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()

	_, err := store.Apply(context.Background(), workoutEvent("u1", 1000, 500))
	require.NoError(t, err)
	state, err := store.Apply(context.Background(), workoutEvent("u1", 1000, 500))
	require.NoError(t, err)

	assert.Len(t, state.Workouts, 2)
	assert.EqualValues(t, 2600, Derive(state).EstimatedSteps)
}

func TestStoreRecoveryTwiceIsIdempotent(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()

	first, err := store.Apply(context.Background(), recoveryEvent("u1", 44))
	require.NoError(t, err)
	second, err := store.Apply(context.Background(), recoveryEvent("u1", 44))
	require.NoError(t, err)

	assert.Equal(t, first.Recovery, second.Recovery)
	assert.Empty(t, second.Workouts)
	assert.Equal(t, Derive(first), Derive(second))
}

func TestStoreGetUnknownUser(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()

	_, ok := store.Get("nobody")
	assert.False(t, ok)

	// A rejected apply must not make the user visible.
	_, err := store.Apply(context.Background(), webhook.Event{Type: webhook.EventWorkoutUpdated, UserID: "ghost"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, ok = store.Get("ghost")
	assert.False(t, ok)
}

func TestStoreApplyRejectsBadInput(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()

	_, err := store.Apply(context.Background(), workoutEvent("  ", 1, 1))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.Apply(context.Background(), webhook.Event{Type: "foo.bar", UserID: "u1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Apply(ctx, workoutEvent("u1", 1, 1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestStoreReturnedStateIsACopy(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()

	state, err := store.Apply(context.Background(), workoutEvent("u1", 100, 10))
	require.NoError(t, err)
	state.Workouts = append(state.Workouts, WorkoutUpdate{})
	state.Recovery = &RecoveryUpdate{}

	current, ok := store.Get("u1")
	require.True(t, ok)
	assert.Len(t, current.Workouts, 1)
	assert.Nil(t, current.Recovery)
}

func TestStoreConcurrentAppliesAreSerializedPerUser(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()

	const (
		users     = 8
		perUser   = 50
		distanceM = 10.0
	)
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				_, err := store.Apply(context.Background(), workoutEvent(userID, distanceM, 1))
				assert.NoError(t, err)
			}(fmt.Sprintf("user-%d", u))
		}
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		state, ok := store.Get(fmt.Sprintf("user-%d", u))
		require.True(t, ok)
		assert.Len(t, state.Workouts, perUser)
		assert.EqualValues(t, perUser, state.Version)
		assert.EqualValues(t, 650, Derive(state).EstimatedSteps)
	}
}

func TestStorePersistsAndRestores(t *testing.T) {
	backend := NewInMemoryBackend()
	store := NewStore(StoreOptions{Backend: backend, PersistWorkers: 2, Logger: zaptest.NewLogger(t)})

	_, err := store.Apply(context.Background(), workoutEvent("u1", 1000, 500))
	require.NoError(t, err)
	_, err = store.Apply(context.Background(), recoveryEvent("u2", 80))
	require.NoError(t, err)
	_, err = store.Apply(context.Background(), recoveryEvent("u2", 81))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	saved, err := backend.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "u2", saved[1].UserID)
	assert.EqualValues(t, 2, saved[1].Version)

	restored := NewStore(StoreOptions{Backend: backend})
	defer restored.Close()
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	state, ok := restored.Get("u2")
	require.True(t, ok)
	assert.Equal(t, 81.0, *state.Recovery.RecoveryScorePercent)

	next, err := restored.Apply(context.Background(), workoutEvent("u1", 1000, 500))
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.Version)
	assert.EqualValues(t, 2600, Derive(next).EstimatedSteps)
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	store := NewStore(StoreOptions{Backend: NewInMemoryBackend()})
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	// Applies after close still update memory; only persistence stops.
	_, err := store.Apply(context.Background(), recoveryEvent("u1", 50))
	require.NoError(t, err)
}

func TestShardForIsStable(t *testing.T) {
	for _, id := range []string{"a", "u1", "10129"} {
		assert.Equal(t, shardFor(id, 7), shardFor(id, 7))
		assert.Less(t, shardFor(id, 7), 7)
	}
}

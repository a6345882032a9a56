package userstate

import (
	"time"

	"github.com/agentworkforce/pulserelay/internal/webhook"
)

type RecoveryUpdate struct {
	webhook.Recovery
	OccurredAt time.Time `json:"occurredAt"`
}

type WorkoutUpdate struct {
	webhook.Workout
	OccurredAt time.Time `json:"occurredAt"`
}

type SleepUpdate struct {
	webhook.Sleep
	OccurredAt time.Time `json:"occurredAt"`
}

// UserState is the latest aggregate for one user. Version increases by one on
// every apply and lets snapshot backends drop out-of-order writes.
type UserState struct {
	UserID     string          `json:"userId"`
	Recovery   *RecoveryUpdate `json:"recovery,omitempty"`
	Workouts   []WorkoutUpdate `json:"workouts"`
	Sleep      *SleepUpdate    `json:"sleep,omitempty"`
	LastUpdate time.Time       `json:"lastUpdate"`
	Version    uint64          `json:"version"`
}

// Clone copies the state so callers can hold it without the owning lock. The
// numeric pointers inside updates are shared; they are never written after an
// apply.
func (s UserState) Clone() UserState {
	out := s
	if s.Recovery != nil {
		r := *s.Recovery
		out.Recovery = &r
	}
	if s.Sleep != nil {
		sl := *s.Sleep
		out.Sleep = &sl
	}
	out.Workouts = make([]WorkoutUpdate, len(s.Workouts))
	copy(out.Workouts, s.Workouts)
	return out
}

func (s *UserState) apply(event webhook.Event, now time.Time) error {
	switch event.Type {
	case webhook.EventRecoveryUpdated:
		if event.Recovery == nil {
			return ErrInvalidInput
		}
		s.Recovery = &RecoveryUpdate{Recovery: *event.Recovery, OccurredAt: event.OccurredAt}
	case webhook.EventWorkoutUpdated:
		if event.Workout == nil {
			return ErrInvalidInput
		}
		s.Workouts = append(s.Workouts, WorkoutUpdate{Workout: *event.Workout, OccurredAt: event.OccurredAt})
	case webhook.EventSleepUpdated:
		if event.Sleep == nil {
			return ErrInvalidInput
		}
		s.Sleep = &SleepUpdate{Sleep: *event.Sleep, OccurredAt: event.OccurredAt}
	default:
		return ErrInvalidInput
	}
	s.LastUpdate = now
	s.Version++
	return nil
}

package webhook

import "time"

type EventType string

const (
	EventRecoveryUpdated EventType = "recovery.updated"
	EventWorkoutUpdated  EventType = "workout.updated"
	EventSleepUpdated    EventType = "sleep.updated"
)

// Event is the provider-agnostic form of one webhook delivery. Exactly one of
// Recovery, Workout or Sleep is set, matching Type.
type Event struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"userId"`
	OccurredAt time.Time `json:"occurredAt"`

	Recovery *Recovery `json:"recovery,omitempty"`
	Workout  *Workout  `json:"workout,omitempty"`
	Sleep    *Sleep    `json:"sleep,omitempty"`
}

type Recovery struct {
	RecoveryScorePercent *float64 `json:"recoveryScorePercent,omitempty"`
	RestingHeartRateBpm  *float64 `json:"restingHeartRateBpm,omitempty"`
	HRVMillis            *float64 `json:"hrvMillis,omitempty"`
}

type Workout struct {
	SportID          *int64   `json:"sportId,omitempty"`
	DistanceMeters   *float64 `json:"distanceMeters,omitempty"`
	EnergyKilojoules *float64 `json:"energyKilojoules,omitempty"`
	Strain           *float64 `json:"strain,omitempty"`
}

type Sleep struct {
	InBedTimeMillis *float64 `json:"inBedTimeMillis,omitempty"`
}

func (t EventType) Known() bool {
	switch t {
	case EventRecoveryUpdated, EventWorkoutUpdated, EventSleepUpdated:
		return true
	default:
		return false
	}
}

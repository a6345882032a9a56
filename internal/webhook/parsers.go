package webhook

import (
	"encoding/json"
	"strings"
	"time"
)

// EventParser turns the schema-validated data object of one event type into an
// Event. Parsers are registered on a Normalizer together with the schema that
// guards them.
type EventParser interface {
	EventType() EventType
	Schema() []byte
	Parse(userID string, data map[string]any, receivedAt time.Time) (Event, error)
}

type recoveryParser struct{}

func (recoveryParser) EventType() EventType { return EventRecoveryUpdated }
func (recoveryParser) Schema() []byte       { return mustSchema("recovery.json") }

func (recoveryParser) Parse(userID string, data map[string]any, receivedAt time.Time) (Event, error) {
	et := string(EventRecoveryUpdated)
	score, _ := data["score"].(map[string]any)
	recovery := &Recovery{}
	var err error
	if recovery.RecoveryScorePercent, err = numberField(et, score, "data.score", "recovery_score"); err != nil {
		return Event{}, err
	}
	if recovery.RestingHeartRateBpm, err = numberField(et, score, "data.score", "resting_heart_rate"); err != nil {
		return Event{}, err
	}
	if recovery.HRVMillis, err = numberField(et, score, "data.score", "hrv_rmssd_milli"); err != nil {
		return Event{}, err
	}
	return Event{Type: EventRecoveryUpdated, UserID: userID, OccurredAt: receivedAt, Recovery: recovery}, nil
}

type workoutParser struct{}

func (workoutParser) EventType() EventType { return EventWorkoutUpdated }
func (workoutParser) Schema() []byte       { return mustSchema("workout.json") }

func (workoutParser) Parse(userID string, data map[string]any, receivedAt time.Time) (Event, error) {
	et := string(EventWorkoutUpdated)
	workout := &Workout{}
	var err error
	if workout.SportID, err = integerField(et, data, "data", "sport_id"); err != nil {
		return Event{}, err
	}
	score, _ := data["score"].(map[string]any)
	if workout.DistanceMeters, err = numberField(et, score, "data.score", "distance_meter"); err != nil {
		return Event{}, err
	}
	if workout.EnergyKilojoules, err = numberField(et, score, "data.score", "kilojoule"); err != nil {
		return Event{}, err
	}
	if workout.Strain, err = numberField(et, score, "data.score", "strain"); err != nil {
		return Event{}, err
	}
	return Event{Type: EventWorkoutUpdated, UserID: userID, OccurredAt: receivedAt, Workout: workout}, nil
}

type sleepParser struct{}

func (sleepParser) EventType() EventType { return EventSleepUpdated }
func (sleepParser) Schema() []byte       { return mustSchema("sleep.json") }

func (sleepParser) Parse(userID string, data map[string]any, receivedAt time.Time) (Event, error) {
	et := string(EventSleepUpdated)
	score, _ := data["score"].(map[string]any)
	summary, _ := score["stage_summary"].(map[string]any)
	inBed, err := numberField(et, summary, "data.score.stage_summary", "total_in_bed_time_milli")
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EventSleepUpdated, UserID: userID, OccurredAt: receivedAt, Sleep: &Sleep{InBedTimeMillis: inBed}}, nil
}

// numberField returns nil for a missing or null field.
func numberField(eventType string, obj map[string]any, prefix, key string) (*float64, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	field := joinField(prefix, key)
	n, ok := raw.(json.Number)
	if !ok {
		return nil, malformed(eventType, field, "expected number")
	}
	v, err := n.Float64()
	if err != nil {
		return nil, malformed(eventType, field, "number out of range")
	}
	if v < 0 {
		return nil, malformed(eventType, field, "must not be negative")
	}
	return &v, nil
}

func integerField(eventType string, obj map[string]any, prefix, key string) (*int64, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	field := joinField(prefix, key)
	n, ok := raw.(json.Number)
	if !ok {
		return nil, malformed(eventType, field, "expected integer")
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != float64(int64(f)) {
			return nil, malformed(eventType, field, "expected integer")
		}
		v = int64(f)
	}
	if v < 0 {
		return nil, malformed(eventType, field, "must not be negative")
	}
	return &v, nil
}

func joinField(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, ".") + "." + key
}

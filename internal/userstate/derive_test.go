package userstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/pulserelay/internal/webhook"
)

func TestDeriveEmptyState(t *testing.T) {
	derived := Derive(UserState{UserID: "u1"})
	assert.Zero(t, derived.EstimatedSteps)
	assert.Zero(t, derived.TotalDistanceKm)
	assert.Zero(t, derived.TotalCalories)
	assert.Nil(t, derived.MaxStrain)
	assert.Nil(t, derived.SleepHours)
}

func TestDeriveRoundsSteps(t *testing.T) {
	cases := []struct {
		distance float64
		steps    int64
	}{
		{distance: 1, steps: 1},
		{distance: 5, steps: 7},
		{distance: 1234.5, steps: 1605},
		{distance: 0, steps: 0},
	}
	for _, tc := range cases {
		state := UserState{Workouts: []WorkoutUpdate{{Workout: webhook.Workout{DistanceMeters: f64(tc.distance)}}}}
		assert.Equal(t, tc.steps, Derive(state).EstimatedSteps, "distance %v", tc.distance)
	}
}

func TestDeriveSkipsAbsentFields(t *testing.T) {
	state := UserState{
		Workouts: []WorkoutUpdate{
			{Workout: webhook.Workout{SportID: i64(1)}},
			{Workout: webhook.Workout{DistanceMeters: f64(2000), Strain: f64(7.5)}},
			{Workout: webhook.Workout{EnergyKilojoules: f64(1000), Strain: f64(12.25)}},
		},
		Sleep: &SleepUpdate{Sleep: webhook.Sleep{InBedTimeMillis: f64(27_000_000)}},
	}
	derived := Derive(state)
	assert.EqualValues(t, 2600, derived.EstimatedSteps)
	assert.InDelta(t, 2.0, derived.TotalDistanceKm, 1e-9)
	assert.InDelta(t, 239.0, derived.TotalCalories, 1e-9)
	require.NotNil(t, derived.MaxStrain)
	assert.Equal(t, 12.25, *derived.MaxStrain)
	require.NotNil(t, derived.SleepHours)
	assert.Equal(t, 7.5, *derived.SleepHours)
}

package userstate

import "math"

const (
	stepsPerMeter       = 1.3
	kilocaloriesPerKJ   = 0.239
	millisecondsPerHour = 3_600_000
	metersPerKilometer  = 1000
)

type DerivedMetrics struct {
	EstimatedSteps  int64    `json:"estimatedSteps"`
	TotalDistanceKm float64  `json:"totalDistanceKm"`
	TotalCalories   float64  `json:"totalCalories"`
	MaxStrain       *float64 `json:"maxStrain,omitempty"`
	SleepHours      *float64 `json:"sleepHours,omitempty"`
}

// Derive computes metrics from a state. It is recomputed on every read and
// never stored.
func Derive(state UserState) DerivedMetrics {
	var (
		distance  float64
		kilojoule float64
		maxStrain *float64
	)
	for _, w := range state.Workouts {
		if w.DistanceMeters != nil {
			distance += *w.DistanceMeters
		}
		if w.EnergyKilojoules != nil {
			kilojoule += *w.EnergyKilojoules
		}
		if w.Strain != nil && (maxStrain == nil || *w.Strain > *maxStrain) {
			v := *w.Strain
			maxStrain = &v
		}
	}
	out := DerivedMetrics{
		EstimatedSteps:  int64(math.Round(distance * stepsPerMeter)),
		TotalDistanceKm: distance / metersPerKilometer,
		TotalCalories:   kilojoule * kilocaloriesPerKJ,
		MaxStrain:       maxStrain,
	}
	if state.Sleep != nil && state.Sleep.InBedTimeMillis != nil {
		hours := *state.Sleep.InBedTimeMillis / millisecondsPerHour
		out.SleepHours = &hours
	}
	return out
}

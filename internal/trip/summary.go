package trip

import (
	"math"
	"time"
)

// Score penalties per event
const (
	MaxScore         = 100
	HardBrakePenalty = 4
	HardAccelPenalty = 4
	SpeedingPenalty  = 8
)

// Summary is the finalized, immutable record of one trip
type Summary struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationMinutes float64   `json:"duration_minutes"`
	DistanceKM      float64   `json:"distance_km"`
	MaxSpeedKMH     int       `json:"max_speed_kmh"`
	AvgSpeedKMH     float64   `json:"avg_speed_kmh"`
	HardBrakeCount  int       `json:"hard_brake_count"`
	HardAccelCount  int       `json:"hard_accel_count"`
	SpeedingCount   int       `json:"speeding_count"`
	SampleCount     int       `json:"sample_count"`
	Score           int       `json:"score"`
}

// Rounded returns the summary in its storage form: distance and duration
// to 2 decimals, average speed to 1 decimal.
func (s Summary) Rounded() Summary {
	s.DistanceKM = roundTo(s.DistanceKM, 2)
	s.DurationMinutes = roundTo(s.DurationMinutes, 2)
	s.AvgSpeedKMH = roundTo(s.AvgSpeedKMH, 1)
	return s
}

// Score computes the 0-100 safety score from event counts
func Score(hardBrakes, hardAccels, speeding int) int {
	score := MaxScore -
		HardBrakePenalty*hardBrakes -
		HardAccelPenalty*hardAccels -
		SpeedingPenalty*speeding

	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

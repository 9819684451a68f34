// Package trip implements the trip telemetry aggregator: an incremental
// accumulator over GPS fixes that tracks distance, speed statistics and
// driving events, and finalizes into a scored trip summary.
//
// An Accumulator is not safe for concurrent use. It must be owned by a
// single goroutine (see the session package) for the lifetime of a trip.
package trip

import (
	"math"
	"time"

	"github.com/stuartshay/trip-scorer/internal/calculator"
)

const (
	// HardChangeThresholdKMH is the speed change between two consecutive
	// fixes (~1 s apart) above which a hard brake or hard acceleration is
	// recorded. 15 km/h per second is roughly 4.2 m/s².
	HardChangeThresholdKMH = 15

	// SpeedLimitKMH is the speed above which a trip is considered speeding.
	SpeedLimitKMH = 130

	// mpsToKMH converts meters per second to kilometers per hour
	mpsToKMH = 3.6
)

// Sample is a single GPS fix delivered by the location source
type Sample struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	// SpeedMPS is advisory; negative, NaN or infinite values are treated as 0.
	SpeedMPS float64
}

// Location returns the sample position
func (s Sample) Location() calculator.Location {
	return calculator.Location{Latitude: s.Latitude, Longitude: s.Longitude}
}

// SpeedKMH converts the raw speed to whole kilometers per hour, clamping
// invalid readings to 0.
func (s Sample) SpeedKMH() int {
	mps := s.SpeedMPS
	if math.IsNaN(mps) || math.IsInf(mps, 0) {
		mps = 0
	}
	return int(math.Round(math.Max(0, mps*mpsToKMH)))
}

// Accumulator holds the running statistics of one trip
type Accumulator struct {
	startTime time.Time

	distanceKM     float64
	maxSpeedKMH    int
	speedSamples   []int
	hardBrakeCount int
	hardAccelCount int
	speedingCount  int

	lastSpeedKMH int
	lastPosition *calculator.Location

	finalized bool
	summary   Summary
}

// New creates an empty accumulator for a trip that started at startTime
func New(startTime time.Time) *Accumulator {
	return &Accumulator{startTime: startTime}
}

// StartTime returns the trip start time
func (a *Accumulator) StartTime() time.Time { return a.startTime }

// DistanceKM returns the distance traveled so far
func (a *Accumulator) DistanceKM() float64 { return a.distanceKM }

// MaxSpeedKMH returns the highest speed seen so far
func (a *Accumulator) MaxSpeedKMH() int { return a.maxSpeedKMH }

// SampleCount returns the number of Update calls received
func (a *Accumulator) SampleCount() int { return len(a.speedSamples) }

// HardBrakeCount returns the number of hard braking events
func (a *Accumulator) HardBrakeCount() int { return a.hardBrakeCount }

// HardAccelCount returns the number of hard acceleration events
func (a *Accumulator) HardAccelCount() int { return a.hardAccelCount }

// SpeedingCount returns the number of speeding crossings
func (a *Accumulator) SpeedingCount() int { return a.speedingCount }

// Finalized reports whether Finalize has been called
func (a *Accumulator) Finalized() bool { return a.finalized }

// Update folds one sample into the running statistics and returns the
// driving events it raised. Samples must be delivered in timestamp order.
// Updates after Finalize are ignored.
func (a *Accumulator) Update(s Sample) []Event {
	if a.finalized {
		return nil
	}

	speed := s.SpeedKMH()

	pos := s.Location()
	if a.lastPosition != nil {
		a.distanceKM += calculator.Distance(*a.lastPosition, pos)
	}
	a.lastPosition = &pos

	if speed > a.maxSpeedKMH {
		a.maxSpeedKMH = speed
	}

	a.speedSamples = append(a.speedSamples, speed)

	var events []Event

	// Brake and acceleration need deltas of opposite sign, so at most one
	// of the two fires for a given sample.
	delta := a.lastSpeedKMH - speed
	if delta > HardChangeThresholdKMH {
		a.hardBrakeCount++
		events = append(events, a.newEvent(EventHardBrake, s.Timestamp, speed))
	}
	if -delta > HardChangeThresholdKMH {
		a.hardAccelCount++
		events = append(events, a.newEvent(EventHardAccel, s.Timestamp, speed))
	}

	// Speeding is a state; only the transition into it counts.
	if speed > SpeedLimitKMH && a.lastSpeedKMH <= SpeedLimitKMH {
		a.speedingCount++
		events = append(events, a.newEvent(EventSpeeding, s.Timestamp, speed))
	}

	a.lastSpeedKMH = speed

	return events
}

func (a *Accumulator) newEvent(typ EventType, ts time.Time, speed int) Event {
	return Event{
		Type:             typ,
		Timestamp:        ts,
		SpeedKMH:         speed,
		PreviousSpeedKMH: a.lastSpeedKMH,
	}
}

// Finalize closes the trip at endTime and returns its summary. The
// accumulator is dead afterwards; calling Finalize again returns the
// first summary unchanged.
func (a *Accumulator) Finalize(endTime time.Time) Summary {
	if a.finalized {
		return a.summary
	}

	var avg float64
	if n := len(a.speedSamples); n > 0 {
		total := 0
		for _, v := range a.speedSamples {
			total += v
		}
		avg = float64(total) / float64(n)
	}

	a.summary = Summary{
		StartTime:       a.startTime,
		EndTime:         endTime,
		DurationMinutes: float64(endTime.Sub(a.startTime).Milliseconds()) / 60000,
		DistanceKM:      a.distanceKM,
		MaxSpeedKMH:     a.maxSpeedKMH,
		AvgSpeedKMH:     avg,
		HardBrakeCount:  a.hardBrakeCount,
		HardAccelCount:  a.hardAccelCount,
		SpeedingCount:   a.speedingCount,
		SampleCount:     len(a.speedSamples),
		Score:           Score(a.hardBrakeCount, a.hardAccelCount, a.speedingCount),
	}
	a.finalized = true

	return a.summary
}

// Package store defines the trip store contract and the fallback store that
// keeps finalized trips locally whenever the remote store cannot take them.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stuartshay/trip-scorer/internal/trip"
)

// DateLayout is the format of Filter.Date
const DateLayout = "2006-01-02"

// Record is a persisted trip summary
type Record struct {
	TripID    string
	DeviceID  string
	Summary   trip.Summary
	CreatedAt time.Time
	Synced    bool
}

// Filter selects stored trips. Empty fields match everything.
type Filter struct {
	DeviceID string
	// Date in YYYY-MM-DD, matched against the trip start time in UTC
	Date  string
	Limit int
}

// Validate checks the filter date format
func (f Filter) Validate() error {
	if f.Date == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, f.Date); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", f.Date)
	}
	return nil
}

// DayBounds returns the [start, end) UTC range of the filter date
func (f Filter) DayBounds() (time.Time, time.Time, error) {
	day, err := time.Parse(DateLayout, f.Date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %w", f.Date, err)
	}
	return day, day.AddDate(0, 0, 1), nil
}

// Matches reports whether r satisfies the device and date criteria
func (f Filter) Matches(r Record) bool {
	if f.DeviceID != "" && r.DeviceID != f.DeviceID {
		return false
	}
	if f.Date != "" && r.Summary.StartTime.UTC().Format(DateLayout) != f.Date {
		return false
	}
	return true
}

// TripStore persists and retrieves finalized trips
type TripStore interface {
	SaveTrip(ctx context.Context, rec Record) error
	ListTrips(ctx context.Context, filter Filter) ([]Record, error)
}

// Stats aggregates a set of trips for display
type Stats struct {
	TripCount            int
	TotalDistanceKM      float64
	TotalDurationMinutes float64
	AverageScore         float64
	HardBrakeCount       int
	HardAccelCount       int
	SpeedingCount        int
}

// Aggregate computes display statistics over records
func Aggregate(records []Record) Stats {
	var stats Stats
	if len(records) == 0 {
		return stats
	}

	scoreTotal := 0
	for _, r := range records {
		stats.TripCount++
		stats.TotalDistanceKM += r.Summary.DistanceKM
		stats.TotalDurationMinutes += r.Summary.DurationMinutes
		stats.HardBrakeCount += r.Summary.HardBrakeCount
		stats.HardAccelCount += r.Summary.HardAccelCount
		stats.SpeedingCount += r.Summary.SpeedingCount
		scoreTotal += r.Summary.Score
	}
	stats.AverageScore = float64(scoreTotal) / float64(stats.TripCount)

	return stats
}

// sortNewestFirst orders records by trip start time, newest first
func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Summary.StartTime.After(records[j].Summary.StartTime)
	})
}

// Package notify delivers driving events and finished trips to interested
// consumers (push notifications, dashboards) outside the scoring service.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stuartshay/trip-scorer/internal/store"
	"github.com/stuartshay/trip-scorer/internal/trip"
)

// EventMessage is the payload published for each driving event
type EventMessage struct {
	TripID   string     `json:"trip_id"`
	DeviceID string     `json:"device_id"`
	Event    trip.Event `json:"event"`
}

// TripMessage is the payload published when a trip is finalized
type TripMessage struct {
	TripID     string       `json:"trip_id"`
	DeviceID   string       `json:"device_id"`
	Summary    trip.Summary `json:"summary"`
	FinishedAt time.Time    `json:"finished_at"`
}

// NewTripMessage builds the completion message for a stored trip
func NewTripMessage(rec store.Record) TripMessage {
	return TripMessage{
		TripID:     rec.TripID,
		DeviceID:   rec.DeviceID,
		Summary:    rec.Summary,
		FinishedAt: rec.Summary.EndTime,
	}
}

// Publisher delivers notifications
type Publisher interface {
	PublishEvents(ctx context.Context, tripID, deviceID string, events []trip.Event) error
	PublishTrip(ctx context.Context, msg TripMessage) error
	Close() error
}

// LogPublisher writes notifications to a logger. Used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher that logs through logger
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// PublishEvents logs one line per event
func (p *LogPublisher) PublishEvents(_ context.Context, tripID, deviceID string, events []trip.Event) error {
	for _, e := range events {
		p.logger.Info().
			Str("trip_id", tripID).
			Str("device_id", deviceID).
			Str("event", string(e.Type)).
			Int("speed_kmh", e.SpeedKMH).
			Int("previous_speed_kmh", e.PreviousSpeedKMH).
			Time("timestamp", e.Timestamp).
			Msg("Driving event")
	}
	return nil
}

// PublishTrip logs the trip summary
func (p *LogPublisher) PublishTrip(_ context.Context, msg TripMessage) error {
	p.logger.Info().
		Str("trip_id", msg.TripID).
		Str("device_id", msg.DeviceID).
		Float64("distance_km", msg.Summary.DistanceKM).
		Float64("duration_minutes", msg.Summary.DurationMinutes).
		Int("score", msg.Summary.Score).
		Msg("Trip completed")
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error { return nil }

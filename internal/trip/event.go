package trip

import "time"

// EventType classifies a driving event
type EventType string

// Driving event types raised by Update
const (
	EventHardBrake EventType = "hard_brake"
	EventHardAccel EventType = "hard_accel"
	EventSpeeding  EventType = "speeding"
)

// Event is a driving event raised while folding a sample. Presentation
// (notification, log line, nothing) is up to the caller.
type Event struct {
	Type             EventType `json:"type"`
	Timestamp        time.Time `json:"timestamp"`
	SpeedKMH         int       `json:"speed_kmh"`
	PreviousSpeedKMH int       `json:"previous_speed_kmh"`
}

// DeltaKMH returns the signed speed change that raised the event
func (e Event) DeltaKMH() int {
	return e.SpeedKMH - e.PreviousSpeedKMH
}

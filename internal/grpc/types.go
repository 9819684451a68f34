package grpc

import (
	"time"

	"github.com/stuartshay/trip-scorer/internal/queue"
	"github.com/stuartshay/trip-scorer/internal/store"
	"github.com/stuartshay/trip-scorer/internal/trip"
)

// Sample is a location fix on the wire. SpeedMPS is optional.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedMPS  *float64  `json:"speed_mps,omitempty"`
}

func (s Sample) toTrip() trip.Sample {
	out := trip.Sample{
		Timestamp: s.Timestamp,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
	if s.SpeedMPS != nil {
		out.SpeedMPS = *s.SpeedMPS
	}
	return out
}

type StartTripRequest struct {
	DeviceID  string     `json:"device_id"`
	StartTime *time.Time `json:"start_time,omitempty"`
}

type StartTripResponse struct {
	TripID    string    `json:"trip_id"`
	DeviceID  string    `json:"device_id"`
	StartTime time.Time `json:"start_time"`
}

type RecordSamplesRequest struct {
	TripID  string   `json:"trip_id"`
	Samples []Sample `json:"samples"`
}

type RecordSamplesResponse struct {
	TripID   string       `json:"trip_id"`
	Accepted int          `json:"accepted"`
	Events   []trip.Event `json:"events"`
}

type EndTripRequest struct {
	TripID  string     `json:"trip_id"`
	EndTime *time.Time `json:"end_time,omitempty"`
}

type EndTripResponse struct {
	TripID   string       `json:"trip_id"`
	DeviceID string       `json:"device_id"`
	Summary  trip.Summary `json:"summary"`
	// Stored is false when neither the remote nor the local store took the trip
	Stored bool `json:"stored"`
}

type AbandonTripRequest struct {
	TripID string `json:"trip_id"`
}

type AbandonTripResponse struct {
	TripID string `json:"trip_id"`
}

type ListTripsRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	Date     string `json:"date,omitempty"`
	Limit    int32  `json:"limit,omitempty"`
}

type TripRecord struct {
	TripID    string       `json:"trip_id"`
	DeviceID  string       `json:"device_id"`
	Summary   trip.Summary `json:"summary"`
	CreatedAt time.Time    `json:"created_at"`
	Synced    bool         `json:"synced"`
}

func newTripRecord(r store.Record) TripRecord {
	return TripRecord{
		TripID:    r.TripID,
		DeviceID:  r.DeviceID,
		Summary:   r.Summary,
		CreatedAt: r.CreatedAt,
		Synced:    r.Synced,
	}
}

type ListTripsResponse struct {
	Trips []TripRecord `json:"trips"`
}

type GetStatsRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	Date     string `json:"date,omitempty"`
}

type GetStatsResponse struct {
	TripCount            int     `json:"trip_count"`
	TotalDistanceKM      float64 `json:"total_distance_km"`
	TotalDurationMinutes float64 `json:"total_duration_minutes"`
	AverageScore         float64 `json:"average_score"`
	HardBrakeCount       int     `json:"hard_brake_count"`
	HardAccelCount       int     `json:"hard_accel_count"`
	SpeedingCount        int     `json:"speeding_count"`
}

type ListDevicesRequest struct{}

type ListDevicesResponse struct {
	Devices []string `json:"devices"`
}

type ReplayTripRequest struct {
	DeviceID string `json:"device_id"`
	Date     string `json:"date"`
}

type ReplayTripResponse struct {
	JobID    string    `json:"job_id"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queued_at"`
}

type GetJobStatusRequest struct {
	JobID string `json:"job_id"`
}

type JobResult struct {
	TripID  string       `json:"trip_id"`
	Summary trip.Summary `json:"summary"`
	Events  int          `json:"events"`
	// int64 travels as a JSON string in the protobuf JSON mapping
	ProcessingTimeMS int64 `json:"processing_time_ms,string"`
}

type JobStatusResponse struct {
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	Date         string     `json:"date"`
	DeviceID     string     `json:"device_id"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
}

func newJobStatus(job *queue.Job) *JobStatusResponse {
	resp := &JobStatusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		Date:         job.Date,
		DeviceID:     job.DeviceID,
		QueuedAt:     job.QueuedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
	}
	if job.Result != nil {
		resp.Result = &JobResult{
			TripID:           job.Result.TripID,
			Summary:          job.Result.Summary,
			Events:           job.Result.Events,
			ProcessingTimeMS: job.Result.ProcessingTimeMS,
		}
	}
	return resp
}

type ListJobsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int32  `json:"limit,omitempty"`
	Offset int32  `json:"offset,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []*JobStatusResponse `json:"jobs"`
	Limit      int32                `json:"limit"`
	Offset     int32                `json:"offset"`
	TotalCount int32                `json:"total_count"`
}

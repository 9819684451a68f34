// Package grpc implements the TripService gRPC server handlers for live
// trip scoring, stored trip queries and history replay jobs.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stuartshay/trip-scorer/internal/config"
	"github.com/stuartshay/trip-scorer/internal/database"
	"github.com/stuartshay/trip-scorer/internal/metrics"
	"github.com/stuartshay/trip-scorer/internal/notify"
	"github.com/stuartshay/trip-scorer/internal/queue"
	"github.com/stuartshay/trip-scorer/internal/session"
	"github.com/stuartshay/trip-scorer/internal/store"
	"github.com/stuartshay/trip-scorer/internal/tracing"
	"github.com/stuartshay/trip-scorer/internal/trip"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// TripRepository stores finalized trips and answers queries over them
type TripRepository interface {
	store.TripStore
	Stats(ctx context.Context, filter store.Filter) (store.Stats, error)
}

// LocationSource returns recorded location history for replay
type LocationSource interface {
	GetLocationsByDate(ctx context.Context, date string, deviceID string) ([]database.Location, error)
	GetDevices(ctx context.Context) ([]string, error)
}

// Server implements the TripService gRPC server
type Server struct {
	cfg       *config.Config
	tracker   *session.Tracker
	trips     TripRepository
	locations LocationSource
	publisher notify.Publisher
	queue     *queue.Queue
}

// NewServer creates a new gRPC server instance. locations may be nil, in
// which case replay requests are rejected as unavailable.
func NewServer(cfg *config.Config, trips TripRepository, locations LocationSource, publisher notify.Publisher) *Server {
	s := &Server{
		cfg:       cfg,
		tracker:   session.NewTracker(cfg.SampleBuffer),
		trips:     trips,
		locations: locations,
		publisher: publisher,
	}

	// Initialize replay queue with processor
	s.queue = queue.NewQueue(cfg.ReplayWorkers, s.processReplayJob)

	return s
}

// StartTrip opens a live trip for a device
func (s *Server) StartTrip(ctx context.Context, req *StartTripRequest) (*StartTripResponse, error) {
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}

	start := time.Now().UTC()
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}

	t, err := s.tracker.Start(req.DeviceID, start)
	if err != nil {
		return nil, toStatus(err)
	}

	metrics.TripsStartedTotal.Inc()
	s.updateActiveTrips()

	log.Info().
		Str("trip_id", t.ID).
		Str("device_id", t.DeviceID).
		Time("start_time", t.StartTime).
		Msg("Trip started")

	return &StartTripResponse{
		TripID:    t.ID,
		DeviceID:  t.DeviceID,
		StartTime: t.StartTime,
	}, nil
}

// RecordSamples folds samples into a live trip and returns the driving
// events they produced
func (s *Server) RecordSamples(ctx context.Context, req *RecordSamplesRequest) (*RecordSamplesResponse, error) {
	if req.TripID == "" {
		return nil, status.Error(codes.InvalidArgument, "trip_id is required")
	}

	// The device is fixed for the trip's lifetime; read it up front so a
	// concurrent EndTrip cannot strip it from the published events.
	t, err := s.tracker.Get(req.TripID)
	if err != nil {
		return nil, toStatus(err)
	}

	samples := make([]trip.Sample, len(req.Samples))
	for i, sample := range req.Samples {
		samples[i] = sample.toTrip()
	}

	events, err := s.tracker.Record(ctx, req.TripID, samples...)
	if err != nil {
		return nil, toStatus(err)
	}

	metrics.SamplesProcessedTotal.Add(float64(len(samples)))
	for _, e := range events {
		metrics.DrivingEventsTotal.WithLabelValues(string(e.Type)).Inc()
	}

	if len(events) > 0 {
		if err := s.publisher.PublishEvents(ctx, req.TripID, t.DeviceID, events); err != nil {
			metrics.NotifyErrorsTotal.Inc()
			log.Warn().Err(err).Str("trip_id", req.TripID).Msg("Failed to publish driving events")
		}
	}

	if events == nil {
		events = []trip.Event{}
	}

	return &RecordSamplesResponse{
		TripID:   req.TripID,
		Accepted: len(samples),
		Events:   events,
	}, nil
}

// EndTrip finalizes a live trip, stores its summary and publishes it
func (s *Server) EndTrip(ctx context.Context, req *EndTripRequest) (*EndTripResponse, error) {
	if req.TripID == "" {
		return nil, status.Error(codes.InvalidArgument, "trip_id is required")
	}

	end := time.Now().UTC()
	if req.EndTime != nil {
		end = req.EndTime.UTC()
	}

	t, summary, err := s.tracker.Finish(ctx, req.TripID, end)
	s.updateActiveTrips()
	if err != nil {
		return nil, toStatus(err)
	}

	metrics.TripsFinalizedTotal.Inc()
	metrics.TripScore.Observe(float64(summary.Score))

	rec := store.Record{
		TripID:    t.ID,
		DeviceID:  t.DeviceID,
		Summary:   summary.Rounded(),
		CreatedAt: time.Now().UTC(),
	}

	stored := s.saveTrip(ctx, rec)

	log.Info().
		Str("trip_id", rec.TripID).
		Str("device_id", rec.DeviceID).
		Float64("distance_km", rec.Summary.DistanceKM).
		Int("score", rec.Summary.Score).
		Bool("stored", stored).
		Msg("Trip finalized")

	return &EndTripResponse{
		TripID:   rec.TripID,
		DeviceID: rec.DeviceID,
		Summary:  rec.Summary,
		Stored:   stored,
	}, nil
}

// AbandonTrip discards a live trip without storing it
func (s *Server) AbandonTrip(ctx context.Context, req *AbandonTripRequest) (*AbandonTripResponse, error) {
	if req.TripID == "" {
		return nil, status.Error(codes.InvalidArgument, "trip_id is required")
	}

	if err := s.tracker.Abandon(req.TripID); err != nil {
		return nil, toStatus(err)
	}
	s.updateActiveTrips()

	log.Info().Str("trip_id", req.TripID).Msg("Trip abandoned")

	return &AbandonTripResponse{TripID: req.TripID}, nil
}

// ListTrips returns stored trips newest first
func (s *Server) ListTrips(ctx context.Context, req *ListTripsRequest) (*ListTripsResponse, error) {
	filter := store.Filter{
		DeviceID: req.DeviceID,
		Date:     req.Date,
		Limit:    clampLimit(req.Limit),
	}
	if err := filter.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	records, err := s.trips.ListTrips(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list trips")
		return nil, status.Errorf(codes.Internal, "failed to list trips: %v", err)
	}

	resp := &ListTripsResponse{Trips: make([]TripRecord, 0, len(records))}
	for _, r := range records {
		resp.Trips = append(resp.Trips, newTripRecord(r))
	}
	return resp, nil
}

// GetStats aggregates stored trips
func (s *Server) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	filter := store.Filter{DeviceID: req.DeviceID, Date: req.Date}
	if err := filter.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	stats, err := s.trips.Stats(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to compute trip stats")
		return nil, status.Errorf(codes.Internal, "failed to compute stats: %v", err)
	}

	return &GetStatsResponse{
		TripCount:            stats.TripCount,
		TotalDistanceKM:      stats.TotalDistanceKM,
		TotalDurationMinutes: stats.TotalDurationMinutes,
		AverageScore:         stats.AverageScore,
		HardBrakeCount:       stats.HardBrakeCount,
		HardAccelCount:       stats.HardAccelCount,
		SpeedingCount:        stats.SpeedingCount,
	}, nil
}

// ListDevices returns the devices with recorded location history, the
// valid targets of ReplayTrip
func (s *Server) ListDevices(ctx context.Context, req *ListDevicesRequest) (*ListDevicesResponse, error) {
	if s.locations == nil {
		return nil, status.Error(codes.Unavailable, "location history is unavailable")
	}

	devices, err := s.locations.GetDevices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices")
		return nil, status.Errorf(codes.Internal, "failed to list devices: %v", err)
	}
	if devices == nil {
		devices = []string{}
	}
	return &ListDevicesResponse{Devices: devices}, nil
}

// ReplayTrip queues a job that scores a device's recorded day as one trip
func (s *Server) ReplayTrip(ctx context.Context, req *ReplayTripRequest) (*ReplayTripResponse, error) {
	log.Info().
		Str("date", req.Date).
		Str("device_id", req.DeviceID).
		Msg("Received replay request")

	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}
	if req.Date == "" {
		return nil, status.Error(codes.InvalidArgument, "date is required")
	}
	if err := (store.Filter{Date: req.Date}).Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.locations == nil {
		return nil, status.Error(codes.Unavailable, "location history is unavailable")
	}

	jobID, err := s.queue.Enqueue(req.Date, req.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue job")
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "failed to enqueue job: %v", err)
	}

	job, err := s.queue.GetJob(jobID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to load job: %v", err)
	}

	return &ReplayTripResponse{
		JobID:    job.ID,
		Status:   string(job.Status),
		QueuedAt: job.QueuedAt,
	}, nil
}

// GetJobStatus returns the current status of a replay job
func (s *Server) GetJobStatus(ctx context.Context, req *GetJobStatusRequest) (*JobStatusResponse, error) {
	job, err := s.queue.GetJob(req.JobID)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return newJobStatus(job), nil
}

// ListJobs returns replay jobs with optional status filtering
func (s *Server) ListJobs(ctx context.Context, req *ListJobsRequest) (*ListJobsResponse, error) {
	limit := clampLimit(req.Limit)
	offset := int(req.Offset)
	if offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset must not be negative")
	}

	jobs, total := s.queue.ListJobs(queue.JobStatus(req.Status), limit, offset)

	resp := &ListJobsResponse{
		Jobs:   make([]*JobStatusResponse, 0, len(jobs)),
		Limit:  int32(limit),
		Offset: int32(offset),
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, newJobStatus(job))
	}
	resp.TotalCount = int32(total)

	return resp, nil
}

// processReplayJob is the worker function that scores recorded history
func (s *Server) processReplayJob(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "ReplayTrip.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("trip.date", job.Date),
		attribute.String("device.id", job.DeviceID),
	)

	log.Info().
		Str("job_id", job.ID).
		Str("date", job.Date).
		Str("device_id", job.DeviceID).
		Msg("Processing replay job")

	locations, err := s.locations.GetLocationsByDate(ctx, job.Date, job.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch locations from database")
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, fmt.Errorf("database query failed: %w", err)
	}

	if len(locations) == 0 {
		log.Warn().Str("date", job.Date).Msg("No locations found for date")
		return nil, fmt.Errorf("no locations found for date %s", job.Date)
	}

	first := locations[0].Sample()
	acc := trip.New(first.Timestamp)
	end := first.Timestamp
	events := 0
	for _, loc := range locations {
		sample := loc.Sample()
		events += len(acc.Update(sample))
		end = sample.Timestamp
	}
	summary := acc.Finalize(end).Rounded()

	// Replaying the same day yields the same trip ID, so reruns are
	// absorbed by the stores' insert-once semantics.
	tripID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("replay:"+job.DeviceID+":"+job.Date)).String()

	rec := store.Record{
		TripID:    tripID,
		DeviceID:  job.DeviceID,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	if !s.saveTrip(ctx, rec) {
		span.SetStatus(otelcodes.Error, "trip not stored")
		return nil, fmt.Errorf("failed to store replayed trip %s", tripID)
	}

	span.SetAttributes(
		attribute.Int("trip.samples", len(locations)),
		attribute.Int("trip.score", summary.Score),
	)

	log.Info().
		Str("trip_id", tripID).
		Float64("distance_km", summary.DistanceKM).
		Int("score", summary.Score).
		Int("events", events).
		Msg("Replay trip scored")

	return &queue.JobResult{
		TripID:  tripID,
		Summary: summary,
		Events:  events,
	}, nil
}

// saveTrip persists rec and publishes the completion message. It reports
// whether any store accepted the trip.
func (s *Server) saveTrip(ctx context.Context, rec store.Record) bool {
	ctx, span := tracing.Tracer().Start(ctx, "TripStore.SaveTrip")
	defer span.End()
	span.SetAttributes(attribute.String("trip.id", rec.TripID))

	if err := s.trips.SaveTrip(ctx, rec); err != nil {
		span.SetStatus(otelcodes.Error, err.Error())
		log.Error().Err(err).Str("trip_id", rec.TripID).Msg("Failed to store trip")
		return false
	}

	if err := s.publisher.PublishTrip(ctx, notify.NewTripMessage(rec)); err != nil {
		metrics.NotifyErrorsTotal.Inc()
		log.Warn().Err(err).Str("trip_id", rec.TripID).Msg("Failed to publish trip summary")
	}
	return true
}

// Shutdown stops replay workers and discards any live trips
func (s *Server) Shutdown(timeout time.Duration) error {
	trackerErr := s.tracker.Shutdown(timeout)
	queueErr := s.queue.Shutdown(timeout)
	return errors.Join(trackerErr, queueErr)
}

func (s *Server) updateActiveTrips() {
	metrics.ActiveTrips.Set(float64(len(s.tracker.Active())))
}

// ActiveTrips returns the number of live trips
func (s *Server) ActiveTrips() int {
	return len(s.tracker.Active())
}

func clampLimit(limit int32) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return int(limit)
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, session.ErrTripNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrTrackerClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

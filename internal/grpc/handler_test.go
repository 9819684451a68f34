package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/stuartshay/trip-scorer/internal/config"
	"github.com/stuartshay/trip-scorer/internal/database"
	"github.com/stuartshay/trip-scorer/internal/notify"
	"github.com/stuartshay/trip-scorer/internal/queue"
	"github.com/stuartshay/trip-scorer/internal/store"
	"github.com/stuartshay/trip-scorer/internal/trip"
)

var t0 = time.Date(2026, 1, 24, 8, 0, 0, 0, time.UTC)

type memRepo struct {
	mu      sync.Mutex
	records []store.Record
	saveErr error
}

func (m *memRepo) SaveTrip(_ context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, r := range m.records {
		if r.TripID == rec.TripID {
			return nil
		}
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memRepo) ListTrips(_ context.Context, filter store.Filter) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for _, r := range m.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) Stats(ctx context.Context, filter store.Filter) (store.Stats, error) {
	records, err := m.ListTrips(ctx, filter)
	if err != nil {
		return store.Stats{}, err
	}
	return store.Aggregate(records), nil
}

type fakeLocations struct {
	locations []database.Location
	devices   []string
	err       error
}

func (f *fakeLocations) GetLocationsByDate(_ context.Context, _ string, _ string) ([]database.Location, error) {
	return f.locations, f.err
}

func (f *fakeLocations) GetDevices(_ context.Context) ([]string, error) {
	return f.devices, f.err
}

type recordingPublisher struct {
	mu        sync.Mutex
	events    []trip.Event
	deviceIDs []string
	trips     []notify.TripMessage
}

func (p *recordingPublisher) PublishEvents(_ context.Context, _, deviceID string, events []trip.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	p.deviceIDs = append(p.deviceIDs, deviceID)
	return nil
}

func (p *recordingPublisher) PublishTrip(_ context.Context, msg notify.TripMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trips = append(p.trips, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type testEnv struct {
	server    *Server
	client    *Client
	repo      *memRepo
	publisher *recordingPublisher
}

// setupTestServer serves a Server over an in-memory listener
func setupTestServer(t *testing.T, locations LocationSource) *testEnv {
	t.Helper()

	cfg := &config.Config{SampleBuffer: 8, ReplayWorkers: 1}
	env := &testEnv{
		repo:      &memRepo{},
		publisher: &recordingPublisher{},
	}
	env.server = NewServer(cfg, env.repo, locations, env.publisher)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterTripServiceServer(gs, env.server)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	env.client = NewClient(conn)

	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
		_ = env.server.Shutdown(5 * time.Second)
	})

	return env
}

func speed(mps float64) *float64 { return &mps }

func timePtr(t time.Time) *time.Time { return &t }

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), err.Error())
}

func TestTripLifecycle(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	started, err := env.client.StartTrip(ctx, &StartTripRequest{DeviceID: "pixel8", StartTime: timePtr(t0)})
	require.NoError(t, err)
	require.NotEmpty(t, started.TripID)
	assert.Equal(t, "pixel8", started.DeviceID)
	assert.True(t, t0.Equal(started.StartTime))
	assert.Equal(t, 1, env.server.ActiveTrips())

	recorded, err := env.client.RecordSamples(ctx, &RecordSamplesRequest{
		TripID: started.TripID,
		Samples: []Sample{
			{Timestamp: t0, Latitude: 40.7128, Longitude: -74.0060, SpeedMPS: speed(0)},
			{Timestamp: t0.Add(time.Minute), Latitude: 40.7228, Longitude: -74.0060, SpeedMPS: speed(10)},
			{Timestamp: t0.Add(2 * time.Minute), Latitude: 40.7328, Longitude: -74.0060, SpeedMPS: speed(5)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, recorded.Accepted)
	require.Len(t, recorded.Events, 2)
	assert.Equal(t, trip.EventHardAccel, recorded.Events[0].Type)
	assert.Equal(t, trip.EventHardBrake, recorded.Events[1].Type)

	ended, err := env.client.EndTrip(ctx, &EndTripRequest{TripID: started.TripID, EndTime: timePtr(t0.Add(10 * time.Minute))})
	require.NoError(t, err)
	assert.True(t, ended.Stored)
	assert.Equal(t, 92, ended.Summary.Score)
	assert.Equal(t, 1, ended.Summary.HardAccelCount)
	assert.Equal(t, 1, ended.Summary.HardBrakeCount)
	assert.Equal(t, 36, ended.Summary.MaxSpeedKMH)
	assert.InDelta(t, 18.0, ended.Summary.AvgSpeedKMH, 0.001)
	assert.InDelta(t, 10.0, ended.Summary.DurationMinutes, 0.001)
	assert.InDelta(t, 2.22, ended.Summary.DistanceKM, 0.01)
	assert.Equal(t, 0, env.server.ActiveTrips())

	env.publisher.mu.Lock()
	assert.Len(t, env.publisher.events, 2)
	assert.Equal(t, []string{"pixel8"}, env.publisher.deviceIDs)
	require.Len(t, env.publisher.trips, 1)
	assert.Equal(t, started.TripID, env.publisher.trips[0].TripID)
	env.publisher.mu.Unlock()

	listed, err := env.client.ListTrips(ctx, &ListTripsRequest{DeviceID: "pixel8", Date: "2026-01-24"})
	require.NoError(t, err)
	require.Len(t, listed.Trips, 1)
	assert.Equal(t, started.TripID, listed.Trips[0].TripID)
	assert.Equal(t, 92, listed.Trips[0].Summary.Score)

	stats, err := env.client.GetStats(ctx, &GetStatsRequest{DeviceID: "pixel8"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TripCount)
	assert.InDelta(t, 92.0, stats.AverageScore, 0.001)
	assert.Equal(t, 1, stats.HardBrakeCount)

	// A finished trip cannot be finished or fed again.
	_, err = env.client.EndTrip(ctx, &EndTripRequest{TripID: started.TripID})
	requireCode(t, err, codes.NotFound)
	_, err = env.client.RecordSamples(ctx, &RecordSamplesRequest{TripID: started.TripID})
	requireCode(t, err, codes.NotFound)
}

func TestEndTrip_NoSamples(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	started, err := env.client.StartTrip(ctx, &StartTripRequest{DeviceID: "pixel8", StartTime: timePtr(t0)})
	require.NoError(t, err)

	ended, err := env.client.EndTrip(ctx, &EndTripRequest{TripID: started.TripID, EndTime: timePtr(t0)})
	require.NoError(t, err)
	assert.Equal(t, 100, ended.Summary.Score)
	assert.Equal(t, 0.0, ended.Summary.DistanceKM)
	assert.Equal(t, 0.0, ended.Summary.AvgSpeedKMH)
	assert.Equal(t, 0.0, ended.Summary.DurationMinutes)
}

func TestEndTrip_StoreFailureStillReturnsSummary(t *testing.T) {
	env := setupTestServer(t, nil)
	env.repo.saveErr = errors.New("disk full")
	ctx := context.Background()

	started, err := env.client.StartTrip(ctx, &StartTripRequest{DeviceID: "pixel8", StartTime: timePtr(t0)})
	require.NoError(t, err)

	ended, err := env.client.EndTrip(ctx, &EndTripRequest{TripID: started.TripID, EndTime: timePtr(t0.Add(time.Minute))})
	require.NoError(t, err)
	assert.False(t, ended.Stored)
	assert.Equal(t, 100, ended.Summary.Score)

	env.publisher.mu.Lock()
	assert.Empty(t, env.publisher.trips)
	env.publisher.mu.Unlock()
}

func TestAbandonTrip(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	started, err := env.client.StartTrip(ctx, &StartTripRequest{DeviceID: "pixel8"})
	require.NoError(t, err)

	_, err = env.client.AbandonTrip(ctx, &AbandonTripRequest{TripID: started.TripID})
	require.NoError(t, err)

	_, err = env.client.EndTrip(ctx, &EndTripRequest{TripID: started.TripID})
	requireCode(t, err, codes.NotFound)

	_, err = env.client.AbandonTrip(ctx, &AbandonTripRequest{TripID: started.TripID})
	requireCode(t, err, codes.NotFound)

	env.repo.mu.Lock()
	assert.Empty(t, env.repo.records)
	env.repo.mu.Unlock()
}

func TestValidation(t *testing.T) {
	env := setupTestServer(t, &fakeLocations{})
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{
			name: "start without device",
			call: func() error {
				_, err := env.client.StartTrip(ctx, &StartTripRequest{})
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "record without trip",
			call: func() error {
				_, err := env.client.RecordSamples(ctx, &RecordSamplesRequest{})
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "record unknown trip",
			call: func() error {
				_, err := env.client.RecordSamples(ctx, &RecordSamplesRequest{TripID: "missing"})
				return err
			},
			code: codes.NotFound,
		},
		{
			name: "end without trip",
			call: func() error {
				_, err := env.client.EndTrip(ctx, &EndTripRequest{})
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "list with bad date",
			call: func() error {
				_, err := env.client.ListTrips(ctx, &ListTripsRequest{Date: "24/01/2026"})
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "stats with bad date",
			call: func() error {
				_, err := env.client.GetStats(ctx, &GetStatsRequest{Date: "yesterday"})
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "replay without date",
			call: func() error {
				_, err := env.client.ReplayTrip(ctx, &ReplayTripRequest{DeviceID: "pixel8"})
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "replay without device",
			call: func() error {
				_, err := env.client.ReplayTrip(ctx, &ReplayTripRequest{Date: "2026-01-24"})
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "unknown job",
			call: func() error {
				_, err := env.client.GetJobStatus(ctx, &GetJobStatusRequest{JobID: "missing"})
				return err
			},
			code: codes.NotFound,
		},
		{
			name: "negative job offset",
			call: func() error {
				_, err := env.client.ListJobs(ctx, &ListJobsRequest{Offset: -1})
				return err
			},
			code: codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, tt.call(), tt.code)
		})
	}
}

func TestReplayTrip_Unavailable(t *testing.T) {
	env := setupTestServer(t, nil)

	_, err := env.client.ReplayTrip(context.Background(), &ReplayTripRequest{DeviceID: "pixel8", Date: "2026-01-24"})
	requireCode(t, err, codes.Unavailable)
}

func TestReplayTrip(t *testing.T) {
	base := t0.Unix()
	locations := &fakeLocations{locations: []database.Location{
		{DeviceID: "pixel8", Latitude: 40.7128, Longitude: -74.0060, Velocity: 0, Timestamp: base},
		{DeviceID: "pixel8", Latitude: 40.7228, Longitude: -74.0060, Velocity: 50, Timestamp: base + 60},
		{DeviceID: "pixel8", Latitude: 40.7328, Longitude: -74.0060, Velocity: 140, Timestamp: base + 120},
	}}
	env := setupTestServer(t, locations)
	ctx := context.Background()

	resp, err := env.client.ReplayTrip(ctx, &ReplayTripRequest{DeviceID: "pixel8", Date: "2026-01-24"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.JobID)

	var job *JobStatusResponse
	require.Eventually(t, func() bool {
		job, err = env.client.GetJobStatus(ctx, &GetJobStatusRequest{JobID: resp.JobID})
		return err == nil && job.Status == string(queue.StatusCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, job.Result)
	assert.Equal(t, 3, job.Result.Events)
	assert.Equal(t, 2, job.Result.Summary.HardAccelCount)
	assert.Equal(t, 1, job.Result.Summary.SpeedingCount)
	assert.Equal(t, 84, job.Result.Summary.Score)
	assert.Equal(t, 140, job.Result.Summary.MaxSpeedKMH)
	assert.InDelta(t, 2.0, job.Result.Summary.DurationMinutes, 0.001)

	listed, err := env.client.ListTrips(ctx, &ListTripsRequest{DeviceID: "pixel8"})
	require.NoError(t, err)
	require.Len(t, listed.Trips, 1)
	assert.Equal(t, job.Result.TripID, listed.Trips[0].TripID)

	// Replaying the same day produces the same trip, not a duplicate.
	again, err := env.client.ReplayTrip(ctx, &ReplayTripRequest{DeviceID: "pixel8", Date: "2026-01-24"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err = env.client.GetJobStatus(ctx, &GetJobStatusRequest{JobID: again.JobID})
		return err == nil && job.Status == string(queue.StatusCompleted)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, listed.Trips[0].TripID, job.Result.TripID)

	listed, err = env.client.ListTrips(ctx, &ListTripsRequest{DeviceID: "pixel8"})
	require.NoError(t, err)
	assert.Len(t, listed.Trips, 1)

	jobs, err := env.client.ListJobs(ctx, &ListJobsRequest{Status: string(queue.StatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, int32(2), jobs.TotalCount)
	assert.Equal(t, int32(defaultListLimit), jobs.Limit)

	// TotalCount covers every matching job, not just the page.
	page, err := env.client.ListJobs(ctx, &ListJobsRequest{Status: string(queue.StatusCompleted), Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 1)
	assert.Equal(t, int32(2), page.TotalCount)
	assert.Equal(t, int32(1), page.Offset)
}

func TestReplayTrip_NoLocations(t *testing.T) {
	env := setupTestServer(t, &fakeLocations{})
	ctx := context.Background()

	resp, err := env.client.ReplayTrip(ctx, &ReplayTripRequest{DeviceID: "pixel8", Date: "2026-01-24"})
	require.NoError(t, err)

	var job *JobStatusResponse
	require.Eventually(t, func() bool {
		job, err = env.client.GetJobStatus(ctx, &GetJobStatusRequest{JobID: resp.JobID})
		return err == nil && job.Status == string(queue.StatusFailed)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, job.ErrorMessage, "no locations found")
	assert.Nil(t, job.Result)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, defaultListLimit, clampLimit(-3))
	assert.Equal(t, 20, clampLimit(20))
	assert.Equal(t, maxListLimit, clampLimit(10000))
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	data, err := c.Marshal(wrapperspb.String("pixel8"))
	require.NoError(t, err)
	assert.Equal(t, `"pixel8"`, string(data))

	var msg wrapperspb.StringValue
	require.NoError(t, c.Unmarshal(data, &msg))
	assert.Equal(t, "pixel8", msg.GetValue())

	_, err = c.Marshal(&AbandonTripRequest{TripID: "trip-1"})
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal([]byte(`{"trip_id":"trip-1"}`), &AbandonTripRequest{}))
}

func TestTripServiceSchema(t *testing.T) {
	d, err := protoregistry.GlobalFiles.FindDescriptorByName(ServiceName)
	require.NoError(t, err)

	sd, ok := d.(protoreflect.ServiceDescriptor)
	require.True(t, ok)
	assert.Equal(t, TripServiceDesc.Metadata, sd.ParentFile().Path())
	assert.Equal(t, ProtoFile, sd.ParentFile().Path())

	require.Equal(t, len(TripServiceDesc.Methods), sd.Methods().Len())
	for _, m := range TripServiceDesc.Methods {
		assert.NotNil(t, sd.Methods().ByName(protoreflect.Name(m.MethodName)), m.MethodName)
	}
}

func TestWireConversion(t *testing.T) {
	started := t0.Add(time.Second)
	completed := t0.Add(3 * time.Second)
	summary := trip.Summary{
		StartTime:       t0,
		EndTime:         t0.Add(10 * time.Minute),
		DurationMinutes: 10,
		DistanceKM:      2.22,
		MaxSpeedKMH:     36,
		AvgSpeedKMH:     18,
		HardBrakeCount:  1,
		HardAccelCount:  1,
		SpeedingCount:   2,
		SampleCount:     3,
		Score:           92,
	}

	tests := []struct {
		name   string
		method string
		output bool
		in     interface{}
		out    interface{}
	}{
		{
			name:   "record samples request",
			method: "RecordSamples",
			in: &RecordSamplesRequest{TripID: "trip-1", Samples: []Sample{
				{Timestamp: t0, Latitude: 40.7128, Longitude: -74.0060, SpeedMPS: speed(0)},
				{Timestamp: t0.Add(time.Second), Latitude: 40.7129, Longitude: -74.0061},
			}},
			out: &RecordSamplesRequest{},
		},
		{
			name:   "end trip response",
			method: "EndTrip",
			output: true,
			in:     &EndTripResponse{TripID: "trip-1", DeviceID: "pixel8", Summary: summary, Stored: true},
			out:    &EndTripResponse{},
		},
		{
			name:   "job status response",
			method: "GetJobStatus",
			output: true,
			in: &JobStatusResponse{
				JobID:        "job-1",
				Status:       string(queue.StatusCompleted),
				Date:         "2026-01-24",
				DeviceID:     "pixel8",
				QueuedAt:     t0,
				StartedAt:    &started,
				CompletedAt:  &completed,
				ErrorMessage: "retried",
				Result: &JobResult{
					TripID:           "trip-1",
					Summary:          summary,
					Events:           4,
					ProcessingTimeMS: 1234567890123,
				},
			},
			out: &JobStatusResponse{},
		},
		{
			name:   "list devices response",
			method: "ListDevices",
			output: true,
			in:     &ListDevicesResponse{Devices: []string{"iphone", "pixel8"}},
			out:    &ListDevicesResponse{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := methodDescriptor(tt.method).Input()
			if tt.output {
				md = methodDescriptor(tt.method).Output()
			}

			wire, err := toWire(tt.in, md)
			require.NoError(t, err)

			// Through the binary encoding and back, as the default codec does.
			data, err := proto.Marshal(wire)
			require.NoError(t, err)
			decoded := dynamicpb.NewMessage(md)
			require.NoError(t, proto.Unmarshal(data, decoded))

			require.NoError(t, fromWire(decoded, tt.out))
			assert.Equal(t, tt.in, tt.out)
		})
	}
}

func TestBinaryProtoClient(t *testing.T) {
	env := setupTestServer(t, nil)

	md := methodDescriptor("StartTrip")
	req := dynamicpb.NewMessage(md.Input())
	req.Set(md.Input().Fields().ByName("device_id"), protoreflect.ValueOfString("pixel8"))
	reply := dynamicpb.NewMessage(md.Output())

	// No content subtype: the default proto codec carries the call.
	err := env.client.cc.Invoke(context.Background(), "/"+ServiceName+"/StartTrip", req, reply)
	require.NoError(t, err)

	fields := md.Output().Fields()
	assert.Equal(t, "pixel8", reply.Get(fields.ByName("device_id")).String())
	assert.NotEmpty(t, reply.Get(fields.ByName("trip_id")).String())
	assert.True(t, reply.Has(fields.ByName("start_time")))
	assert.Equal(t, 1, env.server.ActiveTrips())
}

func TestListDevices(t *testing.T) {
	env := setupTestServer(t, &fakeLocations{devices: []string{"iphone", "pixel8"}})

	resp, err := env.client.ListDevices(context.Background(), &ListDevicesRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"iphone", "pixel8"}, resp.Devices)
}

func TestListDevices_Errors(t *testing.T) {
	tests := []struct {
		name      string
		locations LocationSource
		code      codes.Code
	}{
		{name: "no location history", locations: nil, code: codes.Unavailable},
		{name: "database failure", locations: &fakeLocations{err: errors.New("connection refused")}, code: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.locations)
			_, err := env.client.ListDevices(context.Background(), &ListDevicesRequest{})
			requireCode(t, err, tt.code)
		})
	}
}

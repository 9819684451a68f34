package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/trip-scorer/internal/trip"
)

var start = time.Date(2026, 1, 24, 8, 0, 0, 0, time.UTC)

func sample(i int, kmh int) trip.Sample {
	return trip.Sample{
		Timestamp: start.Add(time.Duration(i) * time.Second),
		Latitude:  40.736097 + float64(i)*0.0001,
		Longitude: -74.039373,
		SpeedMPS:  float64(kmh) / 3.6,
	}
}

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker(16)
	t.Cleanup(func() { _ = tr.Shutdown(time.Second) })
	return tr
}

func TestStart(t *testing.T) {
	tr := newTracker(t)

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)

	assert.NotEmpty(t, tp.ID)
	assert.Equal(t, "pixel8", tp.DeviceID)
	assert.Equal(t, start, tp.StartTime)

	got, err := tr.Get(tp.ID)
	require.NoError(t, err)
	assert.Equal(t, tp, got)
}

func TestRecordAndFinish(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)

	events, err := tr.Record(ctx, tp.ID, sample(0, 0), sample(1, 20))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, trip.EventHardAccel, events[0].Type)

	events, err = tr.Record(ctx, tp.ID, sample(2, 125), sample(3, 135), sample(4, 140), sample(5, 120))
	require.NoError(t, err)
	assert.Len(t, events, 3) // accel 20->125, speeding crossing, brake 140->120

	finished, summary, err := tr.Finish(ctx, tp.ID, start.Add(6*time.Second))
	require.NoError(t, err)

	assert.Equal(t, tp, finished)
	assert.Equal(t, 6, summary.SampleCount)
	assert.Equal(t, 2, summary.HardAccelCount)
	assert.Equal(t, 1, summary.HardBrakeCount)
	assert.Equal(t, 1, summary.SpeedingCount)
	assert.Equal(t, 100-8-4-8, summary.Score)
	assert.Greater(t, summary.DistanceKM, 0.0)

	_, err = tr.Get(tp.ID)
	assert.ErrorIs(t, err, ErrTripNotFound)
}

func TestFinish_OnlyOnce(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)

	_, summary, err := tr.Finish(ctx, tp.ID, start)
	require.NoError(t, err)
	assert.Equal(t, 100, summary.Score)

	_, _, err = tr.Finish(ctx, tp.ID, start)
	assert.ErrorIs(t, err, ErrTripNotFound)

	_, err = tr.Record(ctx, tp.ID, sample(0, 10))
	assert.ErrorIs(t, err, ErrTripNotFound)
}

func TestRecord_UnknownTrip(t *testing.T) {
	tr := newTracker(t)

	_, err := tr.Record(context.Background(), "missing", sample(0, 10))
	assert.ErrorIs(t, err, ErrTripNotFound)
}

func TestRecord_ConcurrentWritersAreSerialized(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)

	const writers = 4
	const perWriter = 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := tr.Record(ctx, tp.ID, sample(w*perWriter+i, 50))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	_, summary, err := tr.Finish(ctx, tp.ID, start.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, writers*perWriter, summary.SampleCount)
	assert.InDelta(t, 50.0, summary.AvgSpeedKMH, 1e-9)
	// Only the first sample jumps from 0 to 50.
	assert.Equal(t, 1, summary.HardAccelCount)
}

func TestAbandon(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)
	_, err = tr.Record(ctx, tp.ID, sample(0, 30))
	require.NoError(t, err)

	require.NoError(t, tr.Abandon(tp.ID))

	_, _, err = tr.Finish(ctx, tp.ID, start)
	assert.ErrorIs(t, err, ErrTripNotFound)

	assert.ErrorIs(t, tr.Abandon(tp.ID), ErrTripNotFound)
}

func TestActive(t *testing.T) {
	tr := newTracker(t)

	second, err := tr.Start("b", start.Add(time.Minute))
	require.NoError(t, err)
	first, err := tr.Start("a", start)
	require.NoError(t, err)

	active := tr.Active()
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
}

func TestRecord_CanceledContextIsNotApplied(t *testing.T) {
	tr := newTracker(t)

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A rejected call must not have touched the trip, or a client retry
	// would count its samples twice.
	for i := 0; i < 200; i++ {
		_, err := tr.Record(ctx, tp.ID, sample(i, 10))
		require.ErrorIs(t, err, context.Canceled)
	}

	_, summary, err := tr.Finish(context.Background(), tp.ID, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.SampleCount)
}

func TestRecord_RetryAfterCancelCountsOnce(t *testing.T) {
	tr := newTracker(t)

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 50; i++ {
		s := sample(i, 40)
		if _, err := tr.Record(canceled, tp.ID, s); err == nil {
			continue
		}
		_, err := tr.Record(context.Background(), tp.ID, s)
		require.NoError(t, err)
	}

	_, summary, err := tr.Finish(context.Background(), tp.ID, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 50, summary.SampleCount)
}

func TestFinish_CanceledContextKeepsTrip(t *testing.T) {
	tr := newTracker(t)

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)
	_, err = tr.Record(context.Background(), tp.ID, sample(0, 30), sample(1, 35))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = tr.Finish(ctx, tp.ID, start.Add(time.Minute))
	require.ErrorIs(t, err, context.Canceled)

	got, err := tr.Get(tp.ID)
	require.NoError(t, err)
	assert.Equal(t, tp, got)
	assert.Len(t, tr.Active(), 1)

	_, summary, err := tr.Finish(context.Background(), tp.ID, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SampleCount)
	assert.Empty(t, tr.Active())
}

func TestFinish_ConcurrentCallsFinalizeOnce(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)
	_, err = tr.Record(ctx, tp.ID, sample(0, 30))
	require.NoError(t, err)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, summary, err := tr.Finish(ctx, tp.ID, start.Add(time.Minute))
			if err != nil {
				assert.True(t, errors.Is(err, ErrTripNotFound), err.Error())
				return
			}
			assert.Equal(t, 1, summary.SampleCount)
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	_, err = tr.Get(tp.ID)
	assert.ErrorIs(t, err, ErrTripNotFound)
}

func TestShutdown(t *testing.T) {
	tr := NewTracker(4)

	tp, err := tr.Start("pixel8", start)
	require.NoError(t, err)

	require.NoError(t, tr.Shutdown(time.Second))

	_, err = tr.Start("pixel8", start)
	assert.ErrorIs(t, err, ErrTrackerClosed)

	_, err = tr.Record(context.Background(), tp.ID, sample(0, 10))
	assert.ErrorIs(t, err, ErrTrackerClosed)

	select {
	case <-tr.ctx.Done():
	default:
		t.Error("expected context to be canceled")
	}
}

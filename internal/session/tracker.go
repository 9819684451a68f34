// Package session serializes live sample streams into trip accumulators.
// Every active trip is owned by one goroutine; all writers reach it through
// the trip's command channel, so samples from several sources (for example a
// foreground and a background location feed) are applied one at a time and
// never double counted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/trip-scorer/internal/trip"
)

// Errors returned by the tracker
var (
	ErrTripNotFound  = errors.New("trip not found")
	ErrTrackerClosed = errors.New("tracker is shut down")
)

// Trip identifies an active or finished trip
type Trip struct {
	ID        string
	DeviceID  string
	StartTime time.Time
}

type command struct {
	samples []trip.Sample
	finish  bool
	endTime time.Time
	reply   chan reply
}

type reply struct {
	events  []trip.Event
	summary trip.Summary
}

type tripLoop struct {
	trip   Trip
	acc    *trip.Accumulator
	cmds   chan command
	ctx    context.Context
	cancel context.CancelFunc
}

// Tracker owns the accumulators of all active trips
type Tracker struct {
	mu         sync.Mutex
	trips      map[string]*tripLoop
	bufferSize int
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewTracker creates a tracker. bufferSize bounds the number of pending
// commands per trip before writers block.
func NewTracker(bufferSize int) *Tracker {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		trips:      make(map[string]*tripLoop),
		bufferSize: bufferSize,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start opens a new trip for deviceID and starts its owning goroutine
func (t *Tracker) Start(deviceID string, startTime time.Time) (Trip, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Trip{}, ErrTrackerClosed
	}

	tr := Trip{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		StartTime: startTime,
	}

	ctx, cancel := context.WithCancel(t.ctx)
	loop := &tripLoop{
		trip:   tr,
		acc:    trip.New(startTime),
		cmds:   make(chan command, t.bufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	t.trips[tr.ID] = loop

	t.wg.Add(1)
	go t.run(loop)

	log.Debug().
		Str("trip_id", tr.ID).
		Str("device_id", deviceID).
		Time("start_time", startTime).
		Msg("Trip started")

	return tr, nil
}

// Record applies samples to the trip in order and returns the driving
// events they raised. Safe to call from multiple goroutines.
func (t *Tracker) Record(ctx context.Context, tripID string, samples ...trip.Sample) ([]trip.Event, error) {
	loop, err := t.lookup(tripID)
	if err != nil {
		return nil, err
	}

	r, err := loop.send(ctx, command{samples: samples})
	if err != nil {
		return nil, err
	}
	return r.events, nil
}

// Finish finalizes the trip at endTime and removes it from the tracker.
// A trip can be finished exactly once. A call that fails leaves the trip
// active so it can be retried.
func (t *Tracker) Finish(ctx context.Context, tripID string, endTime time.Time) (Trip, trip.Summary, error) {
	loop, err := t.lookup(tripID)
	if err != nil {
		return Trip{}, trip.Summary{}, err
	}

	r, err := loop.send(ctx, command{finish: true, endTime: endTime})
	if err != nil {
		return Trip{}, trip.Summary{}, err
	}

	t.mu.Lock()
	if t.trips[tripID] == loop {
		delete(t.trips, tripID)
	}
	t.mu.Unlock()

	log.Debug().
		Str("trip_id", tripID).
		Int("score", r.summary.Score).
		Msg("Trip finished")

	return loop.trip, r.summary, nil
}

// Abandon discards a trip without finalizing it
func (t *Tracker) Abandon(tripID string) error {
	t.mu.Lock()
	loop, ok := t.trips[tripID]
	if ok {
		delete(t.trips, tripID)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}

	loop.cancel()
	log.Debug().Str("trip_id", tripID).Msg("Trip abandoned")
	return nil
}

// Get returns an active trip by ID
func (t *Tracker) Get(tripID string) (Trip, error) {
	loop, err := t.lookup(tripID)
	if err != nil {
		return Trip{}, err
	}
	return loop.trip, nil
}

// Active returns all active trips ordered by start time
func (t *Tracker) Active() []Trip {
	t.mu.Lock()
	defer t.mu.Unlock()

	trips := make([]Trip, 0, len(t.trips))
	for _, loop := range t.trips {
		trips = append(trips, loop.trip)
	}
	sort.Slice(trips, func(i, j int) bool {
		return trips[i].StartTime.Before(trips[j].StartTime)
	})
	return trips
}

// Shutdown stops all trip goroutines. Active trips are discarded.
func (t *Tracker) Shutdown(timeout time.Duration) error {
	t.mu.Lock()
	t.closed = true
	t.trips = make(map[string]*tripLoop)
	t.mu.Unlock()

	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (t *Tracker) lookup(tripID string) (*tripLoop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}
	loop, ok := t.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}
	return loop, nil
}

// run is the only goroutine that touches loop.acc
func (t *Tracker) run(loop *tripLoop) {
	defer t.wg.Done()
	defer loop.cancel()

	for {
		select {
		case <-loop.ctx.Done():
			return
		case cmd := <-loop.cmds:
			if cmd.finish {
				cmd.reply <- reply{summary: loop.acc.Finalize(cmd.endTime)}
				return
			}

			var events []trip.Event
			for _, s := range cmd.samples {
				events = append(events, loop.acc.Update(s)...)
			}
			cmd.reply <- reply{events: events}
		}
	}
}

// send delivers cmd to the owning goroutine and waits for its reply. The
// caller's context only guards the enqueue: once the loop has the command
// it is applied, so the call waits for the outcome rather than report a
// failure for work that happened.
func (l *tripLoop) send(ctx context.Context, cmd command) (reply, error) {
	if err := ctx.Err(); err != nil {
		return reply{}, err
	}

	// Buffered so the loop never blocks on a reply.
	cmd.reply = make(chan reply, 1)

	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-l.ctx.Done():
		return reply{}, fmt.Errorf("%w: %s", ErrTripNotFound, l.trip.ID)
	}

	select {
	case r := <-cmd.reply:
		return r, nil
	case <-l.ctx.Done():
		// The loop may have replied just before exiting.
		select {
		case r := <-cmd.reply:
			return r, nil
		default:
		}
		return reply{}, fmt.Errorf("%w: %s", ErrTripNotFound, l.trip.ID)
	}
}

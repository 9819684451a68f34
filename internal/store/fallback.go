package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stuartshay/trip-scorer/internal/metrics"
)

// ErrRemoteUnavailable is returned when no remote store is configured
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// LocalStore holds trips that have not reached the remote store yet
type LocalStore interface {
	TripStore
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkSynced(ctx context.Context, tripID string) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Fallback writes to the remote store and keeps a local copy of every trip
// the remote rejected until Sync manages to deliver it.
type Fallback struct {
	remote    TripStore
	local     LocalStore
	retention time.Duration
}

// NewFallback creates a fallback store. remote may be nil, in which case
// every trip stays local until a remote is available.
func NewFallback(remote TripStore, local LocalStore) *Fallback {
	return &Fallback{remote: remote, local: local}
}

// WithRetention makes Run delete synced local trips older than d
func (f *Fallback) WithRetention(d time.Duration) *Fallback {
	f.retention = d
	return f
}

// SaveTrip persists rec remotely, or locally if the remote write fails.
// An error is only returned when both writes fail.
func (f *Fallback) SaveTrip(ctx context.Context, rec Record) error {
	err := f.saveRemote(ctx, rec)
	if err == nil {
		return nil
	}

	log.Warn().
		Err(err).
		Str("trip_id", rec.TripID).
		Msg("Remote trip write failed, keeping trip locally")

	rec.Synced = false
	if localErr := f.local.SaveTrip(ctx, rec); localErr != nil {
		return fmt.Errorf("failed to save trip %s: remote: %w, local: %v", rec.TripID, err, localErr)
	}
	metrics.StoreFallbackWritesTotal.Inc()

	return nil
}

// ListTrips returns remote trips merged with trips still pending locally.
// If the remote store fails, only local trips are returned.
func (f *Fallback) ListTrips(ctx context.Context, filter Filter) ([]Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	// Limit is applied after merging
	unlimited := filter
	unlimited.Limit = 0

	// Both stores are queried concurrently; only a local failure is fatal.
	var remote, local []Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = f.local.ListTrips(gctx, unlimited)
		if err != nil {
			return fmt.Errorf("failed to list local trips: %w", err)
		}
		return nil
	})
	if f.remote == nil {
		log.Debug().Msg("No remote store configured, listing local trips")
	} else {
		g.Go(func() error {
			var err error
			remote, err = f.remote.ListTrips(gctx, unlimited)
			if err != nil {
				log.Warn().Err(err).Msg("Remote trip listing failed, serving local trips")
				remote = nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := merge(remote, local)
	sortNewestFirst(merged)

	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// Stats aggregates the trips matching filter
func (f *Fallback) Stats(ctx context.Context, filter Filter) (Stats, error) {
	filter.Limit = 0
	records, err := f.ListTrips(ctx, filter)
	if err != nil {
		return Stats{}, err
	}
	return Aggregate(records), nil
}

// Sync pushes pending local trips to the remote store. It returns the
// number of trips delivered; trips that fail again stay pending.
func (f *Fallback) Sync(ctx context.Context, batch int) (int, error) {
	pending, err := f.local.Pending(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending trips: %w", err)
	}
	metrics.StorePendingTrips.Set(float64(len(pending)))

	synced := 0
	for _, rec := range pending {
		if err := f.saveRemote(ctx, rec); err != nil {
			return synced, fmt.Errorf("failed to sync trip %s: %w", rec.TripID, err)
		}
		if err := f.local.MarkSynced(ctx, rec.TripID); err != nil {
			return synced, fmt.Errorf("failed to mark trip %s synced: %w", rec.TripID, err)
		}
		synced++
		metrics.StoreSyncedTotal.Inc()
	}

	if synced > 0 {
		log.Info().Int("synced", synced).Msg("Pending trips synced to remote store")
	}
	return synced, nil
}

// Run syncs pending trips every interval until ctx is done
func (f *Fallback) Run(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Sync(ctx, batch); err != nil {
				log.Warn().Err(err).Msg("Trip sync incomplete")
			}
			f.prune(ctx)
		}
	}
}

func (f *Fallback) prune(ctx context.Context) {
	if f.retention <= 0 {
		return
	}
	n, err := f.local.Prune(ctx, time.Now().Add(-f.retention))
	if err != nil {
		log.Warn().Err(err).Msg("Local trip prune failed")
		return
	}
	if n > 0 {
		log.Debug().Int64("pruned", n).Msg("Pruned synced local trips")
	}
}

func (f *Fallback) saveRemote(ctx context.Context, rec Record) error {
	if f.remote == nil {
		return ErrRemoteUnavailable
	}
	rec.Synced = true
	return f.remote.SaveTrip(ctx, rec)
}

// merge combines remote and local records, dropping local copies of trips
// the remote already has.
func merge(remote, local []Record) []Record {
	seen := make(map[string]struct{}, len(remote))
	merged := make([]Record, 0, len(remote)+len(local))

	for _, r := range remote {
		r.Synced = true
		seen[r.TripID] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range local {
		if _, ok := seen[r.TripID]; ok {
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

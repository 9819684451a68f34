// Package metrics exposes Prometheus collectors for trip processing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Samples folded into trip accumulators
	SamplesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripscore_samples_processed_total",
		Help: "Total number of location samples applied to trip accumulators",
	})

	// Driving events by type
	DrivingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripscore_driving_events_total",
		Help: "Total number of driving events raised, by event type",
	}, []string{"type"})

	TripsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripscore_trips_started_total",
		Help: "Total number of trips started",
	})

	TripsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripscore_trips_finalized_total",
		Help: "Total number of trips finalized into a summary",
	})

	ActiveTrips = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tripscore_active_trips",
		Help: "Number of trips currently being tracked",
	})

	// Score distribution of finalized trips
	TripScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripscore_trip_score",
		Help:    "Safety score of finalized trips",
		Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 to 100
	})

	// Trips kept locally because the remote store failed
	StoreFallbackWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripscore_store_fallback_writes_total",
		Help: "Total number of trips written to the local store after a remote failure",
	})

	StoreSyncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripscore_store_synced_total",
		Help: "Total number of pending local trips delivered to the remote store",
	})

	StorePendingTrips = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tripscore_store_pending_trips",
		Help: "Pending local trips seen by the last sync pass",
	})

	NotifyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripscore_notify_errors_total",
		Help: "Total number of failed event notifications",
	})
)

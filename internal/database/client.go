// Package database provides the PostgreSQL client backing the remote trip
// store and the OwnTracks location history used to replay trips.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/stuartshay/trip-scorer/internal/store"
	"github.com/stuartshay/trip-scorer/internal/trip"
)

// Client wraps a PostgreSQL database connection
type Client struct {
	db *sql.DB
}

// Location represents a GPS location record from the database
type Location struct {
	ID        int64
	DeviceID  string
	TID       string
	Latitude  float64
	Longitude float64
	Accuracy  int
	Altitude  int
	// Velocity is reported by OwnTracks in km/h
	Velocity  int
	Battery   int
	Trigger   string
	Timestamp int64
	CreatedAt time.Time
}

// Sample converts the location into an aggregator sample
func (l Location) Sample() trip.Sample {
	ts := l.CreatedAt
	if l.Timestamp > 0 {
		ts = time.Unix(l.Timestamp, 0).UTC()
	}
	return trip.Sample{
		Timestamp: ts,
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		SpeedMPS:  float64(l.Velocity) / 3.6,
	}
}

const tripsSchema = `
CREATE TABLE IF NOT EXISTS public.trips (
	trip_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	duration_minutes DOUBLE PRECISION NOT NULL,
	distance_km DOUBLE PRECISION NOT NULL,
	max_speed_kmh INTEGER NOT NULL,
	avg_speed_kmh DOUBLE PRECISION NOT NULL,
	hard_brake_count INTEGER NOT NULL,
	hard_accel_count INTEGER NOT NULL,
	speeding_count INTEGER NOT NULL,
	sample_count INTEGER NOT NULL,
	score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 100),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS trips_device_start_idx ON public.trips (device_id, start_time DESC);
`

// NewClient creates a new database client with connection pooling
func NewClient(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (also failed to close: %w)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// InitSchema creates the trips table if it does not exist
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, tripsSchema); err != nil {
		return fmt.Errorf("failed to create trips schema: %w", err)
	}
	return nil
}

// SaveTrip inserts a finalized trip. Re-saving the same trip is a no-op so
// that retried syncs cannot duplicate it.
func (c *Client) SaveTrip(ctx context.Context, rec store.Record) error {
	if rec.TripID == "" {
		return errors.New("trip id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	sum := rec.Summary
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO public.trips (
			trip_id, device_id, start_time, end_time, duration_minutes,
			distance_km, max_speed_kmh, avg_speed_kmh, hard_brake_count,
			hard_accel_count, speeding_count, sample_count, score, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trip_id) DO NOTHING
	`,
		rec.TripID, rec.DeviceID, sum.StartTime, sum.EndTime, sum.DurationMinutes,
		sum.DistanceKM, sum.MaxSpeedKMH, sum.AvgSpeedKMH, sum.HardBrakeCount,
		sum.HardAccelCount, sum.SpeedingCount, sum.SampleCount, sum.Score, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trip failed: %w", err)
	}
	return nil
}

// ListTrips returns trips matching filter, newest first
func (c *Client) ListTrips(ctx context.Context, filter store.Filter) ([]store.Record, error) {
	query, args := buildListTripsQuery(filter)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var records []store.Record
	for rows.Next() {
		var rec store.Record
		var sum trip.Summary

		err := rows.Scan(
			&rec.TripID,
			&rec.DeviceID,
			&sum.StartTime,
			&sum.EndTime,
			&sum.DurationMinutes,
			&sum.DistanceKM,
			&sum.MaxSpeedKMH,
			&sum.AvgSpeedKMH,
			&sum.HardBrakeCount,
			&sum.HardAccelCount,
			&sum.SpeedingCount,
			&sum.SampleCount,
			&sum.Score,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		rec.Summary = sum
		rec.Synced = true
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return records, nil
}

func buildListTripsQuery(filter store.Filter) (string, []interface{}) {
	query := `
		SELECT
			trip_id, device_id, start_time, end_time, duration_minutes,
			distance_km, max_speed_kmh, avg_speed_kmh, hard_brake_count,
			hard_accel_count, speeding_count, sample_count, score, created_at
		FROM public.trips
		WHERE 1=1`

	var args []interface{}

	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if filter.Date != "" {
		args = append(args, filter.Date)
		query += fmt.Sprintf(" AND DATE(start_time AT TIME ZONE 'UTC') = $%d", len(args))
	}

	query += " ORDER BY start_time DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return query, args
}

// GetLocationsByDate retrieves GPS locations for a specific date
// Date should be in YYYY-MM-DD format
func (c *Client) GetLocationsByDate(ctx context.Context, date string, deviceID string) ([]Location, error) {
	query := `
		SELECT
			id, device_id, tid, latitude, longitude, accuracy,
			altitude, velocity, battery, trigger,
			EXTRACT(EPOCH FROM timestamp)::bigint AS timestamp, created_at
		FROM public.locations
		WHERE DATE(created_at) = $1
	`

	args := []interface{}{date}

	// Add device_id filter if specified
	if deviceID != "" {
		query += " AND device_id = $2"
		args = append(args, deviceID)
	}

	query += " ORDER BY timestamp ASC, created_at ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var locations []Location
	for rows.Next() {
		var loc Location
		var accuracy, altitude, velocity, battery, timestamp sql.NullInt64
		var trigger sql.NullString

		err := rows.Scan(
			&loc.ID,
			&loc.DeviceID,
			&loc.TID,
			&loc.Latitude,
			&loc.Longitude,
			&accuracy,
			&altitude,
			&velocity,
			&battery,
			&trigger,
			&timestamp,
			&loc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		// Convert NULL values to zero values
		if accuracy.Valid {
			loc.Accuracy = int(accuracy.Int64)
		}
		if altitude.Valid {
			loc.Altitude = int(altitude.Int64)
		}
		if velocity.Valid {
			loc.Velocity = int(velocity.Int64)
		}
		if battery.Valid {
			loc.Battery = int(battery.Int64)
		}
		if timestamp.Valid {
			loc.Timestamp = timestamp.Int64
		}
		if trigger.Valid {
			loc.Trigger = trigger.String
		}

		locations = append(locations, loc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return locations, nil
}

// GetDevices returns a list of unique device IDs from the database
func (c *Client) GetDevices(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT device_id
		FROM public.locations
		WHERE device_id IS NOT NULL
		ORDER BY device_id
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var devices []string
	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		devices = append(devices, deviceID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return devices, nil
}

// HealthCheck verifies database connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

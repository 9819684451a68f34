// Package localstore keeps finalized trips in an on-device SQLite database
// until they can be delivered to the remote trip store.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stuartshay/trip-scorer/internal/store"
	"github.com/stuartshay/trip-scorer/internal/trip"
)

// Store is a SQLite-backed store.LocalStore
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trips (
	trip_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	duration_minutes REAL NOT NULL,
	distance_km REAL NOT NULL,
	max_speed_kmh INTEGER NOT NULL,
	avg_speed_kmh REAL NOT NULL,
	hard_brake_count INTEGER NOT NULL,
	hard_accel_count INTEGER NOT NULL,
	speeding_count INTEGER NOT NULL,
	sample_count INTEGER NOT NULL,
	score INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS trips_pending ON trips (synced, created_at);
`

// Open opens (creating if needed) the database at path and applies the schema
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply local schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTrip stores rec. Saving a trip that already exists is a no-op.
func (s *Store) SaveTrip(ctx context.Context, rec store.Record) error {
	if rec.TripID == "" {
		return errors.New("trip id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	sum := rec.Summary
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trips (
			trip_id, device_id, start_time, end_time, duration_minutes,
			distance_km, max_speed_kmh, avg_speed_kmh, hard_brake_count,
			hard_accel_count, speeding_count, sample_count, score,
			created_at, synced
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trip_id) DO NOTHING
	`,
		rec.TripID, rec.DeviceID,
		sum.StartTime.UnixMilli(), sum.EndTime.UnixMilli(), sum.DurationMinutes,
		sum.DistanceKM, sum.MaxSpeedKMH, sum.AvgSpeedKMH, sum.HardBrakeCount,
		sum.HardAccelCount, sum.SpeedingCount, sum.SampleCount, sum.Score,
		rec.CreatedAt.UnixMilli(), boolToInt(rec.Synced),
	)
	if err != nil {
		return fmt.Errorf("insert trip failed: %w", err)
	}
	return nil
}

// ListTrips returns stored trips matching filter, newest first
func (s *Store) ListTrips(ctx context.Context, filter store.Filter) ([]store.Record, error) {
	query := `SELECT ` + columns + ` FROM trips WHERE 1=1`
	var args []interface{}

	if filter.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filter.DeviceID)
	}
	if filter.Date != "" {
		from, to, err := filter.DayBounds()
		if err != nil {
			return nil, err
		}
		query += " AND start_time >= ? AND start_time < ?"
		args = append(args, from.UnixMilli(), to.UnixMilli())
	}

	query += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.query(ctx, query, args...)
}

// Pending returns up to limit unsynced trips, oldest first
func (s *Store) Pending(ctx context.Context, limit int) ([]store.Record, error) {
	query := `SELECT ` + columns + ` FROM trips WHERE synced = 0 ORDER BY created_at ASC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// MarkSynced flags a trip as delivered to the remote store
func (s *Store) MarkSynced(ctx context.Context, tripID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trips SET synced = 1 WHERE trip_id = ?`, tripID)
	if err != nil {
		return fmt.Errorf("update trip failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trip failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("trip not found: %s", tripID)
	}
	return nil
}

// Prune deletes synced trips created before cutoff
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trips WHERE synced = 1 AND created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune failed: %w", err)
	}
	return res.RowsAffected()
}

const columns = `trip_id, device_id, start_time, end_time, duration_minutes,
	distance_km, max_speed_kmh, avg_speed_kmh, hard_brake_count,
	hard_accel_count, speeding_count, sample_count, score, created_at, synced`

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []store.Record
	for rows.Next() {
		var (
			rec                   store.Record
			sum                   trip.Summary
			start, end, createdAt int64
			synced                int
		)
		if err := rows.Scan(
			&rec.TripID, &rec.DeviceID, &start, &end, &sum.DurationMinutes,
			&sum.DistanceKM, &sum.MaxSpeedKMH, &sum.AvgSpeedKMH, &sum.HardBrakeCount,
			&sum.HardAccelCount, &sum.SpeedingCount, &sum.SampleCount, &sum.Score,
			&createdAt, &synced,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		sum.StartTime = time.UnixMilli(start).UTC()
		sum.EndTime = time.UnixMilli(end).UTC()
		rec.Summary = sum
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		rec.Synced = synced != 0
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

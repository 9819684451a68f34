package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stuartshay/trip-scorer/internal/trip"
)

var (
	showEvents bool
)

var scoreCmd = &cobra.Command{
	Use:   "score <samples.csv>",
	Short: "Score a recorded trip offline",
	Long: `Read a CSV of GPS samples with the header timestamp,lat,lon,speed_mps and
print the driving events and the trip summary as JSON. Timestamps are RFC3339
or Unix milliseconds; an empty speed is read as 0.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open samples: %w", err)
		}
		defer f.Close()

		samples, err := readSamples(f)
		if err != nil {
			return err
		}

		result := scoreSamples(samples)
		if !showEvents {
			result.Events = nil
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	scoreCmd.Flags().BoolVarP(&showEvents, "events", "e", true, "include driving events in the output")
}

type scoreResult struct {
	Events  []trip.Event `json:"events,omitempty"`
	Summary trip.Summary `json:"summary"`
}

// scoreSamples runs samples through a fresh accumulator spanning the
// first to the last sample timestamp
func scoreSamples(samples []trip.Sample) scoreResult {
	if len(samples) == 0 {
		now := time.Now().UTC()
		return scoreResult{Summary: trip.New(now).Finalize(now).Rounded()}
	}

	acc := trip.New(samples[0].Timestamp)
	var events []trip.Event
	for _, s := range samples {
		events = append(events, acc.Update(s)...)
	}
	summary := acc.Finalize(samples[len(samples)-1].Timestamp)

	log.Debug().
		Int("samples", len(samples)).
		Int("events", len(events)).
		Int("score", summary.Score).
		Msg("Trip scored")

	return scoreResult{Events: events, Summary: summary.Rounded()}
}

var sampleColumns = []string{"timestamp", "lat", "lon", "speed_mps"}

// readSamples parses the sample CSV. Columns are located by header name.
func readSamples(r io.Reader) ([]trip.Sample, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("samples file is empty")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range sampleColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var samples []trip.Sample
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		s, err := parseSample(row, index)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, s)
	}

	return samples, nil
}

func parseSample(row []string, index map[string]int) (trip.Sample, error) {
	ts, err := parseTimestamp(row[index["timestamp"]])
	if err != nil {
		return trip.Sample{}, err
	}
	lat, err := strconv.ParseFloat(row[index["lat"]], 64)
	if err != nil {
		return trip.Sample{}, fmt.Errorf("invalid lat: %w", err)
	}
	lon, err := strconv.ParseFloat(row[index["lon"]], 64)
	if err != nil {
		return trip.Sample{}, fmt.Errorf("invalid lon: %w", err)
	}

	var speed float64
	if raw := row[index["speed_mps"]]; raw != "" {
		speed, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return trip.Sample{}, fmt.Errorf("invalid speed_mps: %w", err)
		}
	}

	return trip.Sample{
		Timestamp: ts,
		Latitude:  lat,
		Longitude: lon,
		SpeedMPS:  speed,
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return ts.UTC(), nil
}

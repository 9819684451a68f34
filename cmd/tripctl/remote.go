package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcserver "github.com/stuartshay/trip-scorer/internal/grpc"
)

var (
	deviceID string
	date     string
	limit    int32
)

var tripsCmd = &cobra.Command{
	Use:   "trips",
	Short: "List stored trips, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) (interface{}, error) {
			return c.ListTrips(ctx, &grpcserver.ListTripsRequest{DeviceID: deviceID, Date: date, Limit: limit})
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate stored trips",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) (interface{}, error) {
			return c.GetStats(ctx, &grpcserver.GetStatsRequest{DeviceID: deviceID, Date: date})
		})
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices with recorded location history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) (interface{}, error) {
			return c.ListDevices(ctx, &grpcserver.ListDevicesRequest{})
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Score a device's recorded day as one trip",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) (interface{}, error) {
			return c.ReplayTrip(ctx, &grpcserver.ReplayTripRequest{DeviceID: deviceID, Date: date})
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{tripsCmd, statsCmd, replayCmd} {
		cmd.Flags().StringVarP(&deviceID, "device", "d", "", "device ID")
		cmd.Flags().StringVar(&date, "date", "", "day in YYYY-MM-DD (UTC)")
	}
	tripsCmd.Flags().Int32VarP(&limit, "limit", "n", 50, "maximum number of trips")

	_ = replayCmd.MarkFlagRequired("device")
	_ = replayCmd.MarkFlagRequired("date")
}

// withClient dials the service, runs call and prints its response as JSON
func withClient(cmd *cobra.Command, call func(context.Context, *grpcserver.Client) (interface{}, error)) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	resp, err := call(ctx, grpcserver.NewClient(conn))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

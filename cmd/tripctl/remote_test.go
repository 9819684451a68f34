package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	grpcserver "github.com/stuartshay/trip-scorer/internal/grpc"
)

type deviceServer struct {
	grpcserver.TripServiceServer
	devices []string
}

func (d *deviceServer) ListDevices(context.Context, *grpcserver.ListDevicesRequest) (*grpcserver.ListDevicesResponse, error) {
	return &grpcserver.ListDevicesResponse{Devices: d.devices}, nil
}

func TestDevicesCommand(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs := grpc.NewServer()
	grpcserver.RegisterTripServiceServer(gs, &deviceServer{devices: []string{"iphone", "pixel8"}})
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	prev := serverAddr
	serverAddr = lis.Addr().String()
	t.Cleanup(func() { serverAddr = prev })

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	require.NoError(t, devicesCmd.RunE(cmd, nil))

	var resp grpcserver.ListDevicesResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, []string{"iphone", "pixel8"}, resp.Devices)
}

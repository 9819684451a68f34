package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "tripscore.v1.TripService"

// TripServiceServer is the server API for the trip service
type TripServiceServer interface {
	StartTrip(context.Context, *StartTripRequest) (*StartTripResponse, error)
	RecordSamples(context.Context, *RecordSamplesRequest) (*RecordSamplesResponse, error)
	EndTrip(context.Context, *EndTripRequest) (*EndTripResponse, error)
	AbandonTrip(context.Context, *AbandonTripRequest) (*AbandonTripResponse, error)
	ListTrips(context.Context, *ListTripsRequest) (*ListTripsResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	ReplayTrip(context.Context, *ReplayTripRequest) (*ReplayTripResponse, error)
	GetJobStatus(context.Context, *GetJobStatusRequest) (*JobStatusResponse, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
}

// RegisterTripServiceServer registers srv on s
func RegisterTripServiceServer(s grpc.ServiceRegistrar, srv TripServiceServer) {
	s.RegisterService(&TripServiceDesc, srv)
}

// unaryHandler adapts a typed method into a grpc.MethodDesc handler. The
// request is decoded against the registered schema, so both the json
// subtype and the default binary proto codec reach the same method.
func unaryHandler[Req any, Resp any](name string, call func(TripServiceServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		md := methodDescriptor(name)

		wire := dynamicpb.NewMessage(md.Input())
		if err := dec(wire); err != nil {
			return nil, err
		}
		in := new(Req)
		if err := fromWire(wire, in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "malformed %s: %v", md.Input().Name(), err)
		}

		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			out, err := call(srv.(TripServiceServer), ctx, req.(*Req))
			if err != nil {
				return nil, err
			}
			reply, err := toWire(out, md.Output())
			if err != nil {
				return nil, status.Errorf(codes.Internal, "failed to encode %s: %v", md.Output().Name(), err)
			}
			return reply, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

// TripServiceDesc describes the trip service for grpc.Server registration
var TripServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TripServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartTrip", Handler: unaryHandler("StartTrip", TripServiceServer.StartTrip)},
		{MethodName: "RecordSamples", Handler: unaryHandler("RecordSamples", TripServiceServer.RecordSamples)},
		{MethodName: "EndTrip", Handler: unaryHandler("EndTrip", TripServiceServer.EndTrip)},
		{MethodName: "AbandonTrip", Handler: unaryHandler("AbandonTrip", TripServiceServer.AbandonTrip)},
		{MethodName: "ListTrips", Handler: unaryHandler("ListTrips", TripServiceServer.ListTrips)},
		{MethodName: "GetStats", Handler: unaryHandler("GetStats", TripServiceServer.GetStats)},
		{MethodName: "ListDevices", Handler: unaryHandler("ListDevices", TripServiceServer.ListDevices)},
		{MethodName: "ReplayTrip", Handler: unaryHandler("ReplayTrip", TripServiceServer.ReplayTrip)},
		{MethodName: "GetJobStatus", Handler: unaryHandler("GetJobStatus", TripServiceServer.GetJobStatus)},
		{MethodName: "ListJobs", Handler: unaryHandler("ListJobs", TripServiceServer.ListJobs)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: ProtoFile,
}

// Client calls the trip service over the json content subtype
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	md := methodDescriptor(method)

	req, err := toWire(in, md.Input())
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", md.Input().Name(), err)
	}
	reply := dynamicpb.NewMessage(md.Output())

	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply, opts...); err != nil {
		return nil, err
	}

	out := new(Resp)
	if err := fromWire(reply, out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", md.Output().Name(), err)
	}
	return out, nil
}

func (c *Client) StartTrip(ctx context.Context, in *StartTripRequest, opts ...grpc.CallOption) (*StartTripResponse, error) {
	return invoke[StartTripResponse](ctx, c.cc, "StartTrip", in, opts)
}

func (c *Client) RecordSamples(ctx context.Context, in *RecordSamplesRequest, opts ...grpc.CallOption) (*RecordSamplesResponse, error) {
	return invoke[RecordSamplesResponse](ctx, c.cc, "RecordSamples", in, opts)
}

func (c *Client) EndTrip(ctx context.Context, in *EndTripRequest, opts ...grpc.CallOption) (*EndTripResponse, error) {
	return invoke[EndTripResponse](ctx, c.cc, "EndTrip", in, opts)
}

func (c *Client) AbandonTrip(ctx context.Context, in *AbandonTripRequest, opts ...grpc.CallOption) (*AbandonTripResponse, error) {
	return invoke[AbandonTripResponse](ctx, c.cc, "AbandonTrip", in, opts)
}

func (c *Client) ListTrips(ctx context.Context, in *ListTripsRequest, opts ...grpc.CallOption) (*ListTripsResponse, error) {
	return invoke[ListTripsResponse](ctx, c.cc, "ListTrips", in, opts)
}

func (c *Client) GetStats(ctx context.Context, in *GetStatsRequest, opts ...grpc.CallOption) (*GetStatsResponse, error) {
	return invoke[GetStatsResponse](ctx, c.cc, "GetStats", in, opts)
}

func (c *Client) ListDevices(ctx context.Context, in *ListDevicesRequest, opts ...grpc.CallOption) (*ListDevicesResponse, error) {
	return invoke[ListDevicesResponse](ctx, c.cc, "ListDevices", in, opts)
}

func (c *Client) ReplayTrip(ctx context.Context, in *ReplayTripRequest, opts ...grpc.CallOption) (*ReplayTripResponse, error) {
	return invoke[ReplayTripResponse](ctx, c.cc, "ReplayTrip", in, opts)
}

func (c *Client) GetJobStatus(ctx context.Context, in *GetJobStatusRequest, opts ...grpc.CallOption) (*JobStatusResponse, error) {
	return invoke[JobStatusResponse](ctx, c.cc, "GetJobStatus", in, opts)
}

func (c *Client) ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error) {
	return invoke[ListJobsResponse](ctx, c.cc, "ListJobs", in, opts)
}

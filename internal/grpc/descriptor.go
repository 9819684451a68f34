package grpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ProtoFile is the registered path of the trip service schema
	ProtoFile    = "tripscore/v1/trip_service.proto"
	protoPackage = "tripscore.v1"

	timestampType   = ".google.protobuf.Timestamp"
	doubleValueType = ".google.protobuf.DoubleValue"
)

type fieldSpec struct {
	name     string
	kind     descriptorpb.FieldDescriptorProto_Type
	message  string
	repeated bool
}

func str(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_STRING}
}

func dbl(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_DOUBLE}
}

func i32(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_INT32}
}

func i64(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_INT64}
}

func boolean(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_BOOL}
}

func msg(name, typeName string) fieldSpec {
	if typeName[0] != '.' {
		typeName = "." + protoPackage + "." + typeName
	}
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, message: typeName}
}

func list(f fieldSpec) fieldSpec {
	f.repeated = true
	return f
}

// Field names match the json tags of the Go types in types.go; numbers
// follow declaration order.
var messageSpecs = []struct {
	name   string
	fields []fieldSpec
}{
	{"Sample", []fieldSpec{msg("timestamp", timestampType), dbl("latitude"), dbl("longitude"), msg("speed_mps", doubleValueType)}},
	{"Event", []fieldSpec{str("type"), msg("timestamp", timestampType), i32("speed_kmh"), i32("previous_speed_kmh")}},
	{"TripSummary", []fieldSpec{
		msg("start_time", timestampType), msg("end_time", timestampType),
		dbl("duration_minutes"), dbl("distance_km"), i32("max_speed_kmh"), dbl("avg_speed_kmh"),
		i32("hard_brake_count"), i32("hard_accel_count"), i32("speeding_count"),
		i32("sample_count"), i32("score"),
	}},
	{"StartTripRequest", []fieldSpec{str("device_id"), msg("start_time", timestampType)}},
	{"StartTripResponse", []fieldSpec{str("trip_id"), str("device_id"), msg("start_time", timestampType)}},
	{"RecordSamplesRequest", []fieldSpec{str("trip_id"), list(msg("samples", "Sample"))}},
	{"RecordSamplesResponse", []fieldSpec{str("trip_id"), i32("accepted"), list(msg("events", "Event"))}},
	{"EndTripRequest", []fieldSpec{str("trip_id"), msg("end_time", timestampType)}},
	{"EndTripResponse", []fieldSpec{str("trip_id"), str("device_id"), msg("summary", "TripSummary"), boolean("stored")}},
	{"AbandonTripRequest", []fieldSpec{str("trip_id")}},
	{"AbandonTripResponse", []fieldSpec{str("trip_id")}},
	{"ListTripsRequest", []fieldSpec{str("device_id"), str("date"), i32("limit")}},
	{"TripRecord", []fieldSpec{str("trip_id"), str("device_id"), msg("summary", "TripSummary"), msg("created_at", timestampType), boolean("synced")}},
	{"ListTripsResponse", []fieldSpec{list(msg("trips", "TripRecord"))}},
	{"GetStatsRequest", []fieldSpec{str("device_id"), str("date")}},
	{"GetStatsResponse", []fieldSpec{
		i32("trip_count"), dbl("total_distance_km"), dbl("total_duration_minutes"), dbl("average_score"),
		i32("hard_brake_count"), i32("hard_accel_count"), i32("speeding_count"),
	}},
	{"ListDevicesRequest", nil},
	{"ListDevicesResponse", []fieldSpec{list(str("devices"))}},
	{"ReplayTripRequest", []fieldSpec{str("device_id"), str("date")}},
	{"ReplayTripResponse", []fieldSpec{str("job_id"), str("status"), msg("queued_at", timestampType)}},
	{"GetJobStatusRequest", []fieldSpec{str("job_id")}},
	{"JobResult", []fieldSpec{str("trip_id"), msg("summary", "TripSummary"), i32("events"), i64("processing_time_ms")}},
	{"JobStatusResponse", []fieldSpec{
		str("job_id"), str("status"), str("date"), str("device_id"),
		msg("queued_at", timestampType), msg("started_at", timestampType), msg("completed_at", timestampType),
		str("error_message"), msg("result", "JobResult"),
	}},
	{"ListJobsRequest", []fieldSpec{str("status"), i32("limit"), i32("offset")}},
	{"ListJobsResponse", []fieldSpec{list(msg("jobs", "JobStatusResponse")), i32("limit"), i32("offset"), i32("total_count")}},
}

var methodSpecs = []struct {
	name, input, output string
}{
	{"StartTrip", "StartTripRequest", "StartTripResponse"},
	{"RecordSamples", "RecordSamplesRequest", "RecordSamplesResponse"},
	{"EndTrip", "EndTripRequest", "EndTripResponse"},
	{"AbandonTrip", "AbandonTripRequest", "AbandonTripResponse"},
	{"ListTrips", "ListTripsRequest", "ListTripsResponse"},
	{"GetStats", "GetStatsRequest", "GetStatsResponse"},
	{"ListDevices", "ListDevicesRequest", "ListDevicesResponse"},
	{"ReplayTrip", "ReplayTripRequest", "ReplayTripResponse"},
	{"GetJobStatus", "GetJobStatusRequest", "JobStatusResponse"},
	{"ListJobs", "ListJobsRequest", "ListJobsResponse"},
}

// tripServiceFile is the schema of the trip service, registered with the
// global registry so server reflection can describe it
var tripServiceFile = registerTripServiceFile()

func buildTripServiceFile() *descriptorpb.FileDescriptorProto {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(ProtoFile),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			"google/protobuf/timestamp.proto",
			"google/protobuf/wrappers.proto",
		},
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/stuartshay/trip-scorer/internal/grpc"),
		},
	}

	for _, m := range messageSpecs {
		dp := &descriptorpb.DescriptorProto{Name: proto.String(m.name)}
		for i, f := range m.fields {
			label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
			if f.repeated {
				label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
			}
			field := &descriptorpb.FieldDescriptorProto{
				Name:   proto.String(f.name),
				Number: proto.Int32(int32(i + 1)),
				Label:  label.Enum(),
				Type:   f.kind.Enum(),
			}
			if f.message != "" {
				field.TypeName = proto.String(f.message)
			}
			dp.Field = append(dp.Field, field)
		}
		fdp.MessageType = append(fdp.MessageType, dp)
	}

	svc := &descriptorpb.ServiceDescriptorProto{Name: proto.String("TripService")}
	for _, m := range methodSpecs {
		svc.Method = append(svc.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.name),
			InputType:  proto.String("." + protoPackage + "." + m.input),
			OutputType: proto.String("." + protoPackage + "." + m.output),
		})
	}
	fdp.Service = []*descriptorpb.ServiceDescriptorProto{svc}

	return fdp
}

func registerTripServiceFile() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(buildTripServiceFile(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", ProtoFile, err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("failed to register %s: %v", ProtoFile, err))
	}
	return fd
}

// methodDescriptor returns the schema of a TripService method
func methodDescriptor(name string) protoreflect.MethodDescriptor {
	md := tripServiceFile.Services().ByName("TripService").Methods().ByName(protoreflect.Name(name))
	if md == nil {
		panic("unknown TripService method " + name)
	}
	return md
}

package grpc

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The Go request and response types share their JSON shape with the
// canonical JSON mapping of the registered schema, so converting between
// the two goes through that mapping.

// fromWire copies a wire message into its Go type
func fromWire(m proto.Message, v interface{}) error {
	data, err := wireMarshal.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toWire builds a wire message of type md from its Go type. Unknown fields
// are rejected so a Go field missing from the schema is an error, not a
// silently dropped value.
func toWire(v interface{}, md protoreflect.MessageDescriptor) (*dynamicpb.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := dynamicpb.NewMessage(md)
	if err := protojson.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

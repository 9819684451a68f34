package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content subtype of the trip service ("application/grpc+json")
const CodecName = "json"

var (
	wireMarshal   = protojson.MarshalOptions{UseProtoNames: true}
	wireUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}
)

// jsonCodec carries protobuf messages in their canonical JSON mapping.
// Clients that omit the subtype get the default binary proto codec over
// the same messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("json codec: %T is not a proto.Message", v)
	}
	return wireMarshal.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("json codec: %T is not a proto.Message", v)
	}
	return wireUnmarshal.Unmarshal(data, m)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

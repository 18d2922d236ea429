package api

import (
	"bytes"
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content subtype for JSON messages.
// Clients select it with grpc.CallContentSubtype(CodecName). Servers built
// with grpc.ForceServerCodec(Codec()) also accept calls without a subtype.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec returns the JSON codec for use with grpc.ForceServerCodec.
func Codec() encoding.Codec {
	return jsonCodec{}
}

// jsonCodec carries plain Go structs over gRPC as JSON. Numbers inside
// snapshots decode as json.Number so decimal inputs keep their precision.
// Protobuf messages, such as health checks on a forced-codec server, keep
// their wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (jsonCodec) Name() string {
	return CodecName
}

package hub

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype of Hub calls. Requests and responses
// are the Hub's JSON message forms, carried over a regular gRPC transport.
// A Hub that only accepts application/grpc+proto rejects these calls; serving
// one needs a protobuf Client implementation in place of GRPCClient.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

package ingestpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype; both client and server
// must set it (WithDefaultCallOptions(grpc.CallContentSubtype(codecName))
// on the client, grpc.Server default codec lookup on the server) for calls
// to use it. See the package doc for why this repo uses a JSON codec
// instead of the protobuf wire format.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

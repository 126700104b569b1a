package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype clients must request, e.g. with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// jsonCodec carries the plain Go request and response structs of this
// package over grpc.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

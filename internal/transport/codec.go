package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype replica requests are sent with.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec encodes messages as JSON. Replica requests are plain Go structs
// and are not generated from protobuf definitions.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

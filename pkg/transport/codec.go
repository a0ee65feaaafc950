package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the registered codec name; clients must pass it via
// grpc.CallContentSubtype.
const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals frames as JSON. The protocol leaves byte-level
// serialization to the transport, so the codec never sees protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return Name }

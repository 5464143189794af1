package protocol

import "encoding/json"

// Serializer defines the contract for serializing and deserializing payloads.
// The checkpoint pipeline and feed fixtures use it so teams can swap the format
// (JSON, Protobuf, SBE, etc.) without touching the replay core.
type Serializer interface {
	// Marshal serializes a Go struct into bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into a Go struct.
	// v must be a pointer to the target struct.
	Unmarshal(data []byte, v any) error
}

// DefaultJSONSerializer is the stdlib JSON implementation of Serializer.
type DefaultJSONSerializer struct{}

func (s *DefaultJSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s *DefaultJSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

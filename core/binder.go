package core

import (
	"fmt"

	json "github.com/bytedance/sonic"
)

// Binder deserializes raw message bytes into a Go value.
// Implement this interface for custom serialization formats (Protobuf, Avro, etc.).
type Binder interface {
	Bind(data []byte, v any) error
}

// JSONBinder deserializes JSON message bodies.
type JSONBinder struct{}

func (JSONBinder) Bind(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}

// encodeBody serializes a message body as a JSON object.
func encodeBody(body map[string]any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

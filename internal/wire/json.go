package wire

import (
	"encoding/json"
	"fmt"
)

// JSONCodec encodes frames as JSON text messages. Operation payloads are
// written canonically.
type JSONCodec struct{}

// Encode marshals the frame.
func (JSONCodec) Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates a frame.
func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, malformed(err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, malformed(err)
	}
	return f, nil
}

// Binary reports false: JSON frames travel as text messages.
func (JSONCodec) Binary() bool { return false }

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

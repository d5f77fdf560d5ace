package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType marks a frame without a "type" discriminator.
var ErrMissingType = errors.New("frame missing type discriminator")

// PeekType extracts the frame discriminator without decoding the body.
// Unknown fields in the payload are ignored throughout, so clients may send
// newer frames to older servers.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// Decode unmarshals a frame body into the concrete frame type.
func Decode[T any](data []byte) (T, error) {
	var frame T
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

// Encode serializes an outbound frame.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

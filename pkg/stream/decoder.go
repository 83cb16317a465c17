package stream

import (
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-streambatch/pkg/types"
)

// Decoder turns a raw frame into a message. A returned error drops the frame.
type Decoder[T any] func(frame types.Frame) (T, error)

// JSONDecoder unmarshals each frame's payload into a T.
func JSONDecoder[T any]() Decoder[T] {
	return func(frame types.Frame) (T, error) {
		var v T
		if err := json.Unmarshal(frame.Payload, &v); err != nil {
			return v, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		return v, nil
	}
}

// MessageDecoder decodes a JSON object payload into a types.Message, carrying
// the frame's identity along with it.
func MessageDecoder() Decoder[types.Message] {
	return func(frame types.Frame) (types.Message, error) {
		var body map[string]interface{}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			return types.Message{}, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		if body == nil {
			return types.Message{}, fmt.Errorf("payload is not a JSON object")
		}
		return types.Message{
			ID:         frame.ID,
			Source:     frame.Source,
			ReceivedAt: frame.ReceivedAt,
			Body:       body,
		}, nil
	}
}

package types

import (
	"time"
)

// Frame is one unit of raw data as it was received from a transport, before
// any decoding has happened.
type Frame struct {
	// ID is the identifier the source broker gave the frame, if it has one.
	ID string
	// Source names where the frame came from: an MQTT topic, a Redis channel,
	// a Kafka topic or the WebSocket path.
	Source string
	// Payload is the raw byte content of the frame. Transports copy it out of
	// their own buffers so it is safe to retain.
	Payload []byte
	// Attributes carries broker metadata (Pub/Sub attributes, Kafka headers).
	Attributes map[string]string
	// ReceivedAt is when the transport handed the frame over.
	ReceivedAt time.Time
}

package loadgen

import (
	"context"
)

// PayloadGenerator creates the payload for the next message of a source.
type PayloadGenerator interface {
	GeneratePayload(source *Source) ([]byte, error)
}

// Client publishes generated payloads to one kind of broker.
type Client interface {
	Connect() error
	Disconnect()
	// Publish generates the source's next payload and sends it.
	Publish(ctx context.Context, source *Source) error
}

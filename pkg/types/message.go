package types

import (
	"time"
)

// Message is the default structured value produced from a Frame. Its Body
// is opaque to the pipeline; only arrival order matters.
type Message struct {
	ID         string                 `json:"id,omitempty"`
	Source     string                 `json:"source"`
	ReceivedAt time.Time              `json:"received_at"`
	Body       map[string]interface{} `json:"body"`
}

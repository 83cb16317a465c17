package loadgen

import (
	"encoding/json"
	"sync"
	"time"
)

// SequencePayload is the message produced by SequenceGenerator.
type SequencePayload struct {
	Source    string    `json:"source"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"ts"`
}

// SequenceGenerator numbers each source's messages from zero so receivers
// can check for loss, duplication and ordering.
type SequenceGenerator struct {
	mu   sync.Mutex
	next map[string]int
}

func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{next: make(map[string]int)}
}

func (g *SequenceGenerator) GeneratePayload(source *Source) ([]byte, error) {
	g.mu.Lock()
	seq := g.next[source.ID]
	g.next[source.ID] = seq + 1
	g.mu.Unlock()
	return json.Marshal(SequencePayload{Source: source.ID, Seq: seq, Timestamp: time.Now().UTC()})
}

package stream

import (
	"github.com/illmade-knight/go-streambatch/pkg/metrics"
	"github.com/illmade-knight/go-streambatch/pkg/transport"
)

// StateHandler is told about every connection state transition. err is set
// only on a transition to StateClosed caused by a failure.
type StateHandler func(state State, err error)

// Option configures an Adapter.
type Option func(*options)

type options struct {
	registry *transport.Registry
	onState  StateHandler
	metrics  *metrics.Metrics
}

// WithRegistry selects the transports the adapter can dial. The default is
// transport.NewRegistry().
func WithRegistry(r *transport.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithStateHandler registers a handler for connection state transitions. The
// handler must not call Activate or Deactivate.
func WithStateHandler(h StateHandler) Option {
	return func(o *options) { o.onState = h }
}

// WithMetrics records frame and connection counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

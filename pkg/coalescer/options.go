package coalescer

import (
	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-streambatch/pkg/metrics"
	"github.com/illmade-knight/go-streambatch/pkg/stream"
	"github.com/illmade-knight/go-streambatch/pkg/transport"
)

const defaultErrorChanCapacity = 10

// Option configures a Coalescer.
type Option func(*options)

type options struct {
	clock      clock.Clock
	registry   *transport.Registry
	metrics    *metrics.Metrics
	onState    stream.StateHandler
	errChanCap int
}

// WithClock sets the clock driving the flush ticker.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegistry selects the transports the underlying adapter can dial.
func WithRegistry(r *transport.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithMetrics records adapter and coalescer metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStateHandler observes the connection state transitions of the
// underlying adapter.
func WithStateHandler(h stream.StateHandler) Option {
	return func(o *options) { o.onState = h }
}

// WithErrorChanCapacity sizes the channel returned by Err.
func WithErrorChanCapacity(n int) Option {
	return func(o *options) { o.errChanCap = n }
}

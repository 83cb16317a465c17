package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-streambatch/pkg/metrics"
	"github.com/illmade-knight/go-streambatch/pkg/transport"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of an adapter's connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MessageHandler receives decoded messages one at a time, in arrival order.
type MessageHandler[T any] func(msg T)

// closedChan is returned by Done when there is no connection.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Adapter owns at most one live connection to a streaming endpoint. It
// decodes inbound frames and hands each message to the registered handler.
// It never reconnects on its own.
type Adapter[T any] struct {
	decoder  Decoder[T]
	registry *transport.Registry
	onState  StateHandler
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// mu serializes Activate and Deactivate.
	mu      sync.Mutex
	current atomic.Pointer[connection[T]]
}

// NewAdapter creates an inactive adapter.
func NewAdapter[T any](decoder Decoder[T], logger zerolog.Logger, opts ...Option) *Adapter[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = transport.NewRegistry()
	}
	return &Adapter[T]{
		decoder:  decoder,
		registry: o.registry,
		onState:  o.onState,
		metrics:  o.metrics,
		logger:   logger.With().Str("component", "StreamAdapter").Logger(),
	}
}

// Activate connects to address and starts delivering decoded messages to
// onMessage. Any existing connection is torn down first, so every call
// re-establishes the connection. A failure to connect is returned as a
// *ConnectionError and is also reported to the state handler as a transition
// to StateClosed.
func (a *Adapter[T]) Activate(ctx context.Context, address string, onMessage MessageHandler[T]) error {
	if onMessage == nil {
		return ErrNilHandler
	}
	if a.decoder == nil {
		return fmt.Errorf("adapter has no decoder")
	}
	addr, err := transport.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !a.registry.Supports(addr.Scheme) {
		return fmt.Errorf("%w: %v %q", ErrInvalidAddress, transport.ErrUnsupportedScheme, addr.Scheme)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev := a.current.Load(); prev != nil {
		a.logger.Debug().Str("session_id", prev.id).Msg("Re-activating, tearing down current connection.")
		prev.close()
	}

	c := &connection[T]{
		id:        uuid.NewString(),
		address:   address,
		decoder:   a.decoder,
		onMessage: onMessage,
		onState:   a.onState,
		metrics:   a.metrics,
		done:      make(chan struct{}),
	}
	c.logger = a.logger.With().Str("session_id", c.id).Str("address", address).Logger()

	tr, err := a.registry.New(addr, c.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	c.transport = tr
	a.current.Store(c)

	c.transition(StateConnecting, nil)
	if err := tr.Connect(ctx, c.deliver); err != nil {
		connErr := &ConnectionError{Address: address, Err: err}
		c.logger.Error().Err(err).Msg("Failed to establish connection.")
		_ = tr.Close()
		c.terminate(connErr)
		return connErr
	}
	c.transition(StateOpen, nil)
	a.metrics.ConnectionOpened()
	c.logger.Info().Msg("Connection open.")

	go c.watch()
	return nil
}

// Deactivate closes the current connection and waits for any in-flight
// message delivery to finish. It is safe to call repeatedly and before any
// activation. It must not be called from inside the message handler.
func (a *Adapter[T]) Deactivate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.current.Load(); c != nil {
		c.close()
	}
}

// State returns the state of the current connection.
func (a *Adapter[T]) State() State {
	if c := a.current.Load(); c != nil {
		return c.State()
	}
	return StateClosed
}

// Done is closed when the current connection reaches StateClosed. With no
// connection it returns an already closed channel.
func (a *Adapter[T]) Done() <-chan struct{} {
	if c := a.current.Load(); c != nil {
		return c.done
	}
	return closedChan
}

// Err reports why the current connection closed. It is nil while the
// connection is live and after an orderly close.
func (a *Adapter[T]) Err() error {
	if c := a.current.Load(); c != nil {
		return c.Err()
	}
	return nil
}

// connection is a single activation of an Adapter.
type connection[T any] struct {
	id        string
	address   string
	transport transport.Transport
	decoder   Decoder[T]
	onMessage MessageHandler[T]
	onState   StateHandler
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// stateMu orders transitions so the state handler sees them in the
	// order they were stored.
	stateMu sync.Mutex
	state   atomic.Int32

	// deliverMu serializes delivery; closed is set under it so that no
	// message is handed over once the connection has terminated.
	deliverMu sync.Mutex
	closed    bool

	termOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

func (c *connection[T]) State() State { return State(c.state.Load()) }

func (c *connection[T]) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *connection[T]) transition(s State, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.setState(s, err)
}

func (c *connection[T]) setState(s State, err error) {
	c.state.Store(int32(s))
	if c.onState != nil {
		c.onState(s, err)
	}
}

// deliver is the FrameHandler given to the transport.
func (c *connection[T]) deliver(frame types.Frame) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.closed {
		return
	}
	c.metrics.FrameReceived()

	msg, err := c.decoder(frame)
	if err != nil {
		decodeErr := &DecodeError{FrameID: frame.ID, Source: frame.Source, Err: err}
		c.metrics.DecodeFailed()
		c.logger.Warn().Err(decodeErr).Msg("Dropping malformed frame.")
		return
	}
	c.onMessage(msg)
	c.metrics.MessageDelivered()
}

// watch turns a transport termination into a Closed transition.
func (c *connection[T]) watch() {
	select {
	case <-c.transport.Done():
		if err := c.transport.Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Connection lost.")
			c.terminate(&ConnectionError{Address: c.address, Err: err})
			return
		}
		c.terminate(nil)
	case <-c.done:
	}
}

// close performs a local close: Closing, transport teardown, then Closed.
func (c *connection[T]) close() {
	if !c.beginClose() {
		return
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error while closing transport.")
	}
	c.terminate(nil)
}

// beginClose moves an active connection to StateClosing. It reports false
// if the connection is already closing or closed.
func (c *connection[T]) beginClose() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if st := c.State(); st == StateClosed || st == StateClosing {
		return false
	}
	c.setState(StateClosing, nil)
	return true
}

// terminate moves the connection to StateClosed exactly once, after any
// in-flight delivery has returned.
func (c *connection[T]) terminate(err error) {
	c.termOnce.Do(func() {
		c.deliverMu.Lock()
		c.closed = true
		c.deliverMu.Unlock()

		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.metrics.ConnectionClosed(err)
		c.transition(StateClosed, err)
		close(c.done)
		c.logger.Info().Err(err).Msg("Connection closed.")
	})
}

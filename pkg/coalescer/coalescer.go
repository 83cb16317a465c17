// Package coalescer groups a high-rate message stream into ordered batches
// delivered on a fixed period.
package coalescer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-streambatch/pkg/metrics"
	"github.com/illmade-knight/go-streambatch/pkg/stream"
	"github.com/rs/zerolog"
)

// BatchHandler receives each non-empty batch in arrival order. The slice is
// owned by the handler once delivered.
type BatchHandler[T any] func(ctx context.Context, batch []T) error

// Stats are cumulative counters for a Coalescer.
type Stats struct {
	// Ticks counts completed ticker flushes, including ones with nothing to deliver.
	Ticks uint64
	// Batches counts batches handed to the handler.
	Batches uint64
	// Messages counts messages handed to the handler.
	Messages uint64
	// Pending is the number of messages waiting for the next flush.
	Pending int
}

// Coalescer buffers messages from a stream adapter and flushes them as one
// batch per tick. It is Idle until Start and returns to Idle on Stop.
type Coalescer[T any] struct {
	adapter *stream.Adapter[T]
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
	errChan chan error

	// mu serializes Start, Stop, Restart and Reconnect.
	mu      sync.Mutex
	current atomic.Pointer[session[T]]

	ticks    atomic.Uint64
	batches  atomic.Uint64
	messages atomic.Uint64
}

// session is the state of one Start..Stop span.
type session[T any] struct {
	cfg     Config
	onBatch BatchHandler[T]
	buf     buffer[T]
	ticker  *clock.Ticker
	full    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an idle Coalescer whose adapter decodes frames with decoder.
func New[T any](decoder stream.Decoder[T], logger zerolog.Logger, opts ...Option) *Coalescer[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	adapterLogger := logger
	logger = logger.With().Str("component", "Coalescer").Logger()
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.errChanCap <= 0 {
		if o.errChanCap < 0 {
			logger.Warn().Int("provided_capacity", o.errChanCap).Msg("Error channel capacity must not be negative, defaulting to 10.")
		}
		o.errChanCap = defaultErrorChanCapacity
	}

	adapterOpts := []stream.Option{stream.WithMetrics(o.metrics)}
	if o.registry != nil {
		adapterOpts = append(adapterOpts, stream.WithRegistry(o.registry))
	}
	if o.onState != nil {
		adapterOpts = append(adapterOpts, stream.WithStateHandler(o.onState))
	}

	return &Coalescer[T]{
		adapter: stream.NewAdapter(decoder, adapterLogger, adapterOpts...),
		clock:   o.clock,
		metrics: o.metrics,
		logger:  logger,
		errChan: make(chan error, o.errChanCap),
	}
}

// Start connects to cfg.Address and begins flushing every cfg.Interval. If
// the connection cannot be established the Coalescer stays Idle and the
// *stream.ConnectionError is returned.
func (c *Coalescer[T]) Start(ctx context.Context, cfg Config, onBatch BatchHandler[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, cfg, onBatch)
}

func (c *Coalescer[T]) startLocked(ctx context.Context, cfg Config, onBatch BatchHandler[T]) error {
	if c.current.Load() != nil {
		return ErrAlreadyRunning
	}
	if onBatch == nil {
		return ErrNilHandler
	}
	if cfg.Interval == 0 {
		c.logger.Warn().Dur("default_interval", DefaultInterval).Msg("Interval not set, using default.")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s := &session[T]{
		cfg:     cfg,
		onBatch: onBatch,
		full:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	s.buf.observe = c.metrics.SetPending
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := c.adapter.Activate(ctx, cfg.Address, c.appender(s)); err != nil {
		s.cancel()
		return err
	}

	s.ticker = c.clock.Ticker(cfg.Interval)
	c.current.Store(s)
	s.wg.Add(1)
	go c.run(s)

	c.logger.Info().
		Str("address", cfg.Address).
		Dur("interval", cfg.Interval).
		Int("max_batch_size", cfg.MaxBatchSize).
		Msg("Coalescer started.")
	return nil
}

// Stop cancels the ticker, deactivates the adapter, waits for an in-flight
// flush and then delivers anything still buffered as a final batch. It is
// safe to call repeatedly. It must not be called from inside the batch
// handler.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Coalescer[T]) stopLocked() {
	s := c.current.Load()
	if s == nil {
		c.logger.Debug().Msg("Stop called on idle coalescer.")
		return
	}
	c.logger.Info().Msg("Stopping coalescer...")

	s.ticker.Stop()
	c.adapter.Deactivate()
	close(s.stop)
	s.wg.Wait()

	if remaining := s.buf.detach(); len(remaining) > 0 {
		c.logger.Info().Int("batch_size", len(remaining)).Msg("Flushing remaining messages on stop.")
		c.deliver(s, remaining)
	}
	s.cancel()
	c.current.Store(nil)
	c.logger.Info().Msg("Coalescer stopped.")
}

// Restart applies a new configuration or handler. A nil onBatch keeps the
// current handler, and with an unchanged cfg the call does nothing.
// Otherwise it is Stop followed by Start.
func (c *Coalescer[T]) Restart(ctx context.Context, cfg Config, onBatch BatchHandler[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current.Load()
	if onBatch == nil {
		if s == nil {
			return ErrNilHandler
		}
		if cfg.withDefaults() == s.cfg {
			c.logger.Debug().Msg("Restart with unchanged config and handler, nothing to do.")
			return nil
		}
		onBatch = s.onBatch
	}
	c.stopLocked()
	return c.startLocked(ctx, cfg, onBatch)
}

// Reconnect re-activates the adapter for the running session after the
// connection closed. Buffer, ticker and handler are kept. With a live
// connection it does nothing.
func (c *Coalescer[T]) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current.Load()
	if s == nil {
		return ErrNotRunning
	}
	select {
	case <-c.adapter.Done():
	default:
		c.logger.Debug().Msg("Connection is live, nothing to reconnect.")
		return nil
	}
	c.logger.Info().Str("address", s.cfg.Address).Msg("Reconnecting.")
	return c.adapter.Activate(ctx, s.cfg.Address, c.appender(s))
}

// Disconnected is closed when the current connection reaches the Closed state.
func (c *Coalescer[T]) Disconnected() <-chan struct{} {
	return c.adapter.Done()
}

// ConnectionErr reports why the current connection closed, if it failed.
func (c *Coalescer[T]) ConnectionErr() error {
	return c.adapter.Err()
}

// Err carries a *ConsumerError for every failed batch delivery. Errors are
// dropped with a warning when nobody drains the channel.
func (c *Coalescer[T]) Err() <-chan error {
	return c.errChan
}

// Running reports whether the Coalescer is between Start and Stop.
func (c *Coalescer[T]) Running() bool {
	return c.current.Load() != nil
}

func (c *Coalescer[T]) Stats() Stats {
	st := Stats{
		Ticks:    c.ticks.Load(),
		Batches:  c.batches.Load(),
		Messages: c.messages.Load(),
	}
	if s := c.current.Load(); s != nil {
		st.Pending = s.buf.len()
	}
	return st
}

func (c *Coalescer[T]) appender(s *session[T]) stream.MessageHandler[T] {
	return func(msg T) {
		n := s.buf.append(msg)
		if s.cfg.MaxBatchSize > 0 && n >= s.cfg.MaxBatchSize {
			select {
			case s.full <- struct{}{}:
			default:
			}
		}
	}
}

// run is the only goroutine that flushes during a session, so batches leave
// in arrival order.
func (c *Coalescer[T]) run(s *session[T]) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C:
			c.flush(s)
			c.ticks.Add(1)
		case <-s.full:
			c.logger.Debug().Int("max_batch_size", s.cfg.MaxBatchSize).Msg("Buffer full, flushing early.")
			c.flush(s)
		}
	}
}

func (c *Coalescer[T]) flush(s *session[T]) {
	batch := s.buf.detach()
	if len(batch) == 0 {
		return
	}
	c.deliver(s, batch)
}

// deliver hands batch to the handler. A returned error or a panic becomes a
// ConsumerError on the error channel; neither affects later ticks.
func (c *Coalescer[T]) deliver(s *session[T], batch []T) {
	c.batches.Add(1)
	c.messages.Add(uint64(len(batch)))
	c.metrics.BatchFlushed(len(batch))

	defer func() {
		if r := recover(); r != nil {
			c.consumerFailed(&ConsumerError{
				BatchSize: len(batch),
				Err:       fmt.Errorf("batch handler panicked: %v", r),
				Panic:     r,
			})
		}
	}()
	if err := s.onBatch(s.ctx, batch); err != nil {
		c.consumerFailed(&ConsumerError{BatchSize: len(batch), Err: err})
	}
}

func (c *Coalescer[T]) consumerFailed(err *ConsumerError) {
	c.metrics.ConsumerFailed()
	c.logger.Error().Err(err).Int("batch_size", err.BatchSize).Msg("Batch handler failed.")
	select {
	case c.errChan <- err:
	default:
		c.logger.Warn().Err(err).Msg("Error channel is full, dropping error.")
	}
}

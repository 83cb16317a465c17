package coalescer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-streambatch/pkg/metrics"
	"github.com/illmade-knight/go-streambatch/pkg/stream"
	"github.com/illmade-knight/go-streambatch/pkg/transport/transporttest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "fake://feed/prices"

type reading struct {
	V int `json:"v"`
}

// batchSink records delivered batches. fail, if set, decides the handler's
// result from the zero-based batch index.
type batchSink struct {
	mu      sync.Mutex
	batches [][]int
	fail    func(idx int) error
}

func (s *batchSink) handle(_ context.Context, batch []reading) error {
	vals := make([]int, len(batch))
	for i, r := range batch {
		vals[i] = r.V
	}
	s.mu.Lock()
	s.batches = append(s.batches, vals)
	idx := len(s.batches) - 1
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail(idx)
	}
	return nil
}

func (s *batchSink) snapshot() [][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int, len(s.batches))
	copy(out, s.batches)
	return out
}

type harness struct {
	t      *testing.T
	clock  *clock.Mock
	dialer *transporttest.Dialer
	c      *Coalescer[reading]
	sink   *batchSink
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clock.NewMock(),
		dialer: &transporttest.Dialer{},
		sink:   &batchSink{},
	}
	opts = append([]Option{WithClock(h.clock), WithRegistry(h.dialer.Registry())}, opts...)
	h.c = New[reading](stream.JSONDecoder[reading](), zerolog.New(zerolog.NewTestWriter(t)), opts...)
	t.Cleanup(h.c.Stop)
	return h
}

func (h *harness) start(cfg Config) {
	h.t.Helper()
	if cfg.Address == "" {
		cfg.Address = testAddress
	}
	require.NoError(h.t, h.c.Start(context.Background(), cfg, h.sink.handle))
}

func (h *harness) send(v int) {
	h.t.Helper()
	require.True(h.t, h.dialer.Last().Send(fmt.Sprintf(`{"v":%d}`, v)))
}

// advance moves the mock clock without expecting a tick.
func (h *harness) advance(d time.Duration) {
	h.clock.Add(d)
}

// advanceToTick moves the mock clock by d, which must land on exactly one
// tick, and waits for that tick's flush to complete.
func (h *harness) advanceToTick(d time.Duration) {
	h.t.Helper()
	before := h.c.Stats().Ticks
	h.clock.Add(d)
	require.Eventually(h.t, func() bool {
		return h.c.Stats().Ticks == before+1
	}, 2*time.Second, time.Millisecond, "tick did not complete")
}

func TestCoalescer_MessagesWithinIntervalFormOneBatch(t *testing.T) {
	h := newHarness(t)
	h.start(Config{Interval: 100 * time.Millisecond})

	h.advance(10 * time.Millisecond)
	h.send(1)
	h.advance(20 * time.Millisecond)
	h.send(2)
	h.advance(40 * time.Millisecond)
	h.send(3)
	assert.Empty(t, h.sink.snapshot(), "nothing is delivered before the tick")

	h.advanceToTick(30 * time.Millisecond)
	assert.Equal(t, [][]int{{1, 2, 3}}, h.sink.snapshot())
	assert.Zero(t, h.c.Stats().Pending, "buffer is empty after a flush")
}

func TestCoalescer_EmptyTickDeliversNothing(t *testing.T) {
	h := newHarness(t)
	h.start(Config{Interval: 100 * time.Millisecond})

	h.advanceToTick(100 * time.Millisecond)
	assert.Empty(t, h.sink.snapshot(), "no batch for an empty interval")

	h.advance(5 * time.Millisecond)
	h.send(7)
	h.advanceToTick(95 * time.Millisecond)
	assert.Equal(t, [][]int{{7}}, h.sink.snapshot())

	st := h.c.Stats()
	assert.Equal(t, uint64(2), st.Ticks)
	assert.Equal(t, uint64(1), st.Batches)
	assert.Equal(t, uint64(1), st.Messages)
}

func TestCoalescer_MalformedFrameIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.start(Config{Interval: 100 * time.Millisecond})

	h.send(1)
	require.True(t, h.dialer.Last().Send(`{"v":`))
	h.send(2)
	h.advanceToTick(100 * time.Millisecond)

	assert.Equal(t, [][]int{{1, 2}}, h.sink.snapshot())
	assert.Equal(t, stream.StateOpen, h.c.adapter.State())
}

func TestCoalescer_HandlerFailureDoesNotStopTicker(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("render failed")
	h.sink.fail = func(idx int) error {
		if idx == 0 {
			return boom
		}
		return nil
	}
	h.start(Config{Interval: 100 * time.Millisecond})

	h.send(1)
	h.advanceToTick(100 * time.Millisecond)

	select {
	case err := <-h.c.Err():
		var ce *ConsumerError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 1, ce.BatchSize)
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, ce.Panic)
	case <-time.After(time.Second):
		t.Fatal("expected a consumer error")
	}

	h.send(2)
	h.send(3)
	h.advanceToTick(100 * time.Millisecond)
	assert.Equal(t, [][]int{{1}, {2, 3}}, h.sink.snapshot(), "the failed batch is not retried")
}

func TestCoalescer_HandlerPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	calls := 0
	require.NoError(t, h.c.Start(context.Background(), Config{Address: testAddress, Interval: 50 * time.Millisecond},
		func(ctx context.Context, batch []reading) error {
			calls++
			if calls == 1 {
				panic("nil map")
			}
			return h.sink.handle(ctx, batch)
		}))

	h.send(1)
	h.advanceToTick(50 * time.Millisecond)
	err := <-h.c.Err()
	var ce *ConsumerError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "nil map", ce.Panic)

	h.send(2)
	h.advanceToTick(50 * time.Millisecond)
	assert.Equal(t, [][]int{{2}}, h.sink.snapshot())
}

func TestCoalescer_BatchesPartitionTheStream(t *testing.T) {
	h := newHarness(t)
	h.start(Config{Interval: 10 * time.Millisecond})

	const total = 2000
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < total; i++ {
			h.dialer.Last().Send(fmt.Sprintf(`{"v":%d}`, i))
		}
	}()

	for done := false; !done; {
		select {
		case <-sent:
			done = true
		default:
			h.advanceToTick(10 * time.Millisecond)
		}
	}
	h.c.Stop()

	var all []int
	for _, b := range h.sink.snapshot() {
		assert.NotEmpty(t, b, "no empty batches")
		all = append(all, b...)
	}
	require.Len(t, all, total)
	for i, v := range all {
		require.Equal(t, i, v, "messages must be delivered once, in arrival order")
	}
}

func TestCoalescer_StopFlushesRemainderAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.c.Stop()

	h.start(Config{Interval: time.Second})
	transport := h.dialer.Last()
	h.send(1)
	h.send(2)

	h.c.Stop()
	h.c.Stop()

	assert.False(t, h.c.Running())
	assert.Equal(t, [][]int{{1, 2}}, h.sink.snapshot())
	assert.Equal(t, 1, transport.CloseCalls())
	assert.False(t, transport.Send(`{"v":3}`))

	h.advance(5 * time.Second)
	assert.Equal(t, uint64(0), h.c.Stats().Ticks, "ticker is cancelled")

	h.start(Config{Interval: time.Second})
	h.send(4)
	h.advanceToTick(time.Second)
	assert.Equal(t, [][]int{{1, 2}, {4}}, h.sink.snapshot())
}

func TestCoalescer_StartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.c.Start(ctx, Config{Address: testAddress, Interval: -time.Second}, h.sink.handle)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	err = h.c.Start(ctx, Config{Address: testAddress}, nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	err = h.c.Start(ctx, Config{Address: "not-a-uri"}, h.sink.handle)
	assert.ErrorIs(t, err, stream.ErrInvalidAddress)
	assert.False(t, h.c.Running())

	h.start(Config{})
	err = h.c.Start(ctx, Config{Address: testAddress}, h.sink.handle)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestCoalescer_StartFailureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailConnects(errors.New("connection refused"))

	err := h.c.Start(context.Background(), Config{Address: testAddress}, h.sink.handle)
	var connErr *stream.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.False(t, h.c.Running())

	h.dialer.FailConnects(nil)
	h.start(Config{})
	assert.True(t, h.c.Running())
}

func TestCoalescer_ZeroIntervalUsesDefault(t *testing.T) {
	h := newHarness(t)
	h.start(Config{})

	h.send(1)
	h.advance(DefaultInterval - time.Millisecond)
	assert.Empty(t, h.sink.snapshot())
	h.advanceToTick(time.Millisecond)
	assert.Equal(t, [][]int{{1}}, h.sink.snapshot())
}

func TestCoalescer_MaxBatchSizeFlushesEarly(t *testing.T) {
	h := newHarness(t)
	h.start(Config{Interval: time.Minute, MaxBatchSize: 3})

	h.send(1)
	h.send(2)
	h.send(3)
	require.Eventually(t, func() bool {
		return len(h.sink.snapshot()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, [][]int{{1, 2, 3}}, h.sink.snapshot())

	h.send(4)
	h.advanceToTick(time.Minute)
	assert.Equal(t, [][]int{{1, 2, 3}, {4}}, h.sink.snapshot())
}

func TestCoalescer_Restart(t *testing.T) {
	h := newHarness(t)
	cfg := Config{Address: testAddress, Interval: 100 * time.Millisecond}
	ctx := context.Background()

	assert.ErrorIs(t, h.c.Restart(ctx, cfg, nil), ErrNilHandler)

	h.start(cfg)
	require.NoError(t, h.c.Restart(ctx, cfg, nil))
	assert.Equal(t, 1, h.dialer.Dials(), "unchanged config and handler is a no-op")

	h.send(1)
	cfg.Interval = 200 * time.Millisecond
	require.NoError(t, h.c.Restart(ctx, cfg, nil))
	assert.Equal(t, 2, h.dialer.Dials())
	assert.Equal(t, [][]int{{1}}, h.sink.snapshot(), "restart flushes the old session")

	h.send(2)
	h.advance(100 * time.Millisecond)
	assert.Len(t, h.sink.snapshot(), 1, "old interval no longer applies")
	h.advanceToTick(100 * time.Millisecond)
	assert.Equal(t, [][]int{{1}, {2}}, h.sink.snapshot())

	other := &batchSink{}
	require.NoError(t, h.c.Restart(ctx, cfg, other.handle))
	assert.Equal(t, 3, h.dialer.Dials(), "a new handler re-establishes the session")
	h.send(3)
	h.advanceToTick(200 * time.Millisecond)
	assert.Equal(t, [][]int{{3}}, other.snapshot())
	assert.Len(t, h.sink.snapshot(), 2)
}

func TestCoalescer_ReconnectKeepsBuffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.ErrorIs(t, h.c.Reconnect(ctx), ErrNotRunning)

	h.start(Config{Interval: 100 * time.Millisecond})
	h.send(1)
	lost := errors.New("connection reset")
	h.dialer.Last().Fail(lost)

	select {
	case <-h.c.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect")
	}
	assert.ErrorIs(t, h.c.ConnectionErr(), lost)

	require.NoError(t, h.c.Reconnect(ctx))
	assert.Equal(t, 2, h.dialer.Dials())
	h.send(2)
	h.advanceToTick(100 * time.Millisecond)
	assert.Equal(t, [][]int{{1, 2}}, h.sink.snapshot())
}

func TestCoalescer_ReconnectLeavesLiveConnectionAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(Config{Interval: 100 * time.Millisecond})

	require.NoError(t, h.c.Reconnect(ctx))
	assert.Equal(t, 1, h.dialer.Dials())

	// A reconnect prompted by the old session's disconnect must not tear
	// down the session started after it.
	stale := h.c.Disconnected()
	h.c.Stop()
	h.start(Config{Interval: 100 * time.Millisecond})
	<-stale
	fresh := h.dialer.Last()

	require.NoError(t, h.c.Reconnect(ctx))
	assert.Equal(t, 2, h.dialer.Dials())
	assert.Zero(t, fresh.CloseCalls())
	h.send(1)
	h.advanceToTick(100 * time.Millisecond)
	assert.Equal(t, [][]int{{1}}, h.sink.snapshot())
}

func TestCoalescer_Metrics(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry(), "test")
	require.NoError(t, err)
	h := newHarness(t, WithMetrics(m))
	h.sink.fail = func(int) error { return errors.New("nope") }
	h.start(Config{Interval: 100 * time.Millisecond})

	h.send(1)
	h.send(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PendingMessages))
	h.advanceToTick(100 * time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BatchesFlushed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConsumerErrors))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PendingMessages))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.MessagesDelivered))
}

func TestCoalescer_FullErrorChannelDropsErrors(t *testing.T) {
	h := newHarness(t, WithErrorChanCapacity(1))
	h.sink.fail = func(int) error { return errors.New("nope") }
	h.start(Config{Interval: 100 * time.Millisecond})

	for i := 0; i < 3; i++ {
		h.send(i)
		h.advanceToTick(100 * time.Millisecond)
	}
	assert.Len(t, h.c.Err(), 1)
	assert.Len(t, h.sink.snapshot(), 3, "ticker keeps running while errors are dropped")
}

// Package transporttest provides an in-memory transport for tests of
// components built on top of the transport package.
package transporttest

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/illmade-knight/go-streambatch/pkg/transport"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
)

// Scheme is the address scheme served by a Dialer registry.
const Scheme = "fake"

// Fake is a transport whose frames and failures are driven by the test.
type Fake struct {
	Addr *url.URL

	mu         sync.Mutex
	connectErr error
	handler    transport.FrameHandler
	seq        int
	closeCalls int
	err        error

	done     chan struct{}
	doneOnce sync.Once
}

// NewFake returns an unconnected Fake. A non-nil connectErr makes Connect fail.
func NewFake(connectErr error) *Fake {
	return &Fake{connectErr: connectErr, done: make(chan struct{})}
}

func (f *Fake) Connect(_ context.Context, handler transport.FrameHandler) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

// Send delivers payload synchronously. It reports false if the transport was
// never connected or has terminated.
func (f *Fake) Send(payload string) bool {
	f.mu.Lock()
	h := f.handler
	f.seq++
	id := strconv.Itoa(f.seq)
	f.mu.Unlock()
	if h == nil {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
	}
	h(types.Frame{ID: id, Source: "fake", Payload: []byte(payload), ReceivedAt: time.Now().UTC()})
	return true
}

// Handler returns the FrameHandler given to Connect. Calling it directly
// bypasses the terminated check in Send, like a client library that still
// delivers a frame it had in hand when the transport closed.
func (f *Fake) Handler() transport.FrameHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// Fail terminates the transport as if the remote side went away. A nil err
// is an orderly remote close.
func (f *Fake) Fail(err error) {
	f.doneOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

// CloseCalls reports how many times Close was called.
func (f *Fake) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *Fake) Done() <-chan struct{} { return f.done }

func (f *Fake) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Dialer builds a Fake for every address with the fake scheme and keeps
// them for inspection.
type Dialer struct {
	mu         sync.Mutex
	fakes      []*Fake
	connectErr error
}

// FailConnects makes every following dial fail with err; nil restores success.
func (d *Dialer) FailConnects(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// Registry returns a registry that only knows the fake scheme.
func (d *Dialer) Registry() *transport.Registry {
	r := transport.NewEmptyRegistry()
	r.Register(d.factory, Scheme)
	return r
}

func (d *Dialer) factory(addr *url.URL, _ zerolog.Logger) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := NewFake(d.connectErr)
	f.Addr = addr
	d.fakes = append(d.fakes, f)
	return f, nil
}

// Dials reports how many transports have been built.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fakes)
}

// Last returns the most recently built transport, or nil.
func (d *Dialer) Last() *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fakes) == 0 {
		return nil
	}
	return d.fakes[len(d.fakes)-1]
}

// At returns the i-th transport built.
func (d *Dialer) At(i int) *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fakes[i]
}

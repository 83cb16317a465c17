package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
)

// ErrUnsupportedScheme is returned when no transport is registered for an
// address scheme.
var ErrUnsupportedScheme = errors.New("unsupported transport scheme")

// FrameHandler receives raw frames. Transports call it for one frame at a
// time, in the order the underlying connection yields them.
type FrameHandler func(frame types.Frame)

// Transport is one live connection to a streaming endpoint.
type Transport interface {
	// Connect establishes the connection and starts delivering frames to
	// handler. It blocks until the connection is open or has failed.
	Connect(ctx context.Context, handler FrameHandler) error
	// Done is closed once the connection has terminated, for any reason.
	Done() <-chan struct{}
	// Err reports why the connection terminated. It is nil while the
	// connection is live and after an orderly or local close.
	Err() error
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Factory builds an unconnected Transport for a parsed address.
type Factory func(addr *url.URL, logger zerolog.Logger) (Transport, error)

// Registry maps address schemes to transport factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in transport registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(NewWebSocket, "ws", "wss")
	r.Register(NewMQTT, "mqtt", "mqtts")
	r.Register(NewRedis, "redis", "rediss")
	r.Register(NewPubSub, "pubsub")
	r.Register(NewKafka, "kafka")
	return r
}

// NewEmptyRegistry returns a registry with no transports, for callers that
// want to choose exactly which schemes are reachable.
func NewEmptyRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds factory to each of schemes, replacing earlier bindings.
func (r *Registry) Register(factory Factory, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.factories[strings.ToLower(s)] = factory
	}
}

// Supports reports whether scheme has a registered factory.
func (r *Registry) Supports(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(scheme)]
	return ok
}

// New builds the transport registered for addr's scheme.
func (r *Registry) New(addr *url.URL, logger zerolog.Logger) (Transport, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(addr.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, addr.Scheme)
	}
	return factory(addr, logger)
}

// ParseAddress parses a streaming endpoint reference. The address must be an
// absolute URI with a host.
func ParseAddress(address string) (*url.URL, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("address is empty")
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address %q: %w", address, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("address %q has no scheme", address)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("address %q has no host", address)
	}
	return u, nil
}

// lifecycle tracks the terminal state shared by every transport.
type lifecycle struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closing bool
}

func newLifecycle() *lifecycle {
	return &lifecycle{done: make(chan struct{})}
}

// finish records err as the termination reason and closes done. Errors that
// arrive after a local close are not failures and are discarded.
func (l *lifecycle) finish(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		if !l.closing {
			l.err = err
		}
		l.mu.Unlock()
		close(l.done)
	})
}

// markClosing flags that the local side asked for the close. It returns false
// if the close was already requested.
func (l *lifecycle) markClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return false
	}
	l.closing = true
	return true
}

func (l *lifecycle) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// copyPayload detaches a payload from buffers owned by a client library.
func copyPayload(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

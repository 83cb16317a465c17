package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
)

// RedisConfig holds configuration for the Redis pub/sub transport.
type RedisConfig struct {
	Options  *redis.Options
	Channels []string
	// Pattern subscribes with PSUBSCRIBE so channel names may contain globs.
	Pattern bool
}

// RedisConfigFromAddress builds a config from a redis:// or rediss:// address.
// Channels come from the comma separated "channel" query parameter; the rest
// of the address is handed to redis.ParseURL.
func RedisConfigFromAddress(addr *url.URL) (RedisConfig, error) {
	var cfg RedisConfig
	stripped := *addr
	q := stripped.Query()
	for _, c := range strings.Split(q.Get("channel"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			cfg.Channels = append(cfg.Channels, c)
		}
	}
	if len(cfg.Channels) == 0 {
		return cfg, errors.New("redis address has no channel")
	}
	cfg.Pattern = q.Get("pattern") == "true"
	q.Del("channel")
	q.Del("pattern")
	stripped.RawQuery = q.Encode()

	opts, err := redis.ParseURL(stripped.String())
	if err != nil {
		return cfg, fmt.Errorf("failed to parse redis address: %w", err)
	}
	cfg.Options = opts
	return cfg, nil
}

// Redis receives frames published on one or more Redis channels.
type Redis struct {
	*lifecycle
	config RedisConfig
	logger zerolog.Logger

	mu     sync.Mutex
	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis is the registry Factory for redis and rediss addresses.
func NewRedis(addr *url.URL, logger zerolog.Logger) (Transport, error) {
	cfg, err := RedisConfigFromAddress(addr)
	if err != nil {
		return nil, err
	}
	return NewRedisWithConfig(cfg, logger), nil
}

// NewRedisWithConfig creates an unconnected Redis transport.
func NewRedisWithConfig(cfg RedisConfig, logger zerolog.Logger) *Redis {
	addr := ""
	if cfg.Options != nil {
		addr = cfg.Options.Addr
	}
	return &Redis{
		lifecycle: newLifecycle(),
		config:    cfg,
		logger:    logger.With().Str("transport", "redis").Str("redis_address", addr).Strs("channels", cfg.Channels).Logger(),
	}
}

// Connect pings the server, subscribes and waits for the subscription to be
// confirmed before returning.
func (r *Redis) Connect(ctx context.Context, handler FrameHandler) error {
	if r.config.Options == nil {
		err := errors.New("redis options are not set")
		r.finish(err)
		return err
	}
	client := redis.NewClient(r.config.Options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		err = fmt.Errorf("failed to connect to redis: %w", err)
		r.finish(err)
		return err
	}

	var ps *redis.PubSub
	if r.config.Pattern {
		ps = client.PSubscribe(ctx, r.config.Channels...)
	} else {
		ps = client.Subscribe(ctx, r.config.Channels...)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = client.Close()
		err = fmt.Errorf("failed to subscribe to redis channels: %w", err)
		r.finish(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.client = client
	r.pubsub = ps
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.receiveLoop(loopCtx, ps, handler)
	r.logger.Info().Msg("Subscribed to Redis channels")
	return nil
}

// receiveLoop reads messages until the subscription fails. go-redis would
// silently reconnect a PubSub read through Channel(); reading with
// ReceiveMessage surfaces the first failure instead.
func (r *Redis) receiveLoop(ctx context.Context, ps *redis.PubSub, handler FrameHandler) {
	defer r.wg.Done()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if r.isClosing() || errors.Is(err, context.Canceled) {
				r.finish(nil)
				return
			}
			r.logger.Error().Err(err).Msg("Lost connection to Redis")
			r.finish(fmt.Errorf("redis receive: %w", err))
			return
		}
		attrs := map[string]string{}
		if msg.Pattern != "" {
			attrs["pattern"] = msg.Pattern
		}
		handler(types.Frame{
			Source:     msg.Channel,
			Payload:    []byte(msg.Payload),
			Attributes: attrs,
			ReceivedAt: time.Now().UTC(),
		})
	}
}

// Close unsubscribes and closes the client.
func (r *Redis) Close() error {
	if !r.markClosing() {
		return nil
	}
	r.mu.Lock()
	client, ps, cancel := r.client, r.pubsub, r.cancel
	r.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if ps != nil {
		errs = append(errs, ps.Close())
	}
	r.wg.Wait()
	if client != nil {
		errs = append(errs, client.Close())
	}
	r.finish(nil)
	r.logger.Info().Msg("Redis subscription closed")
	return errors.Join(errs...)
}

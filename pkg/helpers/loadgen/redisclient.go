package loadgen

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisClient publishes each source's payloads to the channel named by
// channelPrefix followed by the source ID.
type RedisClient struct {
	client        *redis.Client
	options       *redis.Options
	channelPrefix string
	logger        zerolog.Logger
}

func NewRedisClient(options *redis.Options, channelPrefix string, logger zerolog.Logger) *RedisClient {
	return &RedisClient{
		options:       options,
		channelPrefix: channelPrefix,
		logger:        logger.With().Str("client", "redis").Logger(),
	}
}

func (c *RedisClient) Connect() error {
	c.client = redis.NewClient(c.options)
	if err := c.client.Ping(context.Background()).Err(); err != nil {
		_ = c.client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (c *RedisClient) Disconnect() {
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing redis client")
		}
	}
}

func (c *RedisClient) Channel(source *Source) string {
	return c.channelPrefix + source.ID
}

func (c *RedisClient) Publish(ctx context.Context, source *Source) error {
	payload, err := source.PayloadGenerator.GeneratePayload(source)
	if err != nil {
		return fmt.Errorf("failed to generate payload for source %s: %w", source.ID, err)
	}
	if err := c.client.Publish(ctx, c.Channel(source), payload).Err(); err != nil {
		return fmt.Errorf("redis publish error for source %s: %w", source.ID, err)
	}
	return nil
}

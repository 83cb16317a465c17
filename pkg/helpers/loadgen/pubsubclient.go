package loadgen

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubClient publishes to one Google Pub/Sub topic, tagging each message
// with a source_id attribute.
type PubSubClient struct {
	projectID string
	topicID   string
	opts      []option.ClientOption
	client    *pubsub.Client
	topic     *pubsub.Topic
	logger    zerolog.Logger
}

func NewPubSubClient(projectID, topicID string, logger zerolog.Logger, opts ...option.ClientOption) *PubSubClient {
	return &PubSubClient{
		projectID: projectID,
		topicID:   topicID,
		opts:      opts,
		logger:    logger.With().Str("client", "pubsub").Logger(),
	}
}

func (c *PubSubClient) Connect() error {
	client, err := pubsub.NewClient(context.Background(), c.projectID, c.opts...)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}
	c.client = client
	c.topic = client.Topic(c.topicID)
	// Keep the source's publish order on the wire.
	c.topic.EnableMessageOrdering = true
	return nil
}

func (c *PubSubClient) Disconnect() {
	if c.topic != nil {
		c.topic.Stop()
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing pubsub client")
		}
	}
}

func (c *PubSubClient) Publish(ctx context.Context, source *Source) error {
	payload, err := source.PayloadGenerator.GeneratePayload(source)
	if err != nil {
		return fmt.Errorf("failed to generate payload for source %s: %w", source.ID, err)
	}
	result := c.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		Attributes:  map[string]string{"source_id": source.ID},
		OrderingKey: source.ID,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish error for source %s: %w", source.ID, err)
	}
	return nil
}

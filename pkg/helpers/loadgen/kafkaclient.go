package loadgen

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog"
)

// KafkaClient publishes to one topic, keyed by source ID so that each
// source's messages share a partition.
type KafkaClient struct {
	brokers  []string
	topic    string
	producer sarama.SyncProducer
	logger   zerolog.Logger

	// newProducer is swapped in tests.
	newProducer func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)
}

func NewKafkaClient(brokers []string, topic string, logger zerolog.Logger) *KafkaClient {
	return &KafkaClient{
		brokers:     brokers,
		topic:       topic,
		logger:      logger.With().Str("client", "kafka").Logger(),
		newProducer: sarama.NewSyncProducer,
	}
}

func (c *KafkaClient) Connect() error {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := c.newProducer(c.brokers, cfg)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	c.producer = producer
	return nil
}

func (c *KafkaClient) Disconnect() {
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing kafka producer")
		}
	}
}

func (c *KafkaClient) Publish(_ context.Context, source *Source) error {
	payload, err := source.PayloadGenerator.GeneratePayload(source)
	if err != nil {
		return fmt.Errorf("failed to generate payload for source %s: %w", source.ID, err)
	}
	_, _, err = c.producer.SendMessage(&sarama.ProducerMessage{
		Topic: c.topic,
		Key:   sarama.StringEncoder(source.ID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("kafka publish error for source %s: %w", source.ID, err)
	}
	return nil
}

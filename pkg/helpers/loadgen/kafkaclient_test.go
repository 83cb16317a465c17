package loadgen

import (
	"context"
	"errors"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaClient_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("empty payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	c := NewKafkaClient([]string{"b:9092"}, "prices", zerolog.Nop())
	c.newProducer = func([]string, *sarama.Config) (sarama.SyncProducer, error) { return producer, nil }
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	src := &Source{ID: "s1", PayloadGenerator: NewSequenceGenerator()}
	assert.NoError(t, c.Publish(context.Background(), src))
	err := c.Publish(context.Background(), src)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

package loadgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MqttClient publishes to topicPattern with '+' replaced by the source ID.
type MqttClient struct {
	client       mqtt.Client
	brokerURL    string
	topicPattern string
	qos          byte
	logger       zerolog.Logger
}

// NewMqttClient takes a paho broker URL such as tcp://localhost:1883.
func NewMqttClient(brokerURL, topicPattern string, qos byte, logger zerolog.Logger) *MqttClient {
	return &MqttClient{
		brokerURL:    brokerURL,
		topicPattern: topicPattern,
		qos:          qos,
		logger:       logger.With().Str("client", "mqtt").Logger(),
	}
}

func (c *MqttClient) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(fmt.Sprintf("loadgen-client-%s", uuid.New().String())).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			c.logger.Error().Err(err).Msg("MQTT Connection lost")
		})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to %s", c.brokerURL)
	}
	if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to connect to MQTT broker")
		return err
	}
	return nil
}

func (c *MqttClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info().Msg("MQTT client disconnected")
	}
}

func (c *MqttClient) Topic(source *Source) string {
	return strings.Replace(c.topicPattern, "+", source.ID, 1)
}

func (c *MqttClient) Publish(ctx context.Context, source *Source) error {
	payload, err := source.PayloadGenerator.GeneratePayload(source)
	if err != nil {
		return fmt.Errorf("failed to generate payload for source %s: %w", source.ID, err)
	}
	topic := c.Topic(source)
	token := c.client.Publish(topic, c.qos, false, payload)

	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("mqtt publish error for source %s: %w", source.ID, token.Error())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while publishing for source %s: %w", source.ID, ctx.Err())
	}
}

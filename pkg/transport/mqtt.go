package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
)

// MQTTClientConfig holds configuration for the MQTT transport.
type MQTTClientConfig struct {
	BrokerURL      string // e.g., "tcp://localhost:1883" or "ssl://host:8883"
	Topic          string // e.g., "devices/+/data"
	QoS            byte
	ClientIDPrefix string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// TLS, only used for ssl:// brokers.
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// MQTTConfigFromAddress builds a client config from an mqtt:// or mqtts://
// address. The topic is taken from the "topic" query parameter if present
// (needed for filters containing '#') and from the path otherwise.
func MQTTConfigFromAddress(addr *url.URL) (MQTTClientConfig, error) {
	q := addr.Query()
	cfg := MQTTClientConfig{
		ClientIDPrefix:     "streambatch-",
		KeepAlive:          30 * time.Second,
		ConnectTimeout:     10 * time.Second,
		QoS:                1,
		CACertFile:         q.Get("ca_file"),
		ClientCertFile:     q.Get("cert_file"),
		ClientKeyFile:      q.Get("key_file"),
		InsecureSkipVerify: q.Get("insecure") == "true",
	}

	switch strings.ToLower(addr.Scheme) {
	case "mqtts":
		cfg.BrokerURL = "ssl://" + addr.Host
	default:
		cfg.BrokerURL = "tcp://" + addr.Host
	}

	cfg.Topic = q.Get("topic")
	if cfg.Topic == "" {
		cfg.Topic = strings.TrimPrefix(addr.Path, "/")
	}
	if cfg.Topic == "" {
		return cfg, errors.New("mqtt address has no topic")
	}

	if addr.User != nil {
		cfg.Username = addr.User.Username()
		cfg.Password, _ = addr.User.Password()
	}
	if v := q.Get("qos"); v != "" {
		qos, err := strconv.Atoi(v)
		if err != nil || qos < 0 || qos > 2 {
			return cfg, fmt.Errorf("invalid mqtt qos %q", v)
		}
		cfg.QoS = byte(qos)
	}
	if v := q.Get("client_id_prefix"); v != "" {
		cfg.ClientIDPrefix = v
	}
	return cfg, nil
}

// MQTT subscribes to one topic filter on a broker. Paho's auto-reconnect is
// disabled: a lost connection is a terminal Closed transition.
type MQTT struct {
	*lifecycle
	config MQTTClientConfig
	logger zerolog.Logger

	clientMu sync.Mutex
	client   mqtt.Client
}

// NewMQTT is the registry Factory for mqtt and mqtts addresses.
func NewMQTT(addr *url.URL, logger zerolog.Logger) (Transport, error) {
	cfg, err := MQTTConfigFromAddress(addr)
	if err != nil {
		return nil, err
	}
	return NewMQTTWithConfig(cfg, logger), nil
}

// NewMQTTWithConfig creates an unconnected MQTT transport.
func NewMQTTWithConfig(cfg MQTTClientConfig, logger zerolog.Logger) *MQTT {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 10 * time.Second
		logger.Warn().Msg("mqtt config had a zero KeepAlive value - setting to 10 * time.Second")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
		logger.Warn().Msg("mqtt config had a zero ConnectTimeout value - setting to 5 * time.Second")
	}
	return &MQTT{
		lifecycle: newLifecycle(),
		config:    cfg,
		logger:    logger.With().Str("transport", "mqtt").Str("broker", cfg.BrokerURL).Str("topic", cfg.Topic).Logger(),
	}
}

// Connect connects to the broker and subscribes to the configured topic.
func (m *MQTT) Connect(ctx context.Context, handler FrameHandler) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.config.BrokerURL)
	opts.SetClientID(m.config.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(m.config.Username)
	opts.SetPassword(m.config.Password)
	opts.SetKeepAlive(m.config.KeepAlive)
	opts.SetConnectTimeout(m.config.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	// Handlers run one at a time on paho's router goroutine, in arrival order.
	opts.SetOrderMatters(true)

	if strings.HasPrefix(strings.ToLower(m.config.BrokerURL), "ssl://") ||
		strings.HasPrefix(strings.ToLower(m.config.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(&m.config)
		if err != nil {
			err = fmt.Errorf("failed to create TLS config: %w", err)
			m.finish(err)
			return err
		}
		opts.SetTLSConfig(tlsConfig)
		m.logger.Info().Msg("TLS configured for MQTT client.")
	}
	opts.SetConnectionLostHandler(m.onConnectionLost)

	client := mqtt.NewClient(opts)
	m.logger.Info().Str("client_id", opts.ClientID).Msg("Paho MQTT client created. Attempting to connect...")

	connectToken := client.Connect()
	if err := waitToken(ctx, connectToken, m.config.ConnectTimeout); err != nil {
		// paho keeps the handshake going after we stop waiting.
		go abandonClient(client, connectToken)
		err = fmt.Errorf("paho MQTT client connect error: %w", err)
		m.finish(err)
		return err
	}

	m.clientMu.Lock()
	m.client = client
	m.clientMu.Unlock()

	if err := waitToken(ctx, client.Subscribe(m.config.Topic, m.config.QoS, m.messageHandler(handler)), m.config.ConnectTimeout); err != nil {
		client.Disconnect(250)
		err = fmt.Errorf("failed to subscribe to %s: %w", m.config.Topic, err)
		m.finish(err)
		return err
	}
	m.logger.Info().Msg("Successfully subscribed to MQTT topic")
	return nil
}

func (m *MQTT) messageHandler(handler FrameHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if m.isClosing() {
			m.logger.Debug().Str("topic", msg.Topic()).Msg("Shutdown in progress, MQTT message dropped.")
			return
		}
		handler(types.Frame{
			ID:      strconv.Itoa(int(msg.MessageID())),
			Source:  msg.Topic(),
			Payload: copyPayload(msg.Payload()),
			Attributes: map[string]string{
				"qos":       strconv.Itoa(int(msg.Qos())),
				"duplicate": strconv.FormatBool(msg.Duplicate()),
				"retained":  strconv.FormatBool(msg.Retained()),
			},
			ReceivedAt: time.Now().UTC(),
		})
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	m.finish(fmt.Errorf("mqtt connection lost: %w", err))
}

// Close unsubscribes and disconnects from the broker.
func (m *MQTT) Close() error {
	if !m.markClosing() {
		return nil
	}
	m.clientMu.Lock()
	client := m.client
	m.clientMu.Unlock()

	if client != nil && client.IsConnected() {
		if token := client.Unsubscribe(m.config.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
			m.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown.")
		}
		client.Disconnect(250)
		m.logger.Info().Msg("Paho MQTT client disconnected.")
	}
	m.finish(nil)
	return nil
}

// abandonClient waits out a connect attempt nobody is waiting for and drops
// the session if it came up.
func abandonClient(client mqtt.Client, connectToken mqtt.Token) {
	connectToken.Wait()
	if connectToken.Error() == nil {
		client.Disconnect(0)
	}
}

// waitToken waits for a paho token, the timeout or ctx, whichever is first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newTLSConfig creates a TLS configuration for the MQTT client.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubConfig holds configuration for the Google Cloud Pub/Sub transport.
type PubSubConfig struct {
	ProjectID              string
	SubscriptionID         string
	CredentialsFile        string // Optional
	MaxOutstandingMessages int
	// ClientOptions, when set, replace the emulator/credentials detection.
	ClientOptions []option.ClientOption
}

// PubSubConfigFromAddress builds a config from pubsub://project/subscription.
// Credentials come from GCP_PUBSUB_CREDENTIALS_FILE when set.
func PubSubConfigFromAddress(addr *url.URL) (PubSubConfig, error) {
	cfg := PubSubConfig{
		ProjectID:              addr.Host,
		SubscriptionID:         strings.Trim(addr.Path, "/"),
		CredentialsFile:        os.Getenv("GCP_PUBSUB_CREDENTIALS_FILE"),
		MaxOutstandingMessages: 100,
	}
	if cfg.SubscriptionID == "" || strings.Contains(cfg.SubscriptionID, "/") {
		return cfg, fmt.Errorf("pubsub address must be pubsub://<project>/<subscription>, got %q", addr.Redacted())
	}
	return cfg, nil
}

// PubSub receives frames from a Pub/Sub subscription. Pub/Sub invokes the
// receive callback concurrently, so deliveries are serialized here; ordering
// across messages is whatever the subscription provides.
type PubSub struct {
	*lifecycle
	config PubSubConfig
	logger zerolog.Logger

	deliverMu sync.Mutex
	mu        sync.Mutex
	client    *pubsub.Client
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPubSub is the registry Factory for pubsub addresses.
func NewPubSub(addr *url.URL, logger zerolog.Logger) (Transport, error) {
	cfg, err := PubSubConfigFromAddress(addr)
	if err != nil {
		return nil, err
	}
	return NewPubSubWithConfig(cfg, logger), nil
}

// NewPubSubWithConfig creates an unconnected Pub/Sub transport.
func NewPubSubWithConfig(cfg PubSubConfig, logger zerolog.Logger) *PubSub {
	if cfg.MaxOutstandingMessages <= 0 {
		logger.Warn().Int("provided_max_outstanding", cfg.MaxOutstandingMessages).Msg("MaxOutstandingMessages must be positive, defaulting to 100.")
		cfg.MaxOutstandingMessages = 100
	}
	return &PubSub{
		lifecycle: newLifecycle(),
		config:    cfg,
		logger:    logger.With().Str("transport", "pubsub").Str("project_id", cfg.ProjectID).Str("subscription_id", cfg.SubscriptionID).Logger(),
	}
}

func (p *PubSub) clientOptions() []option.ClientOption {
	if len(p.config.ClientOptions) > 0 {
		return p.config.ClientOptions
	}
	var opts []option.ClientOption
	if emulatorHost := os.Getenv("PUBSUB_EMULATOR_HOST"); emulatorHost != "" {
		p.logger.Info().Str("emulator_host", emulatorHost).Msg("Using Pub/Sub emulator.")
		opts = append(opts, option.WithEndpoint(emulatorHost), option.WithoutAuthentication())
	} else if p.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.config.CredentialsFile))
	}
	return opts
}

// Connect creates the client, checks the subscription exists and starts the
// Receive loop.
func (p *PubSub) Connect(ctx context.Context, handler FrameHandler) error {
	client, err := pubsub.NewClient(ctx, p.config.ProjectID, p.clientOptions()...)
	if err != nil {
		err = fmt.Errorf("pubsub.NewClient for subscription %s: %w", p.config.SubscriptionID, err)
		p.finish(err)
		return err
	}
	sub := client.Subscription(p.config.SubscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = p.config.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = 1

	exists, err := sub.Exists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("subscription %s does not exist in project %s", p.config.SubscriptionID, p.config.ProjectID)
	}
	if err != nil {
		_ = client.Close()
		err = fmt.Errorf("subscription check for %s: %w", p.config.SubscriptionID, err)
		p.finish(err)
		return err
	}

	receiveCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.client = client
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Info().Msg("Pub/Sub Receive goroutine started.")
		err := sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			p.deliverMu.Lock()
			defer p.deliverMu.Unlock()
			if p.isClosing() {
				msg.Nack()
				return
			}
			handler(types.Frame{
				ID:         msg.ID,
				Source:     p.config.SubscriptionID,
				Payload:    copyPayload(msg.Data),
				Attributes: msg.Attributes,
				ReceivedAt: time.Now().UTC(),
			})
			msg.Ack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
			p.finish(fmt.Errorf("pubsub receive: %w", err))
			return
		}
		p.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
		p.finish(nil)
	}()
	return nil
}

// Close stops the Receive loop and closes the client.
func (p *PubSub) Close() error {
	if !p.markClosing() {
		return nil
	}
	p.mu.Lock()
	client, cancel := p.client, p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		p.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
	}

	var err error
	if client != nil {
		if err = client.Close(); err != nil {
			p.logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		}
	}
	p.finish(nil)
	return err
}

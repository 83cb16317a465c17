package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// KafkaConfig holds configuration for the Kafka consumer-group transport.
type KafkaConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
	// Oldest starts a new group from the oldest offset instead of the newest.
	Oldest   bool
	ClientID string
	Version  sarama.KafkaVersion
}

// KafkaConfigFromAddress builds a config from
// kafka://broker1:9092,broker2:9092/topic1,topic2?group=g&offset=oldest.
// Without a group each activation joins a fresh, uniquely named group.
func KafkaConfigFromAddress(addr *url.URL) (KafkaConfig, error) {
	q := addr.Query()
	cfg := KafkaConfig{
		ClientID: "streambatch",
		Version:  sarama.V2_1_0_0,
		GroupID:  q.Get("group"),
		Oldest:   q.Get("offset") == "oldest",
	}
	for _, b := range strings.Split(addr.Host, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	for _, t := range strings.Split(strings.Trim(addr.Path, "/"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Topics = append(cfg.Topics, t)
		}
	}
	if len(cfg.Brokers) == 0 {
		return cfg, errors.New("kafka address has no brokers")
	}
	if len(cfg.Topics) == 0 {
		return cfg, errors.New("kafka address has no topic")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "streambatch-" + uuid.NewString()
	}
	if v := q.Get("client_id"); v != "" {
		cfg.ClientID = v
	}
	if v := q.Get("version"); v != "" {
		version, err := sarama.ParseKafkaVersion(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid kafka version %q: %w", v, err)
		}
		cfg.Version = version
	}
	return cfg, nil
}

// Kafka consumes frames through a consumer group. Partitions are claimed
// concurrently by sarama, so deliveries are serialized here; ordering holds
// within a partition only.
type Kafka struct {
	*lifecycle
	config KafkaConfig
	logger zerolog.Logger

	mu     sync.Mutex
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	eg     *errgroup.Group

	// newGroup is swapped in tests.
	newGroup func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)
}

// NewKafka is the registry Factory for kafka addresses.
func NewKafka(addr *url.URL, logger zerolog.Logger) (Transport, error) {
	cfg, err := KafkaConfigFromAddress(addr)
	if err != nil {
		return nil, err
	}
	return NewKafkaWithConfig(cfg, logger), nil
}

// NewKafkaWithConfig creates an unconnected Kafka transport.
func NewKafkaWithConfig(cfg KafkaConfig, logger zerolog.Logger) *Kafka {
	return &Kafka{
		lifecycle: newLifecycle(),
		config:    cfg,
		logger:    logger.With().Str("transport", "kafka").Strs("brokers", cfg.Brokers).Strs("topics", cfg.Topics).Str("group_id", cfg.GroupID).Logger(),
		newGroup:  sarama.NewConsumerGroup,
	}
}

func (k *Kafka) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = k.config.ClientID
	sc.Version = k.config.Version
	sc.Consumer.Return.Errors = true
	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 10 * time.Second
	sc.Net.WriteTimeout = 10 * time.Second
	sc.Metadata.Retry.Max = 1
	if k.config.Oldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc
}

// Connect joins the consumer group and starts consuming.
func (k *Kafka) Connect(_ context.Context, handler FrameHandler) error {
	group, err := k.newGroup(k.config.Brokers, k.config.GroupID, k.saramaConfig())
	if err != nil {
		err = fmt.Errorf("failed to create kafka consumer group: %w", err)
		k.finish(err)
		return err
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(consumeCtx)
	k.mu.Lock()
	k.group = group
	k.cancel = cancel
	k.eg = eg
	k.mu.Unlock()

	claimHandler := &kafkaGroupHandler{handler: handler, logger: k.logger}

	eg.Go(func() error {
		for {
			// Consume returns at every rebalance; loop until cancelled.
			if err := group.Consume(egCtx, k.config.Topics, claimHandler); err != nil {
				return err
			}
			if egCtx.Err() != nil {
				return nil
			}
		}
	})
	eg.Go(func() error {
		for {
			select {
			case err, ok := <-group.Errors():
				if !ok {
					return nil
				}
				k.logger.Warn().Err(err).Msg("Kafka consumer error")
			case <-egCtx.Done():
				return nil
			}
		}
	})

	go func() {
		err := eg.Wait()
		if err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) && !k.isClosing() {
			k.logger.Error().Err(err).Msg("Kafka consume loop exited with error")
			k.finish(fmt.Errorf("kafka consume: %w", err))
			return
		}
		k.finish(nil)
	}()
	k.logger.Info().Msg("Joined Kafka consumer group")
	return nil
}

// Close leaves the consumer group.
func (k *Kafka) Close() error {
	if !k.markClosing() {
		return nil
	}
	k.mu.Lock()
	group, cancel, eg := k.group, k.cancel, k.eg
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if group != nil {
		err = group.Close()
	}
	if eg != nil {
		_ = eg.Wait()
	}
	k.finish(nil)
	return err
}

// kafkaGroupHandler implements sarama.ConsumerGroupHandler.
type kafkaGroupHandler struct {
	deliverMu sync.Mutex
	handler   FrameHandler
	logger    zerolog.Logger
}

func (h *kafkaGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Debug().Str("member_id", sess.MemberID()).Msg("Kafka session setup")
	return nil
}

func (h *kafkaGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Debug().Str("member_id", sess.MemberID()).Msg("Kafka session cleanup")
	return nil
}

func (h *kafkaGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.deliver(msg)
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *kafkaGroupHandler) deliver(msg *sarama.ConsumerMessage) {
	attrs := make(map[string]string, len(msg.Headers)+1)
	for _, hdr := range msg.Headers {
		if hdr != nil {
			attrs[string(hdr.Key)] = string(hdr.Value)
		}
	}
	if len(msg.Key) > 0 {
		attrs["key"] = string(msg.Key)
	}
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	h.handler(types.Frame{
		ID:         msg.Topic + "/" + strconv.Itoa(int(msg.Partition)) + "/" + strconv.FormatInt(msg.Offset, 10),
		Source:     msg.Topic,
		Payload:    copyPayload(msg.Value),
		Attributes: attrs,
		ReceivedAt: time.Now().UTC(),
	})
}

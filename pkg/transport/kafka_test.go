package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession implements the parts of sarama.ConsumerGroupSession the claim
// handler uses.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MemberID() string         { return "member-1" }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

// fakeClaim implements sarama.ConsumerGroupClaim over a channel.
type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup implements sarama.ConsumerGroup; Consume blocks until ctx ends.
type fakeGroup struct {
	errs     chan error
	consumed chan struct{}
	failWith error
	once     sync.Once
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.once.Do(func() { close(g.consumed) })
	if g.failWith != nil {
		return g.failWith
	}
	<-ctx.Done()
	return nil
}
func (g *fakeGroup) Errors() <-chan error { return g.errs }
func (g *fakeGroup) Close() error         { return nil }
func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func TestKafkaConfigFromAddress(t *testing.T) {
	cfg, err := KafkaConfigFromAddress(mustParse(t, "kafka://b1:9092,b2:9092/prices,trades?group=ui&offset=oldest&version=2.8.0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Brokers)
	assert.Equal(t, []string{"prices", "trades"}, cfg.Topics)
	assert.Equal(t, "ui", cfg.GroupID)
	assert.True(t, cfg.Oldest)
	assert.Equal(t, sarama.V2_8_0_0, cfg.Version)

	cfg, err = KafkaConfigFromAddress(mustParse(t, "kafka://b1:9092/prices"))
	require.NoError(t, err)
	assert.Contains(t, cfg.GroupID, "streambatch-", "a missing group gets a unique one")

	_, err = KafkaConfigFromAddress(mustParse(t, "kafka://b1:9092"))
	assert.Error(t, err)
}

func TestKafkaGroupHandler_ConsumeClaim(t *testing.T) {
	rec := &frameRecorder{}
	h := &kafkaGroupHandler{handler: rec.handle, logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	for i, v := range []string{"a", "b", "c"} {
		claim.messages <- &sarama.ConsumerMessage{
			Topic:     "prices",
			Partition: 2,
			Offset:    int64(10 + i),
			Key:       []byte("k"),
			Value:     []byte(v),
			Headers:   []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("x")}},
		}
	}
	close(claim.messages)

	require.NoError(t, h.ConsumeClaim(sess, claim))

	assert.Equal(t, []string{"a", "b", "c"}, rec.payloads())
	assert.Equal(t, []int64{10, 11, 12}, sess.marked)
	assert.Equal(t, "prices/2/10", rec.frames[0].ID)
	assert.Equal(t, "k", rec.frames[0].Attributes["key"])
	assert.Equal(t, "x", rec.frames[0].Attributes["h"])
}

func TestKafka_ConnectAndClose(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), consumed: make(chan struct{})}
	k := NewKafkaWithConfig(KafkaConfig{Brokers: []string{"b:9092"}, Topics: []string{"t"}, GroupID: "g"}, zerolog.Nop())
	k.newGroup = func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) { return group, nil }

	require.NoError(t, k.Connect(context.Background(), func(types.Frame) {}))
	<-group.consumed

	require.NoError(t, k.Close())
	select {
	case <-k.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the transport to terminate")
	}
	assert.NoError(t, k.Err())
}

func TestKafka_ConsumeFailureClosesWithError(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), consumed: make(chan struct{}), failWith: sarama.ErrOutOfBrokers}
	k := NewKafkaWithConfig(KafkaConfig{Brokers: []string{"b:9092"}, Topics: []string{"t"}, GroupID: "g"}, zerolog.Nop())
	k.newGroup = func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) { return group, nil }

	require.NoError(t, k.Connect(context.Background(), func(types.Frame) {}))
	select {
	case <-k.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the transport to terminate")
	}
	assert.True(t, errors.Is(k.Err(), sarama.ErrOutOfBrokers))
}

func TestKafka_GroupCreationFailure(t *testing.T) {
	k := NewKafkaWithConfig(KafkaConfig{Brokers: []string{"b:9092"}, Topics: []string{"t"}, GroupID: "g"}, zerolog.Nop())
	k.newGroup = func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, sarama.ErrOutOfBrokers
	}
	err := k.Connect(context.Background(), func(types.Frame) {})
	require.Error(t, err)
	<-k.Done()
	assert.ErrorIs(t, k.Err(), sarama.ErrOutOfBrokers)
}

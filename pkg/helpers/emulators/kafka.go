package emulators

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testKafkaImage = "apache/kafka:3.7.0"
	testKafkaPort  = "9092"
)

func GetDefaultKafkaImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testKafkaImage,
		EmulatorHTTPPort: testKafkaPort,
	}
}

// SetupKafkaContainer starts a single-node KRaft broker and creates topics,
// one partition each. The broker advertises a fixed host port, so the host
// port is chosen up front.
func SetupKafkaContainer(t *testing.T, ctx context.Context, cfg ImageContainer, topics ...string) EmulatorConnection {
	t.Helper()
	hostPort, err := freePort()
	require.NoError(t, err)

	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{fmt.Sprintf("%s:%s/tcp", hostPort, cfg.EmulatorHTTPPort)},
		Env: map[string]string{
			"KAFKA_NODE_ID":                                  "1",
			"KAFKA_PROCESS_ROLES":                            "broker,controller",
			"KAFKA_LISTENERS":                                fmt.Sprintf("PLAINTEXT://0.0.0.0:%s,CONTROLLER://0.0.0.0:9093", cfg.EmulatorHTTPPort),
			"KAFKA_ADVERTISED_LISTENERS":                     fmt.Sprintf("PLAINTEXT://localhost:%s", hostPort),
			"KAFKA_CONTROLLER_LISTENER_NAMES":                "CONTROLLER",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":           "CONTROLLER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                 "1@localhost:9093",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":         "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR": "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":            "1",
			"KAFKA_GROUP_INITIAL_REBALANCE_DELAY_MS":         "0",
		},
		WaitingFor: wait.ForLog("Kafka Server started").WithStartupTimeout(2 * time.Minute),
	}
	startContainer(t, ctx, req, cfg.EmulatorHTTPPort)
	address := "localhost:" + hostPort

	adminCfg := sarama.NewConfig()
	adminCfg.Version = sarama.V2_1_0_0
	admin, err := sarama.NewClusterAdmin([]string{address}, adminCfg)
	require.NoError(t, err)
	defer admin.Close()
	for _, topic := range topics {
		err := admin.CreateTopic(topic, &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}, false)
		require.NoError(t, err, "creating topic %s", topic)
	}
	return EmulatorConnection{EmulatorAddress: address}
}

func freePort() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	return port, err
}

package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/testcontainers/testcontainers-go"
)

const (
	testMosquittoImage = "eclipse-mosquitto:2.0"
	testMosquittoPort  = "1883"
)

func GetDefaultMqttImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testMosquittoImage,
		EmulatorHTTPPort: testMosquittoPort,
	}
}

// SetupMosquittoContainer starts a broker that accepts anonymous clients.
func SetupMosquittoContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnection {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort)},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
	}
	return EmulatorConnection{EmulatorAddress: startContainer(t, ctx, req, cfg.EmulatorHTTPPort)}
}

// CreateTestMqttPublisher connects a plain publisher to address (host:port).
func CreateTestMqttPublisher(address, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + address).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting test publisher to %s", address)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("test publisher failed to connect: %w", err)
	}
	return client, nil
}

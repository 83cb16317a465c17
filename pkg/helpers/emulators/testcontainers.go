// Package emulators starts broker containers for integration tests.
package emulators

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// EmulatorConnection describes how to reach a started container.
type EmulatorConnection struct {
	// EmulatorAddress is host:port of the mapped service port.
	EmulatorAddress string
	// ClientOptions is set for Google emulators.
	ClientOptions []option.ClientOption
}

// startContainer runs req, registers termination with t.Cleanup and returns
// host:port of port.
func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	if req.WaitingFor == nil {
		req.WaitingFor = wait.ForListeningPort(nat.Port(port))
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate %s container: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	address := fmt.Sprintf("%s:%s", host, mapped.Port())
	t.Logf("%s container started, listening on: %s", req.Image, address)
	return address
}

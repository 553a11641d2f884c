// Package testutil provides shared test infrastructure for integration tests
// that require a running Qdrant instance.
//
// Usage in a build-tag-gated integration test:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartQdrant()
//	    defer tc.Terminate()
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// QdrantContainer wraps a testcontainers container running Qdrant, with the
// REST and gRPC endpoints it exposed.
type QdrantContainer struct {
	Container testcontainers.Container
	RESTURL   string
	GRPCAddr  string
}

// MustStartQdrant starts a Qdrant container for integration tests. Calls
// os.Exit(1) on failure (suitable for TestMain).
func MustStartQdrant() *QdrantContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.12.4",
		ExposedPorts: []string{"6333/tcp", "6334/tcp"},
		WaitingFor: wait.ForLog("Qdrant HTTP listening").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	restPort, err := container.MappedPort(ctx, "6333")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get REST port: %v\n", err)
		os.Exit(1)
	}
	grpcPort, err := container.MappedPort(ctx, "6334")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get gRPC port: %v\n", err)
		os.Exit(1)
	}

	return &QdrantContainer{
		Container: container,
		RESTURL:   fmt.Sprintf("http://%s:%s", host, restPort.Port()),
		GRPCAddr:  fmt.Sprintf("%s:%s", host, grpcPort.Port()),
	}
}

// Terminate stops and removes the container.
func (tc *QdrantContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NATSURL returns the url of a NATS server for t. MAGX_TEST_NATS_URL selects
// an existing server; otherwise a container is started and terminated when t
// ends. Skipped under the same conditions as NewPostgresContainer.
func NATSURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("MAGX_TEST_NATS_URL"); url != "" && !testing.Short() {
		return url
	}
	if containersDisabled() {
		t.Skip("nats container tests disabled")
	}
	ctx := context.Background()
	start := time.Now()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting nats container: %v", err)
	}
	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("reading container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("reading mapped port: %v", err)
	}
	t.Logf("nats container ready [%s]", time.Since(start))
	return fmt.Sprintf("nats://%s:%d", host, port.Int())
}

// Package testutil provides test helpers: a throwaway postgres container with
// the registry schema applied, and a websocket client for transport tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magx-io/magx/internal/config"
	"github.com/magx-io/magx/internal/storage/postgres"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresPort  = "5432/tcp"
	testDatabase  = "magx_test"
)

// PostgresContainer is a running database container with a connected pool.
type PostgresContainer struct {
	Pool    *postgres.Pool
	RawPool *pgxpool.Pool
	Config  config.DatabaseConfig
}

// containersDisabled reports whether docker-backed tests should be skipped.
func containersDisabled() bool {
	return testing.Short() || os.Getenv("MAGX_SKIP_CONTAINERS") != ""
}

// NewPostgresContainer starts a database container for t and connects to it.
// The container is terminated when t ends. The test is skipped under -short
// or when MAGX_SKIP_CONTAINERS is set.
//
// Precondition: Docker must be available.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	if containersDisabled() {
		t.Skip("postgres container tests disabled")
	}
	ctx := context.Background()
	start := time.Now()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{postgresPort},
			Env: map[string]string{
				"POSTGRES_USER":     "magx",
				"POSTGRES_PASSWORD": "magx",
				"POSTGRES_DB":       testDatabase,
			},
			// postgres logs readiness once for the init server and once for the real one.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort(postgresPort),
			).WithDeadline(45 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v [%s]", err, time.Since(start))
	}

	cfg := databaseConfig(ctx, t, ctr)
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(pool.Close)
	t.Logf("postgres container ready at %s:%d [%s]", cfg.Host, cfg.Port, time.Since(start))

	return &PostgresContainer{Pool: pool, RawPool: pool.DB(), Config: cfg}
}

func databaseConfig(ctx context.Context, t *testing.T, ctr testcontainers.Container) config.DatabaseConfig {
	t.Helper()
	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("reading container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, postgresPort)
	if err != nil {
		t.Fatalf("reading mapped port: %v", err)
	}
	return config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "magx",
		Password:        "magx",
		Name:            testDatabase,
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}
}

// ApplyMigrations migrates the test database to the latest schema in the
// repository's migrations directory.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	start := time.Now()
	res, err := postgres.Migrate(pc.DSN(), MigrationsDir(), postgres.Up, 0)
	if err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	t.Logf("schema at version %d [%s]", res.Version, time.Since(start))
}

// MigrationsDir returns the absolute path of the repository's migrations directory.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// DSN returns the connection string for the test database.
func (pc *PostgresContainer) DSN() string { return pc.Config.DSN() }

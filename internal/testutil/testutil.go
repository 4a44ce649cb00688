// Package testutil starts the backing services kansoku talks to in throwaway
// containers for integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPostgres()
//	    testDB, _ = pg.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    pg.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/migrations"
)

const startupTimeout = 90 * time.Second

// Container ports clients connect to.
const (
	postgresPort   nat.Port = "5432/tcp"
	clickhousePort nat.Port = "9000/tcp"
	rabbitmqPort   nat.Port = "5672/tcp"
)

// TestContainer wraps a started container and the address clients use to reach it.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container. Calls os.Exit(1) on failure
// (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	return mustStart(testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{string(postgresPort)},
		Env: map[string]string{
			"POSTGRES_USER":     "kansoku",
			"POSTGRES_PASSWORD": "kansoku",
			"POSTGRES_DB":       "kansoku",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(startupTimeout),
	}, postgresPort, "postgres://kansoku:kansoku@%s:%s/kansoku?sslmode=disable")
}

// MustStartClickHouse starts a ClickHouse server and exposes its native port.
func MustStartClickHouse() *TestContainer {
	return mustStart(testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.8-alpine",
		ExposedPorts: []string{string(clickhousePort), "8123/tcp"},
		Env: map[string]string{
			"CLICKHOUSE_USER":                      "kansoku",
			"CLICKHOUSE_PASSWORD":                  "kansoku",
			"CLICKHOUSE_DB":                        "kansoku",
			"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
		},
		WaitingFor: wait.ForHTTP("/ping").WithPort("8123/tcp").
			WithStartupTimeout(startupTimeout),
	}, clickhousePort, "clickhouse://kansoku:kansoku@%s:%s/kansoku")
}

// MustStartRabbitMQ starts a RabbitMQ broker with the default guest account.
func MustStartRabbitMQ() *TestContainer {
	return mustStart(testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{string(rabbitmqPort)},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(startupTimeout),
	}, rabbitmqPort, "amqp://guest:guest@%s:%s/")
}

func mustStart(req testcontainers.ContainerRequest, port nat.Port, dsnFormat string) *TestContainer {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start %s: %v\n", req.Image, err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get %s host: %v\n", req.Image, err)
		os.Exit(1)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get %s port: %v\n", req.Image, err)
		os.Exit(1)
	}

	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf(dsnFormat, host, mapped.Port()),
	}
}

// NewTestDB connects a storage.DB to a Postgres container and applies the
// embedded migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

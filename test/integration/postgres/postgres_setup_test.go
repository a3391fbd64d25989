package postgres

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RealZimboGuy/stepflow/internal/config"
	"github.com/RealZimboGuy/stepflow/test/integration/common"
)

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, h *common.Harness)) {
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	dsn := SetupPostgresTestInstance(t)
	config.Set(config.DATABASE_TYPE, config.DATABASE_TYPE_POSTGRES)
	config.Set(config.DATABASE_URL, dsn)
	config.Set(config.QUEUE_TYPE, config.QUEUE_TYPE_MEMORY)
	config.Set(config.ENGINE_EXECUTOR_SIZE, "4")
	testFunc(t, common.StartHarness(t))
}

func SetupPostgresTestInstance(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_USER":     "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("error starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("error reading postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("error reading postgres port: %v", err)
	}
	return "postgres://test:test@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
}

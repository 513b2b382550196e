package storage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// startPostgres runs a throwaway postgres container and returns its DSN.
func startPostgres(t *testing.T) (string, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "chatsync",
			"POSTGRES_PASSWORD": "chatsync",
			"POSTGRES_DB":       "chatsync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres port: %v", err)
	}
	conn := fmt.Sprintf("postgres://chatsync:chatsync@%s:%s/chatsync?sslmode=disable", host, port.Port())
	waitForPostgres(t, conn)

	return conn, func() { _ = container.Terminate(context.Background()) }
}

func waitForPostgres(t *testing.T, conn string) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		db, err := sql.Open("pgx", conn)
		if err == nil {
			err = db.PingContext(context.Background())
		}
		if db != nil {
			_ = db.Close()
		}
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("wait for postgres: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func setupPostgresStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	conn, terminate := startPostgres(t)

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, conn)
	if err != nil {
		terminate()
		t.Fatalf("init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close(ctx)
		terminate()
		t.Fatalf("migrate: %v", err)
	}
	return store, func() {
		_ = store.Close(context.Background())
		terminate()
	}
}

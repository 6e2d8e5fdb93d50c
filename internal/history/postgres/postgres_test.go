package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/ports"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	p := ports.ServerPorts{CDP: 9000, Proxy: 9100, Backend: 9200, Extension: 9300}
	launched := time.Now().UTC().Truncate(time.Microsecond)
	if err := sink.Send(ctx, history.Event{Type: history.EventLaunched, OccurredAt: launched, PID: 12345, Ports: p}); err != nil {
		t.Fatalf("Failed to send launched event: %v", err)
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventExited, OccurredAt: launched.Add(time.Second), PID: 12345, ExitCode: 1, Ports: p}); err != nil {
		t.Fatalf("Failed to send exited event: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.DefaultTable+" WHERE pid = $1", 12345).Scan(&count); err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}

	recent, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Type != history.EventExited || recent[0].ExitCode != 1 {
		t.Errorf("unexpected recent events: %+v", recent)
	}
}

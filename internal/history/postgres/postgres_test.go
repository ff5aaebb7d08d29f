package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/guardian/internal/history"
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

	crash := history.NewEvent(history.EventProcessCrash, "test-process", history.SeverityCritical, "crashed")
	crash.PID = 12345
	if err := sink.Send(ctx, crash); err != nil {
		t.Fatalf("Failed to send crash event: %v", err)
	}
	if err := sink.Send(ctx, history.NewEvent(history.EventRecoveryAction, "test-process", history.SeverityInfo, "restart")); err != nil {
		t.Fatalf("Failed to send recovery event: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM guardian_events WHERE process = $1", "test-process").Scan(&count); err != nil {
		t.Fatalf("Failed to query guardian_events: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}

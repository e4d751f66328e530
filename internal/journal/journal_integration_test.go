//go:build integration

package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/store"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("echoattime"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	return url
}

func TestJournalRecordsOnce(t *testing.T) {
	ctx := context.Background()
	j, err := Open(ctx, setupTestDB(t), log.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	if _, err := j.db.ExecContext(ctx, `TRUNCATE delivered_messages`); err != nil {
		t.Fatal(err)
	}

	msg := store.ScheduledMessage{ID: "m1", Payload: "hello", ScheduledTime: "2025-03-01T12:00:00", CreatedAt: time.Now()}
	for i := 0; i < 3; i++ {
		if err := j.Deliver(ctx, msg); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if err := j.Deliver(ctx, store.ScheduledMessage{ID: "m2", Payload: "second"}); err != nil {
		t.Fatalf("deliver without created_at: %v", err)
	}

	ok, err := j.Delivered(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("Delivered(m1) = %v, %v", ok, err)
	}
	ok, err = j.Delivered(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("Delivered(missing) = %v, %v", ok, err)
	}

	recent, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %+v, want 2 rows", recent)
	}

	// Migrate is repeatable.
	if err := j.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warp/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func TestHistory_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sessionID := uuid.New().String()

	for i, cmd := range []string{"ls", "pwd"} {
		err := s.SaveExecution(ctx, &storage.Execution{
			SessionID: sessionID,
			UserID:    "alice",
			Command:   cmd,
			Executor:  "sandbox",
			Routing:   "light",
			Success:   true,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListExecutions(ctx, sessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Command != "pwd" {
		t.Fatalf("executions = %+v", got)
	}

	taskID := uuid.New().String()
	run := &storage.AgentRun{TaskID: taskID, SessionID: sessionID, UserID: "alice", Task: "t", Status: "running", StartedAt: time.Now().UTC()}
	if err := s.SaveAgentRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = "completed"
	if err := s.SaveAgentRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.GetAgentRun(ctx, taskID)
	if err != nil || loaded.Status != "completed" {
		t.Fatalf("agent run = %+v, %v", loaded, err)
	}
}

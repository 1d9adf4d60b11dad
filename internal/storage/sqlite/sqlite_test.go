package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/warp/internal/storage"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "warp.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestExecutions(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cmds := []string{"ls", "pwd", "flutter build web"}
	for i, cmd := range cmds {
		e := &storage.Execution{
			SessionID: "s1",
			UserID:    "alice",
			Command:   cmd,
			Executor:  "sandbox",
			Routing:   "light",
			Success:   true,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 2 {
			e.Executor, e.Routing, e.HeavyError, e.Success, e.ExitCode = "heavy-fallback-sandbox", "fallback", "compute backend returned 502", false, 127
		}
		if err := s.SaveExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.ID == "" {
			t.Fatal("id was not assigned")
		}
	}
	if err := s.SaveExecution(ctx, &storage.Execution{SessionID: "other", UserID: "bob", Command: "ls", Executor: "sandbox", Routing: "light"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListExecutions(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Command != "flutter build web" || got[2].Command != "ls" {
		t.Errorf("order = %q, %q, %q", got[0].Command, got[1].Command, got[2].Command)
	}
	if got[0].HeavyError != "compute backend returned 502" || got[0].Routing != "fallback" || got[0].ExitCode != 127 {
		t.Errorf("fallback row = %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("created_at = %v", got[0].CreatedAt)
	}

	limited, err := s.ListExecutions(ctx, "s1", 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited = %d, %v", len(limited), err)
	}
}

func TestAgentRuns(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.GetAgentRun(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	run := &storage.AgentRun{
		TaskID:    "task-1",
		SessionID: "s1",
		UserID:    "alice",
		Task:      "build the app",
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	if err := s.SaveAgentRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	run.Status = "completed"
	run.Iterations = 2
	run.Steps = json.RawMessage(`[{"iteration":1,"action":{"type":"command","command":"ls"}}]`)
	run.CompletedAt = time.Now().UTC()
	if err := s.SaveAgentRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgentRun(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" || got.Iterations != 2 || got.Task != "build the app" {
		t.Errorf("run = %+v", got)
	}
	var steps []map[string]any
	if err := json.Unmarshal(got.Steps, &steps); err != nil || len(steps) != 1 {
		t.Errorf("steps = %s (%v)", got.Steps, err)
	}

	if err := s.SaveAgentRun(ctx, &storage.AgentRun{}); err == nil {
		t.Error("expected error without task id")
	}
}

func TestPrune(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-40 * 24 * time.Hour)
	for _, at := range []time.Time{old, now} {
		if err := s.SaveExecution(ctx, &storage.Execution{SessionID: "s1", UserID: "u", Command: "ls", Executor: "sandbox", Routing: "light", CreatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveAgentRun(ctx, &storage.AgentRun{TaskID: "old", SessionID: "s1", UserID: "u", Task: "t", Status: "completed", StartedAt: old}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Prune(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	left, _ := s.ListExecutions(ctx, "s1", 0)
	if len(left) != 1 {
		t.Errorf("remaining executions = %d", len(left))
	}
	if _, err := s.GetAgentRun(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old run survived: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

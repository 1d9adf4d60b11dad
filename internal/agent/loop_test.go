package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/warp/internal/llm"
	"github.com/jkaninda/warp/internal/sandbox"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/storage"
	"github.com/jkaninda/warp/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns replies in order, repeating the last one.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	calls   int
	err     error
	block   bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls - 1
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return &llm.Response{Content: p.replies[i]}, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	fail     map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, _ *session.Session, command string, _ io.Writer) *sandbox.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if r.fail[command] {
		return &sandbox.Result{Success: false, Error: "exit status 1", ExitCode: 1}
	}
	return &sandbox.Result{Success: true, Output: "ok: " + command}
}

type memHistory struct {
	mu   sync.Mutex
	runs map[string]storage.AgentRun
}

func (h *memHistory) SaveAgentRun(_ context.Context, run *storage.AgentRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runs == nil {
		h.runs = make(map[string]storage.AgentRun)
	}
	h.runs[run.TaskID] = *run
	return nil
}

func (h *memHistory) GetAgentRun(_ context.Context, taskID string) (*storage.AgentRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := h.runs[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &run, nil
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	store, err := workspace.NewStore(filepath.Join(t.TempDir(), "efs"), 0)
	if err != nil {
		t.Fatal(err)
	}
	mgr := session.NewManager(store, session.Config{}, discardLogger())
	s, err := mgr.Create("alice")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRun_CompletesAfterSteps(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"completed": false, "actions": [
			{"type": "command", "command": "npm install", "critical": true},
			{"type": "create_file", "path": "notes/todo.txt", "content": "ship it"},
			{"type": "analyze", "reasoning": "dependencies look fine"}
		]}`,
		`{"completed": true, "result": "project set up"}`,
	}}
	runner := &fakeRunner{}
	history := &memHistory{}
	s := newSession(t)

	var events []Event
	loop := NewLoop(Config{}, provider, runner, discardLogger()).WithHistory(history)
	exec := loop.Run(context.Background(), "set up the project", s, Options{
		OnEvent: func(ev Event) { events = append(events, ev) },
	})

	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, error = %s", exec.Status, exec.Error)
	}
	if exec.Result != "project set up" {
		t.Errorf("result = %q", exec.Result)
	}
	if len(exec.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(exec.Steps))
	}
	for i, st := range exec.Steps {
		if !st.Result.Success {
			t.Errorf("step %d failed: %+v", i, st.Result)
		}
	}
	if exec.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", exec.Iterations)
	}
	if exec.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	data, err := os.ReadFile(filepath.Join(s.Workspace.Root, "notes", "todo.txt"))
	if err != nil || string(data) != "ship it" {
		t.Errorf("created file = %q, %v", data, err)
	}
	if len(runner.commands) != 1 || runner.commands[0] != "npm install" {
		t.Errorf("runner commands = %v", runner.commands)
	}
	if s.Busy() {
		t.Error("session slot should be released after the run")
	}

	if got := events[0].Type; got != EventTaskStarted {
		t.Errorf("first event = %s", got)
	}
	if got := events[len(events)-1]; got.Type != EventTaskCompleted || got.Status != StatusCompleted {
		t.Errorf("last event = %+v", got)
	}
	if n := countEvents(events, EventStepCompleted); n != 3 {
		t.Errorf("step events = %d, want 3", n)
	}

	if _, ok := history.runs[exec.TaskID]; !ok {
		t.Error("run was not persisted")
	}
}

func TestRun_CriticalFailureStops(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"completed": false, "actions": [
			{"type": "command", "command": "make build", "critical": true},
			{"type": "command", "command": "make deploy"}
		]}`,
	}}
	runner := &fakeRunner{fail: map[string]bool{"make build": true}}

	exec := NewLoop(Config{}, provider, runner, discardLogger()).
		Run(context.Background(), "deploy", newSession(t), Options{})

	if exec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if len(exec.Steps) != 1 {
		t.Errorf("expected execution to stop after the critical step, got %d steps", len(exec.Steps))
	}
	if len(runner.commands) != 1 {
		t.Errorf("runner commands = %v", runner.commands)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
}

func TestRun_NonCriticalFailureContinues(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"completed": false, "actions": [
			{"type": "command", "command": "make lint"},
			{"type": "command", "command": "make test"}
		]}`,
		`{"completed": true, "result": "tests ran"}`,
	}}
	runner := &fakeRunner{fail: map[string]bool{"make lint": true}}

	exec := NewLoop(Config{}, provider, runner, discardLogger()).
		Run(context.Background(), "test", newSession(t), Options{})

	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if len(exec.Steps) != 2 || exec.Steps[0].Result.Success || !exec.Steps[1].Result.Success {
		t.Errorf("unexpected steps %+v", exec.Steps)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"I think you should run `ls` and see."}}
	runner := &fakeRunner{}

	exec := NewLoop(Config{MaxIterations: 3}, provider, runner, discardLogger()).
		Run(context.Background(), "explore", newSession(t), Options{})

	if exec.Status != StatusMaxIterations {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.Iterations != 3 || provider.calls != 3 {
		t.Errorf("iterations = %d, calls = %d", exec.Iterations, provider.calls)
	}
	if len(runner.commands) != 3 {
		t.Errorf("runner commands = %v", runner.commands)
	}
}

func TestRun_ProviderError(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("rate limited")}

	var last Event
	exec := NewLoop(Config{}, provider, &fakeRunner{}, discardLogger()).
		Run(context.Background(), "anything", newSession(t), Options{
			OnEvent: func(ev Event) { last = ev },
		})

	if exec.Status != StatusError || exec.Error != "rate limited" {
		t.Errorf("status = %s, error = %q", exec.Status, exec.Error)
	}
	if last.Type != EventTaskError {
		t.Errorf("last event = %s", last.Type)
	}
}

func TestRun_Timeout(t *testing.T) {
	provider := &scriptedProvider{block: true}

	exec := NewLoop(Config{}, provider, &fakeRunner{}, discardLogger()).
		Run(context.Background(), "slow", newSession(t), Options{Timeout: 50 * time.Millisecond})

	if exec.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", exec.Status)
	}
}

func TestRun_BusySessionFailsStep(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"completed": false, "actions": [{"type": "command", "command": "ls", "critical": true}]}`,
	}}
	runner := &fakeRunner{}
	s := newSession(t)
	release, err := s.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	exec := NewLoop(Config{}, provider, runner, discardLogger()).
		Run(context.Background(), "list", s, Options{})

	if exec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if len(runner.commands) != 0 {
		t.Errorf("runner should not run while the session is busy: %v", runner.commands)
	}
}

func TestStartAndGet(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"completed": true, "result": "nothing to do"}`}}
	history := &memHistory{}
	loop := NewLoop(Config{}, provider, &fakeRunner{}, discardLogger()).WithHistory(history)

	done := make(chan struct{})
	snap := loop.Start(context.Background(), "noop", newSession(t), Options{
		OnEvent: func(ev Event) {
			if ev.Type == EventTaskCompleted {
				close(done)
			}
		},
	})
	if snap.Status != StatusRunning {
		t.Errorf("initial status = %s", snap.Status)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent task did not finish")
	}

	got, err := loop.Get(context.Background(), snap.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.Result != "nothing to do" {
		t.Errorf("unexpected execution %+v", got)
	}

	if _, err := loop.Get(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStart_SnapshotIsInitialState(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions": [{"type": "command", "command": "ls"}]}`,
		`{"completed": true, "result": "listed"}`,
	}}
	loop := NewLoop(Config{}, provider, &fakeRunner{}, discardLogger())

	for range 20 {
		done := make(chan struct{})
		snap := loop.Start(context.Background(), "list files", newSession(t), Options{
			OnEvent: func(ev Event) {
				if ev.Type == EventTaskCompleted || ev.Type == EventTaskError {
					close(done)
				}
			},
		})
		if snap.Status != StatusRunning || snap.Iterations != 0 || len(snap.Steps) != 0 || snap.CompletedAt != nil {
			t.Errorf("snapshot = %+v, want the state before the first iteration", snap)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("agent task did not finish")
		}
		provider.mu.Lock()
		provider.calls = 0
		provider.mu.Unlock()
	}
}

func TestGet_FallsBackToHistory(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	history := &memHistory{}
	_ = history.SaveAgentRun(context.Background(), &storage.AgentRun{
		TaskID:      "t-1",
		SessionID:   "s-1",
		Status:      string(StatusCompleted),
		Summary:     "done",
		Steps:       []byte(`[{"iteration":1,"action":"command","command":"ls","result":{"success":true,"output":"a","exitCode":0},"timestamp":"2026-03-01T10:00:01Z"}]`),
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
	})
	loop := NewLoop(Config{}, &scriptedProvider{}, &fakeRunner{}, discardLogger()).WithHistory(history)

	got, err := loop.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != "done" || len(got.Steps) != 1 || got.Steps[0].Command != "ls" {
		t.Errorf("unexpected execution %+v", got)
	}
	if got.DurationMs != 2000 {
		t.Errorf("duration = %d, want 2000", got.DurationMs)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.Put(&Execution{TaskID: "a", SessionID: "s", StartedAt: base})
	store.Put(&Execution{TaskID: "b", SessionID: "s", StartedAt: base.Add(time.Minute)})
	store.Put(&Execution{TaskID: "c", SessionID: "other", StartedAt: base})

	got := store.List("s")
	if len(got) != 2 || got[0].TaskID != "b" || got[1].TaskID != "a" {
		t.Errorf("unexpected list %+v", got)
	}
}

func countEvents(events []Event, typ string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProcessSandbox_Basic(t *testing.T) {
	sbx := NewProcessSandbox(ProcessConfig{}, discardLogger())
	dir := t.TempDir()

	res, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
}

func TestProcessSandbox_EnvIsolated(t *testing.T) {
	t.Setenv("WARP_TEST_SECRET", "leak")
	sbx := NewProcessSandbox(ProcessConfig{}, discardLogger())

	res, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo \"[$WARP_TEST_SECRET][$EXTRA][$HOME]\""},
		Env:     map[string]string{"EXTRA": "yes", "HOME": "/custom/home"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "[][yes][/custom/home]" {
		t.Errorf("stdout = %q", got)
	}
}

func TestProcessSandbox_TimeoutKillsGroup(t *testing.T) {
	sbx := NewProcessSandbox(ProcessConfig{}, discardLogger())

	start := time.Now()
	res, err := sbx.Execute(context.Background(), ExecutionRequest{
		// The background sleep keeps the pipe open unless the whole group dies.
		Command: []string{"sh", "-c", "sleep 30 & sleep 30"},
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("result = %+v, want timed out", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout overshoot: %s", elapsed)
	}
}

func TestProcessSandbox_EmptyCommand(t *testing.T) {
	sbx := NewProcessSandbox(ProcessConfig{}, discardLogger())
	if _, err := sbx.Execute(context.Background(), ExecutionRequest{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Execute err = %v", err)
	}
	if _, err := sbx.StartService(context.Background(), ServiceRequest{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("StartService err = %v", err)
	}
}

func TestProcessSandbox_CallerCancel(t *testing.T) {
	sbx := NewProcessSandbox(ProcessConfig{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := sbx.Execute(ctx, ExecutionRequest{Command: []string{"sleep", "5"}, Timeout: 10 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestProcessSandbox_Streaming(t *testing.T) {
	sbx := NewProcessSandbox(ProcessConfig{}, discardLogger())
	sink := &syncBuffer{}

	res, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo one; echo two >&2"},
		Sink:    sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := sink.String()
	if !strings.Contains(got, "one") || !strings.Contains(got, "two") {
		t.Errorf("sink = %q", got)
	}
	if strings.TrimSpace(res.Stdout) != "one" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestProcessSandbox_Service(t *testing.T) {
	sbx := NewProcessSandbox(ProcessConfig{}, discardLogger())
	sink := &syncBuffer{}

	svc, err := sbx.StartService(context.Background(), ServiceRequest{
		Command: []string{"sh", "-c", "echo listening on port $PORT; sleep 30"},
		Port:    4321,
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("StartService: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(sink.String(), "port 4321") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(sink.String(), "port 4321") {
		t.Errorf("sink = %q", sink.String())
	}

	if err := sbx.StopService(context.Background(), svc.ID); err != nil {
		t.Fatalf("StopService: %v", err)
	}
	select {
	case <-svc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("service did not exit")
	}
	if err := sbx.StopService(context.Background(), svc.ID); err != ErrServiceNotFound {
		t.Errorf("second stop err = %v", err)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}
	n, err := lw.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Errorf("Write = %d, %v", n, err)
	}
	n, _ = lw.Write([]byte("more"))
	if n != 4 || buf.String() != "hello" {
		t.Errorf("buf = %q, n = %d", buf.String(), n)
	}
}

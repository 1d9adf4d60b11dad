// Package sandbox runs user commands in isolated environments.
// Nothing a session submits ever runs directly on the host: the light path
// uses ProcessSandbox, the compute backend uses DockerSandbox.
package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrEmptyCommand is returned for a request without argv.
var ErrEmptyCommand = errors.New("sandbox: empty command")

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["bash", "-c", "ls"]).
	Command []string

	// WorkingDir is the directory the command starts in.
	WorkingDir string

	// Env adds extra environment variables on top of the minimal safe set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits

	// Sink, when set, receives stdout and stderr as they are produced.
	// Writes are serialized; a failing sink never aborts the command.
	Sink io.Writer
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a sandboxed command.
// A timed-out command has TimedOut set and ExitCode -1.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// sinkWriter serializes writes from the stdout and stderr copiers into one
// sink and swallows its errors.
type sinkWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (s sinkWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	_, _ = s.w.Write(p)
	s.mu.Unlock()
	return len(p), nil
}

// outputWriters returns the stdout/stderr writers for a command: capped
// buffers, teed into the sink when one is set.
func outputWriters(stdout, stderr io.Writer, sink io.Writer) (io.Writer, io.Writer) {
	out := io.Writer(&limitedWriter{w: stdout, remaining: maxOutputBytes})
	errw := io.Writer(&limitedWriter{w: stderr, remaining: maxOutputBytes})
	if sink == nil {
		return out, errw
	}
	sw := sinkWriter{mu: &sync.Mutex{}, w: sink}
	return io.MultiWriter(out, sw), io.MultiWriter(errw, sw)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	// Report the full length so io.MultiWriter keeps feeding the sink.
	return n, nil
}

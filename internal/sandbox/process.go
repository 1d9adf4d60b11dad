package sandbox

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// maxOutputBytes caps each of stdout and stderr.
	maxOutputBytes = 1 << 20

	defaultTimeout    = 120 * time.Second
	defaultCPUSeconds = 120
	defaultMemoryMB   = 1024

	// waitDelay bounds how long Run waits for pipes after the group is killed.
	waitDelay = 2 * time.Second
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
}

// ProcessSandbox runs commands as host processes, each in its own process
// group with ulimits, a scratch HOME and none of the server's environment.
// It backs the light executor and the process-mode heavy backend.
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	logger         *slog.Logger

	mu       sync.Mutex
	services map[string]*processService
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cmp.Or(cfg.DefaultTimeout, defaultTimeout)
	limits := cfg.DefaultLimits
	limits.MaxCPUSeconds = cmp.Or(limits.MaxCPUSeconds, defaultCPUSeconds)
	limits.MaxMemoryMB = cmp.Or(limits.MaxMemoryMB, defaultMemoryMB)

	return &ProcessSandbox{
		defaultTimeout: timeout,
		defaultLimits:  limits,
		logger:         logger,
		services:       make(map[string]*processService),
	}
}

// Execute runs req.Command under sh with ulimits applied. The deadline is
// reported as a TimedOut result; cancellation by the caller as ctx.Err().
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	timeout := cmp.Or(req.Timeout, s.defaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scratch, err := os.MkdirTemp("", "warp-exec-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			s.logger.Warn("removing sandbox scratch dir", slog.String("dir", scratch), slog.String("error", err.Error()))
		}
	}()

	limits := s.resolveLimits(req.Limits)
	cmd := groupCommand(runCtx, ulimitArgv(limits, req.Command), cmp.Or(req.WorkingDir, scratch), s.buildEnv(scratch, req.Env))
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = outputWriters(&stdout, &stderr, req.Sink)

	s.logger.Debug("sandbox command",
		slog.Any("argv", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)
	start := time.Now()
	runErr := cmd.Run()
	res := &ExecutionResult{Duration: time.Since(start)}

	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut, res.ExitCode = true, -1
		s.logger.Warn("sandbox command timed out", slog.Duration("timeout", timeout))
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running command: %w", runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()

	s.logger.Debug("sandbox command finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
		slog.Int("stdout_bytes", stdout.Len()),
	)
	return res, nil
}

// ulimitArgv wraps argv as sh -c 'ulimit ...; exec "$@"' _ argv... so the
// user's arguments are passed positionally and never parsed by the wrapper.
func ulimitArgv(l ResourceLimits, argv []string) []string {
	script := fmt.Sprintf(`ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec "$@"`, l.MaxMemoryMB*1024, l.MaxCPUSeconds)
	return append([]string{"/bin/sh", "-c", script, "_"}, argv...)
}

// groupCommand builds a command that runs in its own process group. When ctx
// is done the whole group, background children included, gets SIGKILL.
func groupCommand(ctx context.Context, argv []string, dir string, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// resolveLimits merges request-level overrides with sandbox defaults.
func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// buildEnv constructs a minimal, safe environment. The parent environment
// is never inherited, so API keys and credentials cannot leak into commands.
// Extra entries win over the base set (exec keeps the last duplicate).
func (s *ProcessSandbox) buildEnv(tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type processService struct {
	cmd *exec.Cmd
	svc *Service
}

// StartService launches a long-running process in its own process group.
// The process is not bound to ctx; it runs until StopService or it exits.
func (s *ProcessSandbox) StartService(_ context.Context, req ServiceRequest) (*Service, error) {
	if len(req.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	env := make(map[string]string, len(req.Env)+1)
	for k, v := range req.Env {
		env[k] = v
	}
	if req.Port > 0 {
		env["PORT"] = strconv.Itoa(req.Port)
	}
	// Services outlive the request that started them.
	cmd := groupCommand(context.Background(), req.Command, req.WorkingDir, s.buildEnv(cmp.Or(req.WorkingDir, os.TempDir()), env))
	if req.Sink != nil {
		sw := sinkWriter{mu: &sync.Mutex{}, w: req.Sink}
		cmd.Stdout, cmd.Stderr = sw, sw
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting service: %w", err)
	}

	svc := NewService(uuid.New().String(), req.Port)
	s.mu.Lock()
	s.services[svc.ID] = &processService{cmd: cmd, svc: svc}
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.services, svc.ID)
		s.mu.Unlock()
		svc.MarkExited()
		attrs := []any{slog.String("service_id", svc.ID)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.logger.Info("service exited", attrs...)
	}()

	s.logger.Info("service started",
		slog.String("service_id", svc.ID),
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Int("port", req.Port),
	)
	return svc, nil
}

// StopService sends SIGINT to the service's process group and escalates
// to SIGKILL if it has not exited after a grace period.
func (s *ProcessSandbox) StopService(ctx context.Context, id string) error {
	s.mu.Lock()
	ps, ok := s.services[id]
	s.mu.Unlock()
	if !ok {
		return ErrServiceNotFound
	}

	pgid := -ps.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGINT)

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-ps.svc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Warn("service did not stop after SIGINT, killing", slog.String("service_id", id))
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-ps.svc.done
	return nil
}

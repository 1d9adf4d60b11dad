package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 2.0
	defaultDockerImage     = "warp-runtime:latest"

	// DefaultContainerLabel marks every container created by warp.
	DefaultContainerLabel = "warp.managed"

	containerWorkDir = "/workspace"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image          string        // Container image (e.g. "warp-runtime:latest").
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // Memory hard limit, swap disabled.
	CPUCores       float64       // CPU rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int64         // Prevents fork bombs.
	NetworkAllowed bool          // false = network mode "none". Services always get a network.
	Label          string        // Label applied to managed containers.
}

// DockerSandbox executes commands inside ephemeral containers through the
// Docker Engine API. The working directory is bind-mounted at /workspace.
//
// Security guarantees:
//   - Each execution gets its own container, force-removed afterwards
//   - ALL Linux capabilities dropped
//   - Privilege escalation blocked (no-new-privileges)
//   - Memory hard limit with no swap, PIDs limit, CPU quota
//   - stdout/stderr capped to prevent OOM on the host
type DockerSandbox struct {
	cli    *client.Client
	config DockerConfig
	logger *slog.Logger

	mu       sync.Mutex
	services map[string]*Service
}

// NewDockerSandbox connects to the Docker daemon from the environment
// (DOCKER_HOST etc.) and negotiates the API version.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) (*DockerSandbox, error) {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.Label == "" {
		cfg.Label = DefaultContainerLabel
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerSandbox{
		cli:      cli,
		config:   cfg,
		logger:   logger,
		services: make(map[string]*Service),
	}, nil
}

// Client exposes the underlying Docker client.
func (s *DockerSandbox) Client() *client.Client { return s.cli }

// Ping checks the Docker daemon is reachable.
func (s *DockerSandbox) Ping(ctx context.Context) error {
	_, err := s.cli.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

// Execute runs a command in a fresh container and waits for it to exit.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.ensureImage(runCtx); err != nil {
		return nil, err
	}

	cfg, hostCfg := s.containerConfig(req.Command, req.WorkingDir, req.Env, req.Limits)
	if !s.config.NetworkAllowed {
		hostCfg.NetworkMode = "none"
	}
	created, err := s.cli.ContainerCreate(runCtx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	id := created.ID
	defer s.forceRemove(id)

	// Attach before start so no early output is lost.
	attach, err := s.cli.ContainerAttach(runCtx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutW, stderrW := outputWriters(&stdoutBuf, &stderrBuf, req.Sink)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
	}()

	s.logger.Info("container executing",
		slog.Any("command", req.Command),
		slog.String("dir", req.WorkingDir),
		slog.String("image", s.config.Image),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := s.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	statusCh, errCh := s.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	exitCode := -1
	select {
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	case err := <-errCh:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.kill(id)
			attach.Close()
			<-copyDone
			duration := time.Since(start)
			s.logger.Warn("container execution timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return &ExecutionResult{
				Stdout:   stdoutBuf.String(),
				Stderr:   stderrBuf.String(),
				ExitCode: -1,
				Duration: duration,
				TimedOut: true,
			}, nil
		}
		if ctx.Err() != nil {
			s.kill(id)
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("waiting for container: %w", err)
	}
	<-copyDone
	duration := time.Since(start)

	s.logger.Info("container execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// StartService runs a long-lived container with req.Port published on a
// random loopback port and streams its logs into req.Sink.
func (s *DockerSandbox) StartService(ctx context.Context, req ServiceRequest) (*Service, error) {
	if len(req.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := s.ensureImage(ctx); err != nil {
		return nil, err
	}

	env := map[string]string{}
	for k, v := range req.Env {
		env[k] = v
	}
	cfg, hostCfg := s.containerConfig(req.Command, req.WorkingDir, env, ResourceLimits{})
	var port nat.Port
	if req.Port > 0 {
		port = nat.Port(strconv.Itoa(req.Port) + "/tcp")
		env["PORT"] = strconv.Itoa(req.Port)
		cfg.Env = envList(env)
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
	}

	created, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating service container: %w", err)
	}
	id := created.ID
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		s.forceRemove(id)
		return nil, fmt.Errorf("starting service container: %w", err)
	}

	svc := NewService(id, 0)
	if req.Port > 0 {
		hostPort, err := s.hostPort(ctx, id, port)
		if err != nil {
			s.forceRemove(id)
			return nil, err
		}
		svc.Port = hostPort
	}

	s.mu.Lock()
	s.services[id] = svc
	s.mu.Unlock()

	go s.followService(svc, req.Sink)

	s.logger.Info("service container started",
		slog.String("container_id", shortID(id)),
		slog.Any("command", req.Command),
		slog.Int("container_port", req.Port),
		slog.Int("host_port", svc.Port),
	)
	return svc, nil
}

// StopService sends SIGINT to the service container and lets Docker
// escalate to SIGKILL after the grace period, then removes it.
func (s *DockerSandbox) StopService(ctx context.Context, id string) error {
	s.mu.Lock()
	svc, ok := s.services[id]
	s.mu.Unlock()
	if !ok {
		return ErrServiceNotFound
	}
	grace := int(stopGrace.Seconds())
	if err := s.cli.ContainerStop(ctx, id, container.StopOptions{Signal: "SIGINT", Timeout: &grace}); err != nil {
		s.logger.Warn("stopping service container failed",
			slog.String("container_id", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
	s.forceRemove(id)
	select {
	case <-svc.done:
	case <-ctx.Done():
	}
	return nil
}

// CountRunning returns the number of running containers carrying label.
func (s *DockerSandbox) CountRunning(ctx context.Context, label string) (int, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	return len(list), nil
}

// StartStopped starts the first stopped container carrying label.
// It reports false when there is none.
func (s *DockerSandbox) StartStopped(ctx context.Context, label string) (bool, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", label),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return false, fmt.Errorf("listing containers: %w", err)
	}
	if len(list) == 0 {
		return false, nil
	}
	if err := s.cli.ContainerStart(ctx, list[0].ID, container.StartOptions{}); err != nil {
		return false, fmt.Errorf("starting container %s: %w", shortID(list[0].ID), err)
	}
	return true, nil
}

func (s *DockerSandbox) followService(svc *Service, sink io.Writer) {
	defer func() {
		s.mu.Lock()
		delete(s.services, svc.ID)
		s.mu.Unlock()
		svc.MarkExited()
	}()
	ctx := context.Background()
	logs, err := s.cli.ContainerLogs(ctx, svc.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		s.logger.Warn("following service logs failed",
			slog.String("container_id", shortID(svc.ID)),
			slog.String("error", err.Error()),
		)
		return
	}
	defer logs.Close()
	w := io.Discard
	if sink != nil {
		w = sinkWriter{mu: &sync.Mutex{}, w: sink}
	}
	// Returns when the container stops and the log stream ends.
	_, _ = stdcopy.StdCopy(w, w, logs)
}

func (s *DockerSandbox) hostPort(ctx context.Context, id string, port nat.Port) (int, error) {
	inspect, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("inspecting container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return 0, fmt.Errorf("container %s has no network settings", shortID(id))
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("port %s is not published", port)
	}
	p, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parsing host port %q: %w", bindings[0].HostPort, err)
	}
	return p, nil
}

func (s *DockerSandbox) containerConfig(cmd []string, workDir string, env map[string]string, limits ResourceLimits) (*container.Config, *container.HostConfig) {
	memoryMB := s.config.MemoryMB
	if limits.MaxMemoryMB > 0 {
		memoryMB = limits.MaxMemoryMB
	}
	pids := s.config.PIDsLimit
	cfg := &container.Config{
		Image:      s.config.Image,
		Cmd:        cmd,
		Env:        envList(env),
		WorkingDir: containerWorkDir,
		Labels:     map[string]string{s.config.Label: "true"},
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:     int64(memoryMB) * 1024 * 1024,
			MemorySwap: int64(memoryMB) * 1024 * 1024,
			NanoCPUs:   int64(s.config.CPUCores * 1e9),
			PidsLimit:  &pids,
		},
		Tmpfs: map[string]string{"/tmp": "rw,nosuid,size=256m"},
	}
	if workDir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: containerWorkDir,
		}}
	}
	return cfg, hostCfg
}

// ensureImage pulls the image if it doesn't exist locally.
func (s *DockerSandbox) ensureImage(ctx context.Context) error {
	if _, _, err := s.cli.ImageInspectWithRaw(ctx, s.config.Image); err == nil {
		return nil
	}
	reader, err := s.cli.ImagePull(ctx, s.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", s.config.Image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", s.config.Image, err)
	}
	return nil
}

func (s *DockerSandbox) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		s.logger.Debug("container kill failed", slog.String("container_id", shortID(id)), slog.String("error", err.Error()))
	}
}

// forceRemove removes a container regardless of the request context.
func (s *DockerSandbox) forceRemove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		s.logger.Warn("failed to remove container",
			slog.String("container_id", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

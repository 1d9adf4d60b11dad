package heavy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scaler reports and adjusts how many compute instances are running.
type Scaler interface {
	Running(ctx context.Context) (int, error)
	ScaleTo(ctx context.Context, n int) error
}

// HealthScaler treats a reachable /health endpoint as one running
// instance. It cannot start instances; ScaleTo is a no-op and waiting
// relies on an external orchestrator bringing the backend up.
type HealthScaler struct {
	endpoint string
	client   *http.Client
}

// NewHealthScaler polls endpoint/health with a short timeout.
func NewHealthScaler(endpoint string) *HealthScaler {
	return &HealthScaler{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HealthScaler) Running(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, nil
	}
	return 1, nil
}

func (s *HealthScaler) ScaleTo(context.Context, int) error { return nil }

// ContainerControl is the subset of the Docker sandbox a DockerScaler needs.
type ContainerControl interface {
	CountRunning(ctx context.Context, label string) (int, error)
	StartStopped(ctx context.Context, label string) (bool, error)
}

// DockerScaler counts and starts compute containers identified by a label.
type DockerScaler struct {
	docker ContainerControl
	label  string
}

// NewDockerScaler creates a scaler over containers carrying label
// (e.g. "warp.role=heavy").
func NewDockerScaler(docker ContainerControl, label string) *DockerScaler {
	return &DockerScaler{docker: docker, label: label}
}

func (s *DockerScaler) Running(ctx context.Context) (int, error) {
	return s.docker.CountRunning(ctx, s.label)
}

// ScaleTo starts one stopped container when fewer than n are running.
func (s *DockerScaler) ScaleTo(ctx context.Context, n int) error {
	running, err := s.docker.CountRunning(ctx, s.label)
	if err != nil {
		return err
	}
	if running >= n {
		return nil
	}
	started, err := s.docker.StartStopped(ctx, s.label)
	if err != nil {
		return err
	}
	if !started {
		return fmt.Errorf("no stopped container labeled %q", s.label)
	}
	return nil
}

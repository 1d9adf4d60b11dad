package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrServiceNotFound is returned when stopping an unknown service.
var ErrServiceNotFound = errors.New("service not found")

// stopGrace is how long a service gets to exit after SIGINT before SIGKILL.
const stopGrace = 5 * time.Second

// ServiceRunner starts and stops long-running processes such as dev servers.
// Unlike Execute, StartService returns as soon as the process is running.
type ServiceRunner interface {
	StartService(ctx context.Context, req ServiceRequest) (*Service, error)
	StopService(ctx context.Context, id string) error
}

// ServiceRequest describes a long-running process.
type ServiceRequest struct {
	Command    []string
	WorkingDir string
	Env        map[string]string
	// Port is the port the process listens on inside its environment.
	// Container runners publish it on a random host port.
	Port int
	// Sink receives the process output until it exits.
	Sink io.Writer
}

// Service is a running long-lived process.
type Service struct {
	ID        string
	Port      int // port reachable from this host
	StartedAt time.Time
	done      chan struct{}
	exitOnce  sync.Once
}

// NewService returns a running Service. Runners call MarkExited once the
// process is gone.
func NewService(id string, port int) *Service {
	return &Service{ID: id, Port: port, StartedAt: time.Now().UTC(), done: make(chan struct{})}
}

// MarkExited closes Done.
func (s *Service) MarkExited() { s.exitOnce.Do(func() { close(s.done) }) }

// Done is closed when the process exits.
func (s *Service) Done() <-chan struct{} { return s.done }

package heavy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warp/internal/detector"
	"github.com/jkaninda/warp/internal/observability"
	"github.com/jkaninda/warp/internal/sandbox"
)

const defaultStartWait = 20 * time.Second

// ErrorBody is the error response of the compute backend.
type ErrorBody struct {
	Error string `json:"error"`
}

// ServerConfig configures the compute backend server.
type ServerConfig struct {
	ListenAddr  string
	ProjectsDir string
	// Timeout is the ceiling for every command. Default 30m.
	Timeout time.Duration
	// StartWait bounds how long a dev-server start waits for readiness
	// before answering anyway.
	StartWait time.Duration
	// PreviewHost is the host put in dev-server URLs. Default localhost.
	PreviewHost string

	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
}

// Server is the compute backend: it runs heavy commands and hosts
// development servers.
type Server struct {
	config   ServerConfig
	sandbox  sandbox.Sandbox
	runner   sandbox.ServiceRunner
	detector *detector.Detector
	logger   *slog.Logger
	okapi    *okapi.Okapi
	server   *http.Server

	startedAt    time.Time
	lastActivity atomic.Int64

	mu         sync.Mutex
	devServers map[string]*devServer
	// starting holds keys whose dev server is being launched; the channel
	// closes when the launch settles.
	starting map[string]chan struct{}
}

// NewServer creates the compute backend with its routes registered.
func NewServer(cfg ServerConfig, sb sandbox.Sandbox, runner sandbox.ServiceRunner, logger *slog.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = defaultProjectsDir
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StartWait <= 0 {
		cfg.StartWait = defaultStartWait
	}
	if cfg.PreviewHost == "" {
		cfg.PreviewHost = "localhost"
	}
	s := &Server{
		config:     cfg,
		sandbox:    sb,
		runner:     runner,
		detector:   detector.New(),
		logger:     logger,
		okapi:      okapi.New(),
		startedAt:  time.Now(),
		devServers: make(map[string]*devServer),
		starting:   make(map[string]chan struct{}),
	}
	s.touch()
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, "", next)
		})
	}

	s.okapi.Get("/health", s.handleHealth,
		okapi.DocSummary("Compute backend health"),
		okapi.DocTags("Health"),
	)
	s.okapi.Post(endpointExecute, s.handleExecute,
		okapi.DocSummary("Run a heavy command"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(RemoteRequest{}),
		okapi.DocResponse(RemoteResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	s.okapi.Post(endpointDevServerStart, s.handleDevServerStart,
		okapi.DocSummary("Start a development server"),
		okapi.DocTags("Dev servers"),
		okapi.DocRequestBody(DevServerRequest{}),
		okapi.DocResponse(DevServerResult{}),
	)
	s.okapi.Post("/dev-server/stop", s.handleDevServerStop,
		okapi.DocSummary("Stop a development server"),
		okapi.DocTags("Dev servers"),
		okapi.DocRequestBody(DevServerRequest{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.okapi.Get("/dev-server/status", s.handleDevServerStatus,
		okapi.DocSummary("List running development servers"),
		okapi.DocTags("Dev servers"),
		okapi.DocResponse([]DevServerInfo{}),
	)
	s.okapi.Get("/system/info", s.handleSystemInfo,
		okapi.DocSummary("Compute host information"),
		okapi.DocTags("Health"),
	)
}

// Handler returns the HTTP handler of the backend.
func (s *Server) Handler() http.Handler { return s.okapi }

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Responses to heavy commands arrive only when the command ends.
		WriteTimeout: s.config.Timeout + time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	s.logger.Info("compute backend starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop stops every dev server and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	servers := make([]*devServer, 0, len(s.devServers))
	for _, d := range s.devServers {
		servers = append(servers, d)
	}
	s.mu.Unlock()
	for _, d := range servers {
		if err := s.runner.StopService(ctx, d.svc.ID); err != nil && !errors.Is(err, sandbox.ErrServiceNotFound) {
			s.logger.Warn("stopping dev server failed", slog.String("id", d.id), slog.String("error", err.Error()))
		}
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("compute backend stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Server) handleHealth(c *okapi.Context) error {
	return c.OK(okapi.M{
		"status":       "healthy",
		"uptime":       int64(time.Since(s.startedAt).Seconds()),
		"lastActivity": time.Unix(0, s.lastActivity.Load()).UTC().Format(time.RFC3339),
		"devServers":   s.devServerCount(),
	})
}

func (s *Server) handleExecute(c *okapi.Context) error {
	s.touch()
	var req RemoteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	if req.Command == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Command is required"})
	}

	dir := ResolveWorkingDir(s.config.ProjectsDir, req.WorkingDir, req.Repository)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return c.JSON(http.StatusInternalServerError, RemoteResult{ExitCode: -1, Error: err.Error(), WorkingDir: dir})
	}

	s.logger.Info("heavy command received",
		slog.String("session_id", req.SessionID),
		slog.String("repository", req.Repository),
		slog.String("working_dir", dir),
	)

	if IsDevServerCommand(req.Command) {
		start := time.Now()
		res := s.startDevServer(c.Context(), DevServerRequest{
			Repository: req.Repository,
			WorkingDir: dir,
			Command:    req.Command,
			Port:       CommandPort(req.Command),
			SessionID:  req.SessionID,
		})
		out := RemoteResult{
			Success:       res.Success,
			Output:        res.Message,
			Error:         res.Error,
			ExecutionTime: time.Since(start).Milliseconds(),
			WorkingDir:    dir,
			Repository:    req.Repository,
			URL:           res.URL,
			WebURL:        res.WebURL,
			Port:          res.Port,
			ServerType:    res.ServerType,
		}
		if res.Output != "" {
			out.Output += "\n" + res.Output
		}
		if !res.Success {
			out.ExitCode = 1
		}
		return c.OK(out)
	}

	res, err := s.sandbox.Execute(c.Context(), sandbox.ExecutionRequest{
		Command:    []string{"bash", "-c", req.Command},
		WorkingDir: dir,
		Env:        map[string]string{"WARP_SESSION": req.SessionID},
		Timeout:    s.config.Timeout,
	})
	if err != nil {
		s.logger.Error("heavy command failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, RemoteResult{ExitCode: -1, Error: err.Error(), WorkingDir: dir})
	}
	if res.TimedOut {
		return c.OK(RemoteResult{
			Output:        res.Stdout,
			Error:         fmt.Sprintf("Command timeout after %s", s.config.Timeout),
			ExitCode:      -1,
			ExecutionTime: res.Duration.Milliseconds(),
			WorkingDir:    dir,
			Repository:    req.Repository,
		})
	}
	return c.OK(RemoteResult{
		Success:       res.ExitCode == 0,
		Output:        res.Stdout,
		Error:         res.Stderr,
		ExitCode:      res.ExitCode,
		ExecutionTime: res.Duration.Milliseconds(),
		WorkingDir:    dir,
		Repository:    req.Repository,
	})
}

func (s *Server) handleDevServerStart(c *okapi.Context) error {
	s.touch()
	var req DevServerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	req.WorkingDir = ResolveWorkingDir(s.config.ProjectsDir, req.WorkingDir, req.Repository)
	if err := os.MkdirAll(req.WorkingDir, 0o755); err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}
	res := s.startDevServer(c.Context(), req)
	if !res.Success {
		return c.JSON(http.StatusInternalServerError, res)
	}
	return c.OK(res)
}

// startDevServer launches the server, or returns the one already running
// for the same project. It waits for the detector to see the server
// listening, the process to exit, or StartWait to elapse, whichever
// comes first; on timeout the server is reported as started anyway.
func (s *Server) startDevServer(ctx context.Context, req DevServerRequest) *DevServerResult {
	port := req.Port
	if port <= 0 {
		port = defaultDevPort
	}
	key := devServerKey(req.Repository, req.WorkingDir)

	existing, release, err := s.reserveDevServer(ctx, key)
	if err != nil {
		return &DevServerResult{Error: err.Error()}
	}
	if existing != nil {
		return &DevServerResult{
			Success:    true,
			ID:         existing.id,
			URL:        existing.url,
			WebURL:     existing.url,
			Port:       existing.port,
			ServerType: existing.serverType,
			Message:    "Development server already running",
		}
	}
	defer release()

	command := prepareDevCommand(req.Command, req.WorkingDir, port)
	events := make(chan detector.Event, 1)
	watcher := detector.NewWatcher(s.detector, command, func(ev detector.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	svc, err := s.runner.StartService(ctx, sandbox.ServiceRequest{
		Command:    []string{"bash", "-c", command},
		WorkingDir: req.WorkingDir,
		Env:        map[string]string{"WARP_SESSION": req.SessionID},
		Port:       port,
		Sink:       watcher,
	})
	if err != nil {
		return &DevServerResult{Error: fmt.Sprintf("Failed to start development server: %v", err)}
	}

	timer := time.NewTimer(s.config.StartWait)
	defer timer.Stop()

	var detected *detector.Event
	select {
	case ev := <-events:
		detected = &ev
	case <-svc.Done():
		return &DevServerResult{
			Error:  "Development server exited during startup",
			Output: watcher.Output(),
		}
	case <-timer.C:
		s.logger.Warn("dev server readiness not observed, continuing",
			slog.String("command", command),
			slog.Duration("waited", s.config.StartWait),
		)
	case <-ctx.Done():
		_ = s.runner.StopService(context.Background(), svc.ID)
		return &DevServerResult{Error: ctx.Err().Error()}
	}

	// Container runners publish the port elsewhere on the host; process
	// runners share the host network, where the server may pick its own
	// port regardless of the one requested.
	hostPort := svc.Port
	if hostPort == 0 {
		hostPort = port
	}
	serverType := detector.ClassifyServerType(watcher.Output(), command)
	if detected != nil {
		serverType = detected.ServerType
		if svc.Port == port && detected.Port != port {
			hostPort = detected.Port
		}
	}

	d := &devServer{
		svc:        svc,
		id:         svc.ID,
		key:        key,
		repository: req.Repository,
		command:    command,
		dir:        req.WorkingDir,
		port:       hostPort,
		url:        "http://" + net.JoinHostPort(s.config.PreviewHost, strconv.Itoa(hostPort)),
		serverType: serverType,
		startedAt:  svc.StartedAt,
	}
	s.mu.Lock()
	s.devServers[key] = d
	s.mu.Unlock()
	go s.reap(d)

	s.config.Metrics.RecordDevServer(serverType)
	s.logger.Info("dev server started",
		slog.String("id", d.id),
		slog.String("server_type", serverType),
		slog.Int("port", hostPort),
		slog.Bool("detected", detected != nil),
	)

	msg := fmt.Sprintf("%s started on port %d", serverType, hostPort)
	if detected == nil {
		msg += " (readiness not confirmed yet)"
	}
	return &DevServerResult{
		Success:    true,
		ID:         d.id,
		URL:        d.url,
		WebURL:     d.url,
		Port:       hostPort,
		ServerType: serverType,
		Message:    msg,
		Output:     watcher.Output(),
	}
}

// reserveDevServer returns the dev server running under key, or claims
// key for the caller, who must call release once the launch settles.
// Concurrent callers for the same key wait for the claim to end.
func (s *Server) reserveDevServer(ctx context.Context, key string) (*devServer, func(), error) {
	for {
		s.mu.Lock()
		if d, ok := s.devServers[key]; ok {
			s.mu.Unlock()
			return d, nil, nil
		}
		wait, busy := s.starting[key]
		if !busy {
			ch := make(chan struct{})
			s.starting[key] = ch
			s.mu.Unlock()
			return nil, func() {
				s.mu.Lock()
				delete(s.starting, key)
				s.mu.Unlock()
				close(ch)
			}, nil
		}
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// reap forgets a dev server once its process exits.
func (s *Server) reap(d *devServer) {
	<-d.svc.Done()
	s.mu.Lock()
	if cur, ok := s.devServers[d.key]; ok && cur == d {
		delete(s.devServers, d.key)
	}
	s.mu.Unlock()
	s.logger.Info("dev server exited", slog.String("id", d.id))
}

func (s *Server) handleDevServerStop(c *okapi.Context) error {
	s.touch()
	var req DevServerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	key := devServerKey(req.Repository, ResolveWorkingDir(s.config.ProjectsDir, req.WorkingDir, req.Repository))

	s.mu.Lock()
	d, ok := s.devServers[key]
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "No development server running for this project"})
	}
	if err := s.runner.StopService(c.Context(), d.svc.ID); err != nil && !errors.Is(err, sandbox.ErrServiceNotFound) {
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}
	s.mu.Lock()
	if cur, ok := s.devServers[key]; ok && cur == d {
		delete(s.devServers, key)
	}
	s.mu.Unlock()
	return c.OK(okapi.M{"success": true, "message": "Development server stopped", "id": d.id})
}

func (s *Server) handleDevServerStatus(c *okapi.Context) error {
	return c.OK(s.DevServers())
}

// DevServers lists running dev servers, oldest first.
func (s *Server) DevServers() []DevServerInfo {
	now := time.Now()
	s.mu.Lock()
	out := make([]DevServerInfo, 0, len(s.devServers))
	for _, d := range s.devServers {
		out = append(out, d.info(now))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Server) devServerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devServers)
}

func (s *Server) handleSystemInfo(c *okapi.Context) error {
	s.touch()
	host, _ := os.Hostname()
	return c.OK(okapi.M{
		"platform":          runtime.GOOS,
		"arch":              runtime.GOARCH,
		"cpus":              runtime.NumCPU(),
		"goVersion":         runtime.Version(),
		"hostname":          host,
		"uptime":            int64(time.Since(s.startedAt).Seconds()),
		"projectsDir":       s.config.ProjectsDir,
		"commandTimeout":    s.config.Timeout.String(),
		"runningDevServers": s.devServerCount(),
	})
}

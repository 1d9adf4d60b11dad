// Package router decides where each command runs and carries it out:
// the light path is the local sandbox executor, the heavy path is the
// remote compute backend, with a single fallback to the light path when
// the remote call fails.
package router

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/detector"
	"github.com/jkaninda/warp/internal/heavy"
	"github.com/jkaninda/warp/internal/observability"
	"github.com/jkaninda/warp/internal/preview"
	"github.com/jkaninda/warp/internal/sandbox"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/storage"
)

// Executor names reported in results.
const (
	ExecutorSandbox       = "sandbox"
	ExecutorHeavy         = "heavy"
	ExecutorHeavyFallback = "heavy-fallback-sandbox"
	ExecutorRouter        = "router"
)

// Routing labels reported in results.
const (
	RoutingLight    = "light"
	RoutingHeavy    = "heavy"
	RoutingFallback = "fallback"
	RoutingRejected = "rejected"
)

// historyOutputBytes bounds the output kept per history row.
const historyOutputBytes = 4 << 10

const errNoServerPort = "development server started but its port could not be determined"

// LightRunner is the sandboxed executor.
type LightRunner interface {
	Run(ctx context.Context, s *session.Session, command string, sink io.Writer) *sandbox.Result
}

// HeavyRunner is the compute backend client.
type HeavyRunner interface {
	RunRemote(ctx context.Context, req heavy.RemoteRequest) (*heavy.RemoteResult, error)
}

// PreviewRegistrar publishes discovered dev servers.
type PreviewRegistrar interface {
	Register(sessionID, host string, port int, serverType string) (*preview.Binding, error)
	URLFor(sessionID string) string
}

// ExecutionRecorder persists finished executions.
type ExecutionRecorder interface {
	SaveExecution(ctx context.Context, e *storage.Execution) error
}

// ServerEvent announces a dev server published behind the preview proxy.
type ServerEvent struct {
	SessionID  string `json:"sessionId"`
	Port       int    `json:"port"`
	HostPort   string `json:"hostPort"`
	ServerType string `json:"serverType"`
	PreviewURL string `json:"previewUrl"`
}

// Request is one command submitted for a session.
type Request struct {
	Command    string `json:"command"`
	Repository string `json:"repository,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	ForceHeavy bool   `json:"forceHeavy,omitempty"`
	// OnServerDetected, when set, is called in addition to the router's hook.
	OnServerDetected func(ServerEvent) `json:"-"`
}

// Result is returned for every dispatch, including failures.
type Result struct {
	Success       bool        `json:"success"`
	Output        string      `json:"output"`
	Error         string      `json:"error"`
	ExitCode      int         `json:"exitCode"`
	Executor      string      `json:"executor"`
	Routing       string      `json:"routing"`
	Kind          apperr.Kind `json:"kind,omitempty"`
	ExecutionTime int64       `json:"executionTime"`
	URL           string      `json:"url,omitempty"`
	WebURL        string      `json:"webUrl,omitempty"`
	Port          int         `json:"port,omitempty"`
	ServerType    string      `json:"serverType,omitempty"`
	HeavyError    string      `json:"heavyError,omitempty"`
	ExpectedFiles []string    `json:"expectedFiles,omitempty"`
	WorkingDir    string      `json:"workingDir,omitempty"`
}

// Config configures a Router.
type Config struct {
	// HeavyHost is the preview proxy target host used when the compute
	// backend reports a port without a URL.
	HeavyHost string
}

// Router dispatches commands. Safe for concurrent use; per-session
// serialization comes from session.Acquire.
type Router struct {
	light    LightRunner
	heavy    HeavyRunner
	guard    *sandbox.Guard
	detector *detector.Detector
	logger   *slog.Logger
	config   Config

	previews PreviewRegistrar
	history  ExecutionRecorder
	metrics  *observability.MetricsCollector
	anomaly  *observability.AnomalyDetector
	tracer   trace.Tracer
	onServer func(ServerEvent)
}

// New creates a Router. heavy may be nil, in which case every command runs
// on the light path. A nil guard uses the default deny-list.
func New(cfg Config, light LightRunner, heavyRunner HeavyRunner, guard *sandbox.Guard, logger *slog.Logger) *Router {
	if guard == nil {
		guard = sandbox.NewGuard()
	}
	return &Router{
		light:    light,
		heavy:    heavyRunner,
		guard:    guard,
		detector: detector.New(),
		logger:   logger,
		config:   cfg,
	}
}

// WithPreviews enables preview registration for heavy results.
func (r *Router) WithPreviews(reg PreviewRegistrar) *Router {
	r.previews = reg
	return r
}

// WithHistory records every dispatch.
func (r *Router) WithHistory(h ExecutionRecorder) *Router {
	r.history = h
	return r
}

// WithObservability enables metrics, anomaly tracking and tracing. Any
// argument may be nil.
func (r *Router) WithObservability(metrics *observability.MetricsCollector, anomaly *observability.AnomalyDetector, ts *observability.TracerSetup) *Router {
	r.metrics = metrics
	r.anomaly = anomaly
	if ts != nil {
		r.tracer = ts.Tracer()
	}
	return r
}

// OnServerDetected registers a hook fired for every published dev server.
func (r *Router) OnServerDetected(fn func(ServerEvent)) *Router {
	r.onServer = fn
	return r
}

// HeavyEnabled reports whether a compute backend is configured.
func (r *Router) HeavyEnabled() bool { return r.heavy != nil }

// Dispatch runs one command for s and always returns a Result. Output is
// streamed to sink as it is produced (light path) or when the remote call
// returns (heavy path). sink may be nil.
func (r *Router) Dispatch(ctx context.Context, s *session.Session, req Request, sink io.Writer) *Result {
	start := time.Now()
	command := NormalizeCommand(req.Command)
	if sink == nil {
		sink = io.Discard
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "router.dispatch",
			trace.WithAttributes(attribute.String("session.id", s.ID)))
		defer span.End()
	}

	res := r.dispatch(ctx, s, command, req, sink)
	res.ExecutionTime = time.Since(start).Milliseconds()

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("router.executor", res.Executor),
			attribute.String("router.routing", res.Routing),
			attribute.Bool("router.success", res.Success),
		)
	}
	r.metrics.RecordCommand(res.Executor, res.Routing, res.Success, time.Since(start))
	r.record(ctx, s, command, res)
	return res
}

func (r *Router) dispatch(ctx context.Context, s *session.Session, command string, req Request, sink io.Writer) *Result {
	if command == "" {
		return &Result{ExitCode: -1, Error: "No command provided", Executor: ExecutorRouter, Routing: RoutingRejected}
	}

	release, err := s.Acquire()
	if err != nil {
		return rejected(err)
	}
	defer release()

	if reason := r.guard.Check(command); reason != "" {
		r.logger.Warn("command blocked",
			slog.String("session_id", s.ID),
			slog.String("reason", reason),
		)
		r.metrics.RecordBlocked()
		return rejected(apperr.New(apperr.KindCommandBlocked, "Command blocked for security: "+command))
	}

	if req.Repository == "" {
		if need, ok := RequiredProject(command); ok {
			res := rejected(apperr.New(apperr.KindRepositoryRequired, need.Message(command)))
			res.ExpectedFiles = need.Files
			return res
		}
	}

	route := Classify(command, req.ForceHeavy)
	if route == RouteHeavy && r.heavy == nil {
		r.logger.Debug("no compute backend configured, running heavy command locally",
			slog.String("session_id", s.ID))
		route = RouteLight
	}
	if route == RouteLight {
		return fromLight(r.light.Run(ctx, s, command, sink), ExecutorSandbox, RoutingLight)
	}

	remote, err := r.heavy.RunRemote(ctx, heavy.RemoteRequest{
		Command:    command,
		WorkingDir: req.WorkingDir,
		Repository: req.Repository,
		SessionID:  s.ID,
	})
	if err != nil {
		return r.fallback(ctx, s, command, err, sink)
	}
	r.anomaly.RecordSuccess("heavy")

	res := fromRemote(remote)
	if res.Output != "" {
		_, _ = io.WriteString(sink, res.Output)
	}
	r.publish(s, command, remote, res, req.OnServerDetected)
	return res
}

// fallback re-runs command once on the light path after a heavy failure.
func (r *Router) fallback(ctx context.Context, s *session.Session, command string, heavyErr error, sink io.Writer) *Result {
	kind := apperr.KindOf(heavyErr)
	if kind == apperr.KindRepositoryRequired || kind == apperr.KindCommandBlocked {
		return rejected(heavyErr)
	}
	r.logger.Warn("compute backend failed, falling back to sandbox",
		slog.String("session_id", s.ID),
		slog.String("kind", string(kind)),
		slog.String("error", heavyErr.Error()),
	)
	r.metrics.RecordFallback()
	r.anomaly.RecordError("heavy")

	res := fromLight(r.light.Run(ctx, s, command, sink), ExecutorHeavyFallback, RoutingFallback)
	res.HeavyError = heavyErr.Error()
	return res
}

// publish registers a preview for a dev server reported by the compute
// backend, or found in its output.
func (r *Router) publish(s *session.Session, command string, remote *heavy.RemoteResult, res *Result, perRequest func(ServerEvent)) {
	if r.previews == nil {
		return
	}
	port, serverType := remote.Port, remote.ServerType
	if port == 0 {
		det := r.detector.Scan(remote.Output)
		if !det.Detected {
			return
		}
		port = det.Port
	}
	if serverType == "" {
		serverType = detector.ClassifyServerType(remote.Output, command)
	}
	// A server that announced itself without a port listens on the one its
	// command asked for, else on its framework's default.
	if port == 0 {
		port = cmp.Or(heavy.CommandPort(command), detector.DefaultPort(serverType))
	}
	if port == 0 {
		r.logger.Warn("dev server detected without a port",
			slog.String("session_id", s.ID), slog.String("server_type", serverType))
		res.Error = cmp.Or(res.Error, errNoServerPort)
		return
	}

	host := hostOf(remote.URL)
	if host == "" {
		host = r.config.HeavyHost
	}
	if host == "" {
		r.logger.Warn("dev server reported without a reachable host",
			slog.String("session_id", s.ID), slog.Int("port", port))
		return
	}

	if _, err := r.previews.Register(s.ID, host, port, serverType); err != nil {
		r.logger.Error("registering preview failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	previewURL := r.previews.URLFor(s.ID)
	res.URL, res.WebURL, res.Port, res.ServerType = previewURL, previewURL, port, serverType

	ev := ServerEvent{
		SessionID:  s.ID,
		Port:       port,
		HostPort:   fmt.Sprintf("%s:%d", host, port),
		ServerType: serverType,
		PreviewURL: previewURL,
	}
	if r.onServer != nil {
		r.onServer(ev)
	}
	if perRequest != nil {
		perRequest(ev)
	}
}

func (r *Router) record(ctx context.Context, s *session.Session, command string, res *Result) {
	if r.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	out := res.Output
	if len(out) > historyOutputBytes {
		out = out[len(out)-historyOutputBytes:]
	}
	err := r.history.SaveExecution(ctx, &storage.Execution{
		SessionID:  s.ID,
		UserID:     s.UserID,
		Command:    command,
		Executor:   res.Executor,
		Routing:    res.Routing,
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		DurationMs: res.ExecutionTime,
		Kind:       string(res.Kind),
		HeavyError: res.HeavyError,
		Output:     out,
	})
	if err != nil {
		r.logger.Error("recording execution failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
}

func rejected(err error) *Result {
	return &Result{
		ExitCode: -1,
		Error:    apperr.Message(err),
		Kind:     apperr.KindOf(err),
		Executor: ExecutorRouter,
		Routing:  RoutingRejected,
	}
}

func fromLight(lr *sandbox.Result, executor, routing string) *Result {
	return &Result{
		Success:  lr.Success,
		Output:   lr.Output,
		Error:    lr.Error,
		ExitCode: lr.ExitCode,
		Kind:     lr.Kind,
		Executor: executor,
		Routing:  routing,
	}
}

func fromRemote(rr *heavy.RemoteResult) *Result {
	res := &Result{
		Success:    rr.Success && rr.ExitCode == 0,
		Output:     combineOutput(rr.Output, rr.Error),
		Error:      rr.Error,
		ExitCode:   rr.ExitCode,
		Executor:   ExecutorHeavy,
		Routing:    RoutingHeavy,
		URL:        rr.URL,
		WebURL:     rr.WebURL,
		Port:       rr.Port,
		ServerType: rr.ServerType,
		WorkingDir: rr.WorkingDir,
	}
	switch {
	case res.Success || res.Error != "":
	case rr.ExitCode != 0:
		res.Error = fmt.Sprintf("command exited with status %d", rr.ExitCode)
	default:
		res.Error = "compute backend reported failure"
	}
	return res
}

func combineOutput(out, errOut string) string {
	switch {
	case errOut == "":
		return out
	case out == "":
		return errOut
	}
	return out + "\n" + errOut
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

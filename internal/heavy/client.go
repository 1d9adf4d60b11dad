// Package heavy talks to the compute backend that runs toolchains (builds,
// installs, dev servers) outside the light sandbox, and implements that
// backend's server side.
package heavy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/observability"
)

const (
	defaultTimeout         = 30 * time.Minute
	defaultCeiling         = 2 * time.Minute
	defaultPollInterval    = 2 * time.Second
	maxPollInterval        = 10 * time.Second
	defaultProjectsDir     = "/tmp/projects"
	defaultWorkingDir      = "/tmp"
	maxResponseBytes       = 8 << 20
	endpointExecute        = "/execute-heavy"
	endpointDevServerStart = "/dev-server/start"
)

var errNotReady = errors.New("no running compute instance")

// RemoteRequest is the body of POST /execute-heavy.
type RemoteRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir,omitempty"`
	Repository string `json:"repository,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// RemoteResult is the compute backend's answer. URL, WebURL and Port are
// set when the command started a development server.
type RemoteResult struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ExitCode      int    `json:"exitCode"`
	ExecutionTime int64  `json:"executionTime"`
	WorkingDir    string `json:"workingDir,omitempty"`
	Repository    string `json:"repository,omitempty"`
	URL           string `json:"url,omitempty"`
	WebURL        string `json:"webUrl,omitempty"`
	Port          int    `json:"port,omitempty"`
	ServerType    string `json:"serverType,omitempty"`
}

// remoteEnvelope decodes a RemoteResult while telling a missing exitCode
// apart from a zero one.
type remoteEnvelope struct {
	RemoteResult
	ExitCode *int `json:"exitCode"`
}

// DevServerRequest is the body of POST /dev-server/start.
type DevServerRequest struct {
	Repository string `json:"repository,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Command    string `json:"command,omitempty"`
	Port       int    `json:"port,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// DevServerResult is the answer of POST /dev-server/start.
type DevServerResult struct {
	Success    bool   `json:"success"`
	ID         string `json:"id,omitempty"`
	URL        string `json:"url,omitempty"`
	WebURL     string `json:"webUrl,omitempty"`
	Port       int    `json:"port,omitempty"`
	ServerType string `json:"serverType,omitempty"`
	Message    string `json:"message,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint string
	// Timeout bounds a single remote command. Default 30m.
	Timeout time.Duration
	// CapacityCeiling bounds how long EnsureCapacity waits for an instance.
	CapacityCeiling time.Duration
	// PollInterval is the first capacity poll delay; later polls back off.
	PollInterval time.Duration
	ProjectsDir  string
	// Scaler is consulted before the first call. Nil means always warm.
	Scaler         Scaler
	HTTPClient     *http.Client
	TracerProvider trace.TracerProvider
}

// Client calls the compute backend over HTTP.
type Client struct {
	endpoint     string
	timeout      time.Duration
	ceiling      time.Duration
	pollInterval time.Duration
	projectsDir  string
	scaler       Scaler
	http         *http.Client
	logger       *slog.Logger
	metrics      *observability.MetricsCollector

	capMu sync.Mutex
	warm  atomic.Bool
}

// NewClient creates a Client. metrics may be nil.
func NewClient(cfg ClientConfig, logger *slog.Logger, metrics *observability.MetricsCollector) *Client {
	c := &Client{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		timeout:      cfg.Timeout,
		ceiling:      cfg.CapacityCeiling,
		pollInterval: cfg.PollInterval,
		projectsDir:  cfg.ProjectsDir,
		scaler:       cfg.Scaler,
		http:         cfg.HTTPClient,
		logger:       logger,
		metrics:      metrics,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.ceiling <= 0 {
		c.ceiling = defaultCeiling
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.projectsDir == "" {
		c.projectsDir = defaultProjectsDir
	}
	if c.http == nil {
		var opts []otelhttp.Option
		if cfg.TracerProvider != nil {
			opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
		}
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, opts...)}
	}
	return c
}

// Endpoint returns the backend base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Timeout returns the per-command ceiling.
func (c *Client) Timeout() time.Duration { return c.timeout }

// RunRemote executes req.Command on the compute backend.
func (c *Client) RunRemote(ctx context.Context, req RemoteRequest) (*RemoteResult, error) {
	if err := c.EnsureCapacity(ctx); err != nil {
		return nil, err
	}
	req.WorkingDir = ResolveWorkingDir(c.projectsDir, req.WorkingDir, req.Repository)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Info("heavy command dispatched",
		slog.String("session_id", req.SessionID),
		slog.String("working_dir", req.WorkingDir),
		slog.String("repository", req.Repository),
	)

	var env remoteEnvelope
	start := time.Now()
	err := c.post(ctx, endpointExecute, req, &env)
	if err == nil && env.ExitCode == nil {
		err = apperr.New(apperr.KindRemoteProtocolError, "compute backend response has no exitCode")
	}
	c.metrics.RecordHeavyCall(endpointExecute, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	out := env.RemoteResult
	out.ExitCode = *env.ExitCode
	if out.URL == "" {
		out.URL = out.WebURL
	}
	if out.WebURL == "" {
		out.WebURL = out.URL
	}
	return &out, nil
}

// StartDevServer asks the backend to launch a development server.
func (c *Client) StartDevServer(ctx context.Context, req DevServerRequest) (*DevServerResult, error) {
	if err := c.EnsureCapacity(ctx); err != nil {
		return nil, err
	}
	req.WorkingDir = ResolveWorkingDir(c.projectsDir, req.WorkingDir, req.Repository)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out DevServerResult
	start := time.Now()
	err := c.post(ctx, endpointDevServerStart, req, &out)
	c.metrics.RecordHeavyCall(endpointDevServerStart, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EnsureCapacity makes sure at least one compute instance is running,
// scaling up from zero and polling with exponential backoff until the
// capacity ceiling. The warm state is cached until a call fails at the
// transport level.
func (c *Client) EnsureCapacity(ctx context.Context) error {
	if c.scaler == nil || c.warm.Load() {
		return nil
	}
	c.capMu.Lock()
	defer c.capMu.Unlock()
	if c.warm.Load() {
		return nil
	}

	n, err := c.scaler.Running(ctx)
	if err == nil && n > 0 {
		c.warm.Store(true)
		return nil
	}
	if err != nil {
		c.logger.Warn("capacity check failed", slog.String("error", err.Error()))
	}

	c.logger.Info("no compute instance running, scaling up")
	if err := c.scaler.ScaleTo(ctx, 1); err != nil {
		return apperr.Wrap(apperr.KindCapacityUnavailable, "scaling compute backend", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = maxPollInterval

	start := time.Now()
	_, err = backoff.Retry(ctx, func() (int, error) {
		n, err := c.scaler.Running(ctx)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, errNotReady
		}
		return n, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.ceiling))
	if err != nil {
		return apperr.Wrap(apperr.KindCapacityUnavailable,
			fmt.Sprintf("compute backend not ready after %s", c.ceiling), err)
	}

	c.logger.Info("compute instance ready", slog.Duration("waited", time.Since(start)))
	c.warm.Store(true)
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	if c.endpoint == "" {
		return apperr.New(apperr.KindServiceUnavailable, "compute backend endpoint not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.Wrap(apperr.KindExecutionTimeout,
				fmt.Sprintf("compute backend did not answer within %s", c.timeout), err)
		}
		c.warm.Store(false)
		return apperr.Wrap(apperr.KindServiceUnavailable, "calling compute backend", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.Wrap(apperr.KindExecutionTimeout,
				fmt.Sprintf("compute backend did not answer within %s", c.timeout), err)
		}
		return apperr.Wrap(apperr.KindRemoteProtocolError, "reading compute backend response", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return apperr.New(apperr.KindRemoteProtocolError,
			fmt.Sprintf("compute backend returned %d: %s", resp.StatusCode, snippet(data)))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return apperr.New(apperr.KindRemoteProtocolError, "compute backend returned an empty body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.KindRemoteProtocolError, "decoding compute backend response", err)
	}
	return nil
}

var unsafeRepoChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeRepository maps a repository name onto a safe directory name.
func SanitizeRepository(repo string) string {
	return unsafeRepoChars.ReplaceAllString(repo, "_")
}

// ResolveWorkingDir picks the remote working directory: the explicit dir,
// else the repository's project dir, else /tmp.
func ResolveWorkingDir(projectsDir, dir, repository string) string {
	if dir != "" {
		return dir
	}
	if repository != "" {
		if projectsDir == "" {
			projectsDir = defaultProjectsDir
		}
		return path.Join(projectsDir, SanitizeRepository(repository))
	}
	return defaultWorkingDir
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

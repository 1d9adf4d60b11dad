// Package httpapi implements the public HTTP API of warp.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Sessions are only visible to the user that created them
//   - Per-user rate limiting on execute and agent endpoints
//   - Panics are recovered and reported as 500 with a correlation id
//   - TLS expected via reverse proxy (not handled here)
//
// The preview proxy under /preview/ is unauthenticated: the session id in
// the path is the capability.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/warp/internal/agent"
	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/gateway"
	"github.com/jkaninda/warp/internal/observability"
	"github.com/jkaninda/warp/internal/preview"
	"github.com/jkaninda/warp/internal/ratelimit"
	"github.com/jkaninda/warp/internal/router"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/storage"
	"github.com/jkaninda/warp/internal/workspace"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the error response of every endpoint.
type ErrorBody struct {
	Error         string      `json:"error"`
	Kind          apperr.Kind `json:"kind,omitempty"`
	Message       string      `json:"message,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        gateway.APIKeys
	MaxRequestSize int64 // 0 = 1 MB default.
	// WriteTimeout must outlast the heavy timeout: execute responses are
	// written when the command ends. Default: 31m.
	WriteTimeout time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served on /metrics. nil = no endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Checks behind /readyz.
	Metrics         *observability.MetricsCollector // HTTP request metrics.
	Tracer          trace.Tracer                    // HTTP request spans.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *session.Manager
	router   *router.Router
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	agents      *agent.Loop // nil = agent endpoints answer 503.
	agentEvents func(agent.Event)
	previews    *preview.Registry
	history     storage.HistoryStore // nil = empty history.
	extraRoutes []extraRoute
	setupOnce   sync.Once
	handler     http.Handler
	okapi       *okapi.Okapi
	group       *okapi.Group
	server      *http.Server
	serverMu    sync.Mutex
}

// extraRoute is a handler mounted next to the API, outside okapi.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil.
func NewGateway(cfg Config, sessions *session.Manager, rt *router.Router, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 31 * time.Minute
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		router:   rt,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithAgent enables the agent endpoints. onEvent, when set, receives the
// progress events of every task started through the API.
func (g *Gateway) WithAgent(loop *agent.Loop, onEvent func(agent.Event)) *Gateway {
	g.agents = loop
	g.agentEvents = onEvent
	return g
}

// WithPreviews mounts the preview proxy and its management endpoints.
func (g *Gateway) WithPreviews(reg *preview.Registry) *Gateway {
	g.previews = reg
	return g
}

// WithHistory enables the execution history endpoint.
func (g *Gateway) WithHistory(h storage.HistoryStore) *Gateway {
	g.history = h
	return g
}

// WithHandler mounts an additional handler at the given pattern, e.g. the
// WebSocket endpoint. Handlers are mounted on the outer mux so connection
// upgrades reach them unwrapped.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables okapi's generated documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Warp",
			Version: "v1",
		},
	)
	return g
}

// Handler returns the complete HTTP handler. Routes are registered on the
// first call; With* options must be applied before.
func (g *Gateway) Handler() http.Handler {
	g.setupOnce.Do(g.setup)
	return g.handler
}

func (g *Gateway) setup() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, "", next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)
	g.sessionRoutes()
	g.agentRoutes()
	g.previewRoutes()

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	mux := http.NewServeMux()
	mux.Handle("/", g.okapi)
	if g.previews != nil {
		var proxy http.Handler = g.previews
		if g.config.Metrics != nil || g.config.Tracer != nil {
			proxy = observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, preview.PathPrefix, proxy)
		}
		mux.Handle(preview.PathPrefix+"/", proxy)
	}
	if g.config.MetricsRegistry != nil {
		mux.Handle(g.config.MetricsPath, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}))
	}
	for _, er := range g.extraRoutes {
		mux.Handle(er.pattern, er.handler)
	}
	g.handler = g.recoverer(mux)
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.config.ListenAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      g.config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	g.serverMu.Lock()
	g.server = srv
	g.serverMu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.serverMu.Lock()
	srv := g.server
	g.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return srv.Shutdown(ctx)
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness answers Kubernetes liveness checks.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the API key to a user id stored under "userID".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		token := gateway.BearerToken(c.Request())
		if token == "" {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "Unauthorized", Message: "missing or invalid Authorization header"})
		}
		userID, ok := g.config.APIKeys.Lookup(token)
		if !ok {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "Unauthorized", Message: "invalid API key"})
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// allow applies the per-user rate limit.
func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(workspace.SanitizeUserID(c.GetString("userID"))); err != nil {
		return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: "Too Many Requests", Message: err.Error()})
	}
	return nil
}

// ownedSession returns the session named by the id path parameter when it
// belongs to the caller. Foreign sessions are reported as not found.
func (g *Gateway) ownedSession(c *okapi.Context) (*session.Session, error) {
	s, err := g.sessions.Get(c.Param("id"))
	if err != nil {
		return nil, err
	}
	if s.UserID != workspace.SanitizeUserID(c.GetString("userID")) {
		return nil, apperr.New(apperr.KindSessionNotFound, "Session not found")
	}
	return s, nil
}

// --- Errors ---

// fail writes err as an ErrorBody. Internal faults are logged under a fresh
// correlation id and their details are withheld from the client.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	status, kind := classify(err)
	body := ErrorBody{Error: http.StatusText(status), Kind: kind, Message: apperr.Message(err)}
	if status == http.StatusInternalServerError {
		body.CorrelationID = newCorrelationID()
		body.Message = "internal error"
		g.logger.Error("request failed",
			slog.String("correlation_id", body.CorrelationID),
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(status, body)
}

// classify maps errors to a status code and, for taxonomy errors, a kind.
func classify(err error) (int, apperr.Kind) {
	switch {
	case errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, agent.ErrTaskNotFound),
		errors.Is(err, preview.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, workspace.ErrQuotaExceeded):
		return http.StatusInsufficientStorage, ""
	case errors.Is(err, workspace.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, ""
	}
	kind := apperr.KindOf(err)
	return apperr.HTTPStatus(kind), kind
}

// recoverer turns panics into a 500 with a correlation id.
func (g *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			id := newCorrelationID()
			g.logger.Error("panic serving request",
				slog.String("correlation_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Any("panic", rec),
			)
			writeJSON(w, http.StatusInternalServerError, ErrorBody{
				Error:         "Internal Server Error",
				Kind:          apperr.KindInternal,
				Message:       "internal error",
				CorrelationID: id,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writeJSON is used outside okapi handlers, where no context is available.
func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

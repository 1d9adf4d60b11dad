// Package preview exposes development servers started by the heavy backend
// through a per-session reverse proxy mounted under /preview/{sessionId}/.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/warp/internal/observability"
)

// PathPrefix is where the proxy is mounted.
const PathPrefix = "/preview"

const (
	defaultHealthTimeout = 5 * time.Second
	proxyDialTimeout     = 10 * time.Second
	proxyHeaderTimeout   = 30 * time.Second
)

// Status is the health state of a binding.
type Status string

const (
	StatusActive Status = "active"
	StatusError  Status = "error"
)

// ErrNotFound is returned when a session has no binding.
var ErrNotFound = errors.New("preview binding not found")

// Binding is a snapshot of a session's proxy target.
type Binding struct {
	SessionID    string    `json:"sessionId"`
	Target       string    `json:"target"`
	Port         int       `json:"port"`
	ServerType   string    `json:"serverType"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastAccess   time.Time `json:"lastAccess"`
	LastError    string    `json:"lastError,omitempty"`
	RequestCount int64     `json:"requestCount"`
}

type binding struct {
	Binding
	proxy *httputil.ReverseProxy
}

// Health is the result of probing a binding's target.
type Health struct {
	Healthy    bool   `json:"healthy"`
	StatusCode int    `json:"status,omitempty"`
	Target     string `json:"target,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Stats summarizes the registry.
type Stats struct {
	Total         int            `json:"totalServers"`
	Active        int            `json:"activeServers"`
	Errored       int            `json:"errorServers"`
	ServerTypes   map[string]int `json:"serverTypes"`
	Oldest        *time.Time     `json:"oldestServer,omitempty"`
	TotalRequests int64          `json:"totalRequests"`
}

// Config configures a Registry.
type Config struct {
	// PublicURL is the externally reachable base URL of this server.
	PublicURL     string
	HealthTimeout time.Duration
	Transport     http.RoundTripper
}

// Registry maps session ids to proxy targets. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding

	publicURL string
	transport http.RoundTripper
	health    *http.Client
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
	now       func() time.Time
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(cfg Config, logger *slog.Logger, metrics *observability.MetricsCollector) *Registry {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: proxyDialTimeout}).DialContext,
			ResponseHeaderTimeout: proxyHeaderTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		}
	}
	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	return &Registry{
		bindings:  make(map[string]*binding),
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		transport: transport,
		health:    &http.Client{Transport: transport, Timeout: timeout},
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Register creates or replaces the binding for sessionID.
func (r *Registry) Register(sessionID, host string, port int, serverType string) (*Binding, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("registering preview: empty session id")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("registering preview: invalid port %d", port)
	}
	if host == "" {
		host = "localhost"
	}
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}

	now := r.now()
	b := &binding{
		Binding: Binding{
			SessionID:    sessionID,
			Target:       target.String(),
			Port:         port,
			ServerType:   serverType,
			Status:       StatusActive,
			RegisteredAt: now,
			LastAccess:   now,
		},
	}
	b.proxy = r.newProxy(b, target)

	r.mu.Lock()
	r.bindings[sessionID] = b
	r.mu.Unlock()

	r.logger.Info("preview registered",
		slog.String("session_id", sessionID),
		slog.String("target", target.String()),
		slog.String("server_type", serverType),
	)
	snap := b.Binding
	return &snap, nil
}

// newProxy builds the proxy for b. Its hooks update b only, so a proxied
// request still in flight when b is replaced cannot touch the new binding.
func (r *Registry) newProxy(b *binding, target *url.URL) *httputil.ReverseProxy {
	sessionID := b.SessionID
	return &httputil.ReverseProxy{
		Transport: r.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Warp-Session", sessionID)
		},
		ModifyResponse: func(resp *http.Response) error {
			h := resp.Header
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
			h.Set("X-Warp-Preview", "true")
			h.Set("X-Warp-Session", sessionID)
			r.touch(b)
			r.metrics.RecordPreviewRequest(resp.StatusCode)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.setStatus(b, StatusError, err.Error())
			r.metrics.RecordPreviewRequest(http.StatusServiceUnavailable)
			r.logger.Warn("preview proxy error",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":     "Service Unavailable",
				"message":   "The development server is not responding",
				"sessionId": sessionID,
				"details":   err.Error(),
			})
		},
	}
}

// ServeHTTP routes /preview/{sessionId}/{path...} to the session's server.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sessionID, subPath, ok := ParsePath(req.URL.Path)
	if !ok {
		r.write(w, http.StatusBadRequest, map[string]any{
			"error":  "Invalid preview URL",
			"format": PathPrefix + "/:sessionId/path",
		})
		return
	}
	r.RouteRequest(w, req, sessionID, subPath)
}

// RouteRequest forwards req to the binding of sessionID with its path
// replaced by subPath.
func (r *Registry) RouteRequest(w http.ResponseWriter, req *http.Request, sessionID, subPath string) {
	r.mu.RLock()
	b, ok := r.bindings[sessionID]
	var status Status
	var lastErr string
	var proxy *httputil.ReverseProxy
	if ok {
		status, lastErr, proxy = b.Status, b.LastError, b.proxy
	}
	r.mu.RUnlock()

	if !ok {
		r.write(w, http.StatusNotFound, map[string]any{
			"error":     "Session not found",
			"sessionId": sessionID,
			"message":   "No active server found for this session",
		})
		return
	}
	if status != StatusActive {
		r.write(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "Server not available",
			"sessionId": sessionID,
			"status":    status,
			"lastError": lastErr,
		})
		return
	}

	if subPath == "" {
		subPath = "/"
	}
	out := req.Clone(req.Context())
	out.URL.Path = subPath
	out.URL.RawPath = ""
	out.RequestURI = ""

	proxy.ServeHTTP(w, out)
}

// ParsePath splits /preview/{id}[/rest] into id and rest.
func ParsePath(p string) (sessionID, subPath string, ok bool) {
	rest, found := strings.CutPrefix(p, PathPrefix+"/")
	if !found {
		return "", "", false
	}
	sessionID, subPath, _ = strings.Cut(rest, "/")
	if sessionID == "" {
		return "", "", false
	}
	return sessionID, "/" + subPath, true
}

// HealthCheck sends HEAD to the binding's target and updates its status.
// Any HTTP answer below 500 means the server is up, since many dev servers
// reject HEAD or have no route at /. Transport errors and 5xx mark the
// binding as errored. The result only applies to the binding the check
// started with; a binding registered meanwhile is left alone.
func (r *Registry) HealthCheck(ctx context.Context, sessionID string) (Health, error) {
	r.mu.RLock()
	b, ok := r.bindings[sessionID]
	var target string
	if ok {
		target = b.Target
	}
	r.mu.RUnlock()
	if !ok {
		return Health{Error: "Server not found"}, ErrNotFound
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return Health{Target: target, Error: err.Error()}, err
	}
	resp, err := r.health.Do(req)
	if err != nil {
		r.setStatus(b, StatusError, err.Error())
		return Health{Target: target, Error: err.Error()}, nil
	}
	resp.Body.Close()

	h := Health{
		Healthy:    resp.StatusCode < http.StatusInternalServerError,
		StatusCode: resp.StatusCode,
		Target:     target,
	}
	if h.Healthy {
		r.setStatus(b, StatusActive, "")
	} else {
		h.Error = resp.Status
		r.setStatus(b, StatusError, resp.Status)
	}
	return h, nil
}

// CleanupInactive removes bindings not accessed within maxIdle and
// returns how many were removed.
func (r *Registry) CleanupInactive(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var removed []string
	for id, b := range r.bindings {
		if b.LastAccess.Before(cutoff) {
			delete(r.bindings, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.logger.Info("inactive preview removed", slog.String("session_id", id))
	}
	return len(removed)
}

// StartCleanup periodically health-checks every binding and removes idle
// ones. Returns a stop function.
func (r *Registry) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range r.List() {
					_, _ = r.HealthCheck(ctx, b.SessionID)
				}
				if n := r.CleanupInactive(maxIdle); n > 0 {
					r.logger.Debug("preview sweep", slog.Int("removed", n))
				}
			}
		}
	}()
	return cancel
}

// Remove drops the binding for sessionID. It reports whether one existed.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	_, ok := r.bindings[sessionID]
	delete(r.bindings, sessionID)
	r.mu.Unlock()
	if ok {
		r.logger.Info("preview removed", slog.String("session_id", sessionID))
	}
	return ok
}

// Get returns a snapshot of the binding for sessionID.
func (r *Registry) Get(sessionID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[sessionID]
	if !ok {
		return Binding{}, false
	}
	return b.Binding, true
}

// List returns snapshots of all bindings ordered by registration time.
func (r *Registry) List() []Binding {
	r.mu.RLock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.Binding)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Stats summarizes all bindings.
func (r *Registry) Stats() Stats {
	st := Stats{ServerTypes: make(map[string]int)}
	for _, b := range r.List() {
		st.Total++
		switch b.Status {
		case StatusActive:
			st.Active++
		case StatusError:
			st.Errored++
		}
		st.ServerTypes[b.ServerType]++
		st.TotalRequests += b.RequestCount
		if st.Oldest == nil || b.RegisteredAt.Before(*st.Oldest) {
			t := b.RegisteredAt
			st.Oldest = &t
		}
	}
	return st
}

// PreviewURL returns the public URL of sessionID's preview, or "" if the
// session has no binding.
func (r *Registry) PreviewURL(sessionID string) string {
	if _, ok := r.Get(sessionID); !ok {
		return ""
	}
	return r.URLFor(sessionID)
}

// URLFor builds the public preview URL without checking the binding.
func (r *Registry) URLFor(sessionID string) string {
	return r.publicURL + PathPrefix + "/" + sessionID + "/"
}

// Count returns the number of bindings.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// current reports whether b is still the registered binding for its
// session. Callers hold r.mu.
func (r *Registry) current(b *binding) bool {
	return r.bindings[b.SessionID] == b
}

func (r *Registry) touch(b *binding) {
	r.mu.Lock()
	if r.current(b) {
		b.LastAccess = r.now()
		b.RequestCount++
	}
	r.mu.Unlock()
}

func (r *Registry) setStatus(b *binding, status Status, lastErr string) {
	r.mu.Lock()
	if r.current(b) {
		b.Status = status
		if lastErr != "" {
			b.LastError = lastErr
		}
	}
	r.mu.Unlock()
}

func (r *Registry) write(w http.ResponseWriter, code int, body any) {
	r.metrics.RecordPreviewRequest(code)
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

package preview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRouteRequest_RoundTrip(t *testing.T) {
	var seen *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer upstream.Close()

	reg := NewRegistry(Config{PublicURL: "https://warp.example.com"}, discardLogger(), nil)
	host, port := hostPort(t, upstream.URL)
	if _, err := reg.Register("s1", host, port, "Vite"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://warp.example.com/preview/s1/assets/app.js?v=1", nil)
	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "hello from /assets/app.js" {
		t.Errorf("body = %q", got)
	}
	for k, want := range map[string]string{
		"X-Warp-Preview":              "true",
		"X-Warp-Session":              "s1",
		"Access-Control-Allow-Origin": "*",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("response %s = %q, want %q", k, got, want)
		}
	}
	if seen.Header.Get("X-Warp-Session") != "s1" {
		t.Errorf("upstream X-Warp-Session = %q", seen.Header.Get("X-Warp-Session"))
	}
	if seen.Header.Get("X-Forwarded-Host") != "warp.example.com" || seen.Header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("forwarded headers = %v", seen.Header)
	}
	if seen.URL.RawQuery != "v=1" {
		t.Errorf("query = %q", seen.URL.RawQuery)
	}

	b, _ := reg.Get("s1")
	if b.RequestCount != 1 {
		t.Errorf("request count = %d", b.RequestCount)
	}
	if got := reg.PreviewURL("s1"); got != "https://warp.example.com/preview/s1/" {
		t.Errorf("PreviewURL = %q", got)
	}
}

func TestRouteRequest_NotFoundAndInvalid(t *testing.T) {
	reg := NewRegistry(Config{}, discardLogger(), nil)

	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/missing/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["error"] != "Session not found" || body["sessionId"] != "missing" || body["message"] == nil {
		t.Errorf("body = %v", body)
	}

	rec = httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/", nil))
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "Invalid preview URL" {
		t.Errorf("invalid path: status = %d body = %s", rec.Code, rec.Body.String())
	}
	if reg.PreviewURL("missing") != "" {
		t.Error("PreviewURL should be empty for unknown session")
	}
}

func TestRouteRequest_TransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	reg := NewRegistry(Config{}, discardLogger(), nil)
	reg.Register("s1", "127.0.0.1", port, "React")

	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/s1/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["error"] != "Service Unavailable" || body["details"] == "" {
		t.Errorf("body = %v", body)
	}

	b, _ := reg.Get("s1")
	if b.Status != StatusError || b.LastError == "" {
		t.Errorf("binding = %+v", b)
	}

	rec = httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/s1/", nil))
	body = decode(t, rec)
	if rec.Code != http.StatusServiceUnavailable || body["error"] != "Server not available" || body["status"] != "error" {
		t.Errorf("second request: status = %d body = %v", rec.Code, body)
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer upstream.Close()

	reg := NewRegistry(Config{}, discardLogger(), nil)
	host, port := hostPort(t, upstream.URL)
	reg.Register("s1", host, port, "Flask")

	healthy = false
	h, err := reg.HealthCheck(context.Background(), "s1")
	if err != nil || h.Healthy || h.StatusCode != 500 {
		t.Fatalf("health = %+v err = %v", h, err)
	}
	if b, _ := reg.Get("s1"); b.Status != StatusError {
		t.Errorf("status = %s, want error", b.Status)
	}

	healthy = true
	h, _ = reg.HealthCheck(context.Background(), "s1")
	if !h.Healthy {
		t.Fatalf("health = %+v", h)
	}
	if b, _ := reg.Get("s1"); b.Status != StatusActive {
		t.Errorf("status = %s, want active", b.Status)
	}

	if _, err := reg.HealthCheck(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHealthCheck_ClientErrorMeansReachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/items" && r.Method == http.MethodGet {
			io.WriteString(w, `["a","b"]`)
			return
		}
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	reg := NewRegistry(Config{}, discardLogger(), nil)
	host, port := hostPort(t, upstream.URL)
	reg.Register("api", host, port, "FastAPI")

	h, err := reg.HealthCheck(context.Background(), "api")
	if err != nil || !h.Healthy || h.StatusCode != http.StatusNotFound {
		t.Fatalf("health = %+v err = %v", h, err)
	}
	if b, _ := reg.Get("api"); b.Status != StatusActive {
		t.Fatalf("status = %s, want active", b.Status)
	}

	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/api/api/items", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `["a","b"]` {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

// gatedTransport holds requests for one port until released, then fails
// them. Requests to any other port fail immediately.
type gatedTransport struct {
	port     string
	started  chan struct{}
	release  chan struct{}
	startOne sync.Once
}

func newGatedTransport(port string) *gatedTransport {
	return &gatedTransport{port: port, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Port() != g.port {
		return nil, errors.New("unexpected request to " + req.URL.Host)
	}
	g.startOne.Do(func() { close(g.started) })
	<-g.release
	return nil, errors.New("connection refused")
}

func TestHealthCheck_StaleResultKeepsNewBinding(t *testing.T) {
	gate := newGatedTransport("3000")
	reg := NewRegistry(Config{Transport: gate}, discardLogger(), nil)
	reg.Register("s1", "127.0.0.1", 3000, "React")

	done := make(chan Health)
	go func() {
		h, _ := reg.HealthCheck(context.Background(), "s1")
		done <- h
	}()
	<-gate.started
	reg.Register("s1", "127.0.0.1", 5173, "Vite")
	close(gate.release)

	if h := <-done; h.Healthy || h.Error == "" {
		t.Errorf("old target health = %+v", h)
	}
	b, _ := reg.Get("s1")
	if b.Port != 5173 || b.Status != StatusActive || b.LastError != "" {
		t.Errorf("binding = %+v, want the new binding still active", b)
	}
}

func TestRouteRequest_StaleProxyErrorKeepsNewBinding(t *testing.T) {
	gate := newGatedTransport("3000")
	reg := NewRegistry(Config{Transport: gate}, discardLogger(), nil)
	reg.Register("s1", "127.0.0.1", 3000, "React")

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/s1/", nil))
	}()
	<-gate.started
	reg.Register("s1", "127.0.0.1", 5173, "Vite")
	close(gate.release)
	<-done

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stale request status = %d", rec.Code)
	}
	b, _ := reg.Get("s1")
	if b.Port != 5173 || b.Status != StatusActive || b.RequestCount != 0 {
		t.Errorf("binding = %+v, want the new binding untouched", b)
	}
}

func TestCleanupInactive(t *testing.T) {
	reg := NewRegistry(Config{}, discardLogger(), nil)
	now := time.Now()
	reg.now = func() time.Time { return now }

	reg.Register("old", "localhost", 3000, "React")
	now = now.Add(20 * time.Minute)
	reg.Register("fresh", "localhost", 3001, "Vite")
	now = now.Add(15 * time.Minute)

	if n := reg.CleanupInactive(30 * time.Minute); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if _, ok := reg.Get("old"); ok {
		t.Error("old binding survived")
	}
	if _, ok := reg.Get("fresh"); !ok {
		t.Error("fresh binding removed")
	}
}

func TestStatsAndRemove(t *testing.T) {
	reg := NewRegistry(Config{}, discardLogger(), nil)
	reg.Register("a", "localhost", 3000, "React")
	reg.Register("b", "localhost", 3001, "React")
	reg.Register("c", "localhost", 5000, "Flask")
	reg.mu.RLock()
	c := reg.bindings["c"]
	reg.mu.RUnlock()
	reg.setStatus(c, StatusError, "boom")

	st := reg.Stats()
	if st.Total != 3 || st.Active != 2 || st.Errored != 1 || st.ServerTypes["React"] != 2 || st.Oldest == nil {
		t.Errorf("stats = %+v", st)
	}

	if !reg.Remove("a") || reg.Remove("a") {
		t.Error("Remove should report existence once")
	}
	if reg.Count() != 2 || len(reg.List()) != 2 {
		t.Errorf("count = %d", reg.Count())
	}
}

func TestRegister_Validation(t *testing.T) {
	reg := NewRegistry(Config{}, discardLogger(), nil)
	if _, err := reg.Register("", "localhost", 3000, ""); err == nil {
		t.Error("expected error for empty session")
	}
	if _, err := reg.Register("s", "localhost", 70000, ""); err == nil {
		t.Error("expected error for invalid port")
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		in       string
		id, rest string
		ok       bool
	}{
		{"/preview/abc", "abc", "/", true},
		{"/preview/abc/", "abc", "/", true},
		{"/preview/abc/x/y.js", "abc", "/x/y.js", true},
		{"/preview/", "", "", false},
		{"/other/abc", "", "", false},
	}
	for _, tc := range tests {
		id, rest, ok := ParsePath(tc.in)
		if id != tc.id || rest != tc.rest || ok != tc.ok {
			t.Errorf("ParsePath(%q) = %q, %q, %v", tc.in, id, rest, ok)
		}
	}
}

func TestWebSocketPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		conn.Write(r.Context(), typ, []byte("echo:"+string(data)))
	}))
	defer upstream.Close()

	reg := NewRegistry(Config{}, discardLogger(), nil)
	host, port := hostPort(t, upstream.URL)
	reg.Register("ws1", host, port, "Vite")

	front := httptest.NewServer(reg)
	defer front.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(front.URL, "http")+"/preview/ws1/hmr", nil)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "echo:ping" {
		t.Errorf("reply = %q", data)
	}
}

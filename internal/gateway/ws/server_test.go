package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/warp/internal/agent"
	"github.com/jkaninda/warp/internal/gateway"
	"github.com/jkaninda/warp/internal/llm"
	"github.com/jkaninda/warp/internal/protocol"
	"github.com/jkaninda/warp/internal/router"
	"github.com/jkaninda/warp/internal/sandbox"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, _ *session.Session, command string, sink io.Writer) *sandbox.Result {
	out := "ran: " + command + "\n"
	if sink != nil {
		io.WriteString(sink, out)
	}
	return &sandbox.Result{Success: true, Output: out}
}

type doneProvider struct{}

func (doneProvider) Name() string { return "done" }

func (doneProvider) SendMessage(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: `{"completed": true, "result": "nothing to do"}`}, nil
}

type fixture struct {
	server   *httptest.Server
	ws       *Server
	sessions *session.Manager
}

func newFixture(t *testing.T, withAgent bool) *fixture {
	t.Helper()
	store, err := workspace.NewStore(filepath.Join(t.TempDir(), "efs"), 0)
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(store, session.Config{}, discardLogger())
	rt := router.New(router.Config{}, echoRunner{}, nil, nil, discardLogger())
	srv := NewServer(Config{
		APIKeys: gateway.APIKeys{"key-alice": "alice", "key-bob": "bob"},
	}, sessions, rt, nil, discardLogger())
	if withAgent {
		srv.WithAgent(agent.NewLoop(agent.Config{}, doneProvider{}, echoRunner{}, discardLogger()))
	}
	sessions.OnClose(srv.CloseSession)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{server: hs, ws: srv, sessions: sessions}
}

func (f *fixture) url(sessionID, token string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/ws?session_id=" + sessionID + "&token=" + token
}

func (f *fixture) dial(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url(sessionID, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	if env := readEnvelope(t, conn); env.Type != protocol.MsgConnected {
		t.Fatalf("first message = %q, want connected", env.Type)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	return env
}

func TestUpgradeRejected(t *testing.T) {
	f := newFixture(t, false)
	alice, err := f.sessions.Create("alice")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name      string
		sessionID string
		token     string
		status    int
	}{
		{"no token", alice.ID, "", http.StatusUnauthorized},
		{"bad token", alice.ID, "nope", http.StatusUnauthorized},
		{"missing session", "", "key-alice", http.StatusBadRequest},
		{"unknown session", "missing", "key-alice", http.StatusNotFound},
		{"foreign session", alice.ID, "key-bob", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, resp, err := websocket.Dial(ctx, f.url(tc.sessionID, tc.token), nil)
			if err == nil {
				t.Fatal("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %+v", tc.status, resp)
			}
		})
	}
}

func TestExecuteStreamsOutputThenResult(t *testing.T) {
	f := newFixture(t, false)
	s, err := f.sessions.Create("alice")
	if err != nil {
		t.Fatal(err)
	}
	conn := f.dial(t, s.ID, "key-alice")

	req := writeEnvelope(t, conn, protocol.MsgExecute, protocol.ExecutePayload{Command: "ls -la"})

	out := readEnvelope(t, conn)
	if out.Type != protocol.MsgOutput || out.RequestID != req.ID {
		t.Fatalf("expected output for %s, got %+v", req.ID, out)
	}
	var chunk protocol.OutputPayload
	if err := out.Decode(&chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Content != "ran: ls -la\n" {
		t.Errorf("output = %q", chunk.Content)
	}

	res := readEnvelope(t, conn)
	if res.Type != protocol.MsgResult || res.RequestID != req.ID {
		t.Fatalf("expected result for %s, got %+v", req.ID, res)
	}
	var result router.Result
	if err := res.Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Errorf("expected success, got %+v", result)
	}
}

func TestPingAndUnknownType(t *testing.T) {
	f := newFixture(t, false)
	s, err := f.sessions.Create("alice")
	if err != nil {
		t.Fatal(err)
	}
	conn := f.dial(t, s.ID, "key-alice")

	ping := writeEnvelope(t, conn, protocol.MsgPing, nil)
	if env := readEnvelope(t, conn); env.Type != protocol.MsgPong || env.RequestID != ping.ID {
		t.Fatalf("expected pong, got %+v", env)
	}

	writeEnvelope(t, conn, "teleport", nil)
	env := readEnvelope(t, conn)
	if env.Type != protocol.MsgError {
		t.Fatalf("expected error, got %+v", env)
	}
	var p protocol.ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "unknown_type" {
		t.Errorf("code = %q", p.Code)
	}

	writeEnvelope(t, conn, protocol.MsgExecute, protocol.ExecutePayload{})
	if env := readEnvelope(t, conn); env.Type != protocol.MsgError {
		t.Fatalf("expected error for empty command, got %+v", env)
	}
}

func TestServerDetectedBroadcast(t *testing.T) {
	f := newFixture(t, false)
	s, err := f.sessions.Create("alice")
	if err != nil {
		t.Fatal(err)
	}
	first := f.dial(t, s.ID, "key-alice")
	second := f.dial(t, s.ID, "key-alice")

	f.ws.ServerDetected(router.ServerEvent{SessionID: s.ID, Port: 3000, ServerType: "vite"})

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		if env.Type != protocol.MsgServerDetected {
			t.Fatalf("expected server_detected, got %+v", env)
		}
		var ev router.ServerEvent
		if err := env.Decode(&ev); err != nil {
			t.Fatal(err)
		}
		if ev.Port != 3000 || env.SessionID != s.ID {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestAgentStart(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, false)
		s, err := f.sessions.Create("alice")
		if err != nil {
			t.Fatal(err)
		}
		conn := f.dial(t, s.ID, "key-alice")
		writeEnvelope(t, conn, protocol.MsgAgentStart, protocol.AgentStartPayload{Task: "build"})
		if env := readEnvelope(t, conn); env.Type != protocol.MsgError {
			t.Fatalf("expected error, got %+v", env)
		}
	})

	t.Run("events", func(t *testing.T) {
		f := newFixture(t, true)
		s, err := f.sessions.Create("alice")
		if err != nil {
			t.Fatal(err)
		}
		conn := f.dial(t, s.ID, "key-alice")
		writeEnvelope(t, conn, protocol.MsgAgentStart, protocol.AgentStartPayload{Task: "build"})

		if env := readEnvelope(t, conn); env.Type != protocol.MsgAgentTaskStarted {
			t.Fatalf("expected task started, got %+v", env)
		}
		env := readEnvelope(t, conn)
		if env.Type != protocol.MsgAgentTaskCompleted {
			t.Fatalf("expected task completed, got %+v", env)
		}
		var ev agent.Event
		if err := env.Decode(&ev); err != nil {
			t.Fatal(err)
		}
		if ev.Status != agent.StatusCompleted {
			t.Errorf("status = %q", ev.Status)
		}
	})
}

func TestCloseSessionDisconnects(t *testing.T) {
	f := newFixture(t, false)
	s, err := f.sessions.Create("alice")
	if err != nil {
		t.Fatal(err)
	}
	conn := f.dial(t, s.ID, "key-alice")
	if f.ws.ConnectionCount() != 1 {
		t.Fatalf("connections = %d", f.ws.ConnectionCount())
	}

	if err := f.sessions.Delete(s.ID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

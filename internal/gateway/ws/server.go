// Package ws implements the WebSocket endpoint of warp. A client binds a
// socket to one of its sessions with ?session_id=, runs commands over it,
// and receives live output, server_detected announcements and agent
// progress for that session.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/warp/internal/agent"
	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/gateway"
	"github.com/jkaninda/warp/internal/protocol"
	"github.com/jkaninda/warp/internal/ratelimit"
	"github.com/jkaninda/warp/internal/router"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/workspace"
)

// Config configures the WebSocket server.
type Config struct {
	APIKeys           gateway.APIKeys
	OriginPatterns    []string      // Accepted Origin hosts for browser clients.
	HeartbeatInterval time.Duration // Default: 30s.
}

// Server is the WebSocket endpoint.
type Server struct {
	cfg      Config
	sessions *session.Manager
	router   *router.Router
	agents   *agent.Loop
	limiter  *ratelimit.Limiter
	hub      *hub
	logger   *slog.Logger
}

// NewServer creates a WebSocket server. rl may be nil.
func NewServer(cfg Config, sessions *session.Manager, rt *router.Router, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		router:   rt,
		limiter:  rl,
		hub:      newHub(logger),
		logger:   logger,
	}
}

// WithAgent enables agent.start messages.
func (s *Server) WithAgent(loop *agent.Loop) *Server {
	s.agents = loop
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ConnectionCount returns the number of open sockets.
func (s *Server) ConnectionCount() int { return s.hub.count() }

// ServerDetected announces a dev server to the session's sockets. It is
// the router's server-detected hook.
func (s *Server) ServerDetected(ev router.ServerEvent) {
	env, err := protocol.NewEnvelope(protocol.MsgServerDetected, ev)
	if err != nil {
		return
	}
	s.hub.broadcast(context.Background(), ev.SessionID, env)
}

// AgentEvent forwards agent progress to the session's sockets.
func (s *Server) AgentEvent(ev agent.Event) {
	env, err := protocol.NewEnvelope(protocol.MessageType(ev.Type), ev)
	if err != nil {
		return
	}
	s.hub.broadcast(context.Background(), ev.SessionID, env)
}

// CloseSession disconnects the sockets of a closed session.
func (s *Server) CloseSession(sess *session.Session) {
	s.hub.closeSession(sess.ID, "session closed")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.cfg.APIKeys.Lookup(gateway.BearerToken(r))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess.UserID != workspace.SanitizeUserID(userID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, sessionID: sess.ID, userID: userID}
	s.hub.add(c)
	defer func() {
		s.hub.remove(c)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.handleConnection(r.Context(), c, sess)
}

func (s *Server) handleConnection(ctx context.Context, c *client, sess *session.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hello, _ := protocol.NewEnvelope(protocol.MsgConnected, protocol.ConnectedPayload{
		SessionID:    sess.ID,
		CurrentDir:   sess.Workspace.Display(sess.Cwd()),
		HeavyEnabled: s.router.HeavyEnabled(),
	})
	if err := c.send(ctx, hello); err != nil {
		return
	}
	s.logger.Info("websocket connected",
		slog.String("session_id", sess.ID),
		slog.String("user_id", c.userID),
	)

	go s.heartbeatLoop(ctx, c)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				s.logger.Info("websocket disconnected", slog.String("session_id", sess.ID))
			} else {
				s.logger.Warn("websocket connection error",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(ctx, c, "", "invalid_message", "message is not a valid envelope")
			continue
		}
		s.handleMessage(ctx, c, &env)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgPing:
		pong, _ := protocol.NewEnvelope(protocol.MsgPong, nil)
		pong.RequestID = env.ID
		_ = c.send(ctx, pong)

	case protocol.MsgExecute:
		var p protocol.ExecutePayload
		if err := env.Decode(&p); err != nil || p.Command == "" {
			s.sendError(ctx, c, env.ID, "invalid_payload", "command is required")
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Allow(workspace.SanitizeUserID(c.userID)); err != nil {
				s.sendError(ctx, c, env.ID, "rate_limited", err.Error())
				return
			}
		}
		// Commands run beside the read loop so pings and disconnects are
		// still observed while they execute.
		go s.execute(ctx, c, env.ID, p)

	case protocol.MsgAgentStart:
		s.startAgent(ctx, c, env)

	default:
		s.sendError(ctx, c, env.ID, "unknown_type", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) execute(ctx context.Context, c *client, requestID string, p protocol.ExecutePayload) {
	sess, err := s.sessions.Get(c.sessionID)
	if err != nil {
		s.sendError(ctx, c, requestID, string(apperr.KindSessionNotFound), apperr.Message(err))
		return
	}
	res := s.router.Dispatch(ctx, sess, router.Request{
		Command:    p.Command,
		Repository: p.Repository,
		WorkingDir: p.WorkingDir,
		ForceHeavy: p.ForceHeavy,
	}, &outputWriter{ctx: ctx, c: c, requestID: requestID})

	env, err := protocol.NewEnvelope(protocol.MsgResult, res)
	if err != nil {
		return
	}
	env.RequestID = requestID
	if err := c.send(ctx, env); err != nil {
		s.logger.Debug("sending result failed",
			slog.String("session_id", c.sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) startAgent(ctx context.Context, c *client, env *protocol.Envelope) {
	if s.agents == nil {
		s.sendError(ctx, c, env.ID, string(apperr.KindServiceUnavailable), "autonomous agent is not enabled")
		return
	}
	var p protocol.AgentStartPayload
	if err := env.Decode(&p); err != nil || p.Task == "" {
		s.sendError(ctx, c, env.ID, "invalid_payload", "task is required")
		return
	}
	sess, err := s.sessions.Get(c.sessionID)
	if err != nil {
		s.sendError(ctx, c, env.ID, string(apperr.KindSessionNotFound), apperr.Message(err))
		return
	}
	s.agents.Start(ctx, p.Task, sess, agent.Options{
		MaxIterations: p.MaxIterations,
		Repository:    p.Repository,
		OnEvent:       s.AgentEvent,
	})
}

func (s *Server) sendError(ctx context.Context, c *client, requestID, code, msg string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	env.RequestID = requestID
	_ = c.send(ctx, env)
}

func (s *Server) heartbeatLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("session_id", c.sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// outputWriter streams command output to one socket.
type outputWriter struct {
	ctx       context.Context
	c         *client
	requestID string
}

func (w *outputWriter) Write(p []byte) (int, error) {
	env, err := protocol.NewEnvelope(protocol.MsgOutput, protocol.OutputPayload{Content: string(p)})
	if err != nil {
		return 0, err
	}
	env.RequestID = w.requestID
	// A gone client must not fail the command.
	_ = w.c.send(w.ctx, env)
	return len(p), nil
}

// Package mcpserver exposes warp sessions as Model Context Protocol tools
// over stdio, so a coding agent running next to the backend can execute
// commands in a sandboxed workspace.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/router"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/workspace"
)

// Config configures the MCP server.
type Config struct {
	Name    string // Default: "warp".
	Version string
	// UserID owns every session the server creates.
	UserID string
}

// Server serves warp tools over MCP stdio. It implements gateway.Gateway.
type Server struct {
	cfg      Config
	sessions *session.Manager
	router   *router.Router
	mcp      *server.MCPServer
	logger   *slog.Logger

	stdin  io.Reader
	stdout io.Writer

	mu      sync.Mutex
	current string // session used when a tool call names none
}

// New creates an MCP server and registers its tools.
func New(cfg Config, sessions *session.Manager, rt *router.Router, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "warp"
	}
	if cfg.UserID == "" {
		cfg.UserID = "mcp"
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		router:   rt,
		logger:   logger,
		stdin:    os.Stdin,
		stdout:   os.Stdout,
	}
	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false))
	s.registerTools()
	return s
}

// Start serves MCP over stdio until stdin closes or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio", slog.String("user_id", s.cfg.UserID))
	stdio := server.NewStdioServer(s.mcp)
	if err := stdio.Listen(ctx, s.stdin, s.stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// Stop is a no-op; Start returns when its context is canceled.
func (s *Server) Stop(context.Context) error { return nil }

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a fresh session with an isolated workspace. Replaces the previous session of this user."),
	), s.handleCreateSession)

	s.mcp.AddTool(mcp.NewTool("execute_command",
		mcp.WithDescription("Run a shell command in the session workspace. Heavy commands (builds, installs, dev servers) are routed to the compute backend when it is configured."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to run")),
		mcp.WithString("session_id", mcp.Description("Session to run in; defaults to the current session")),
		mcp.WithString("repository", mcp.Description("Repository URL, required by project-level heavy commands")),
		mcp.WithString("working_dir", mcp.Description("Directory relative to the workspace root")),
		mcp.WithBoolean("force_heavy", mcp.Description("Route the command to the compute backend")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool("quota",
		mcp.WithDescription("Report storage usage of the session workspace."),
		mcp.WithString("session_id", mcp.Description("Session to inspect; defaults to the current session")),
	), s.handleQuota)

	s.mcp.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List a directory of the session workspace."),
		mcp.WithString("path", mcp.Description("Directory relative to the workspace root")),
		mcp.WithString("session_id", mcp.Description("Session to inspect; defaults to the current session")),
	), s.handleListFiles)
}

func (s *Server) handleCreateSession(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.sessions.Create(s.cfg.UserID)
	if err != nil {
		return mcp.NewToolResultError(apperr.Message(err)), nil
	}
	s.mu.Lock()
	s.current = sess.ID
	s.mu.Unlock()
	return jsonResult(sess.Info())
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil || command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	sess, err := s.session(req.GetString("session_id", ""))
	if err != nil {
		return mcp.NewToolResultError(apperr.Message(err)), nil
	}

	res := s.router.Dispatch(ctx, sess, router.Request{
		Command:    command,
		Repository: req.GetString("repository", ""),
		WorkingDir: req.GetString("working_dir", ""),
		ForceHeavy: req.GetBool("force_heavy", false),
	}, nil)

	s.logger.InfoContext(ctx, "mcp command executed",
		slog.String("session_id", sess.ID),
		slog.String("executor", res.Executor),
		slog.Bool("success", res.Success),
	)
	out, err := jsonResult(res)
	if err != nil {
		return nil, err
	}
	out.IsError = !res.Success
	return out, nil
}

func (s *Server) handleQuota(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(req.GetString("session_id", ""))
	if err != nil {
		return mcp.NewToolResultError(apperr.Message(err)), nil
	}
	q, err := sess.Workspace.Usage()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(q)
}

func (s *Server) handleListFiles(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(req.GetString("session_id", ""))
	if err != nil {
		return mcp.NewToolResultError(apperr.Message(err)), nil
	}
	files, err := sess.Workspace.ListFiles(req.GetString("path", ""))
	if err != nil {
		return mcp.NewToolResultError(apperr.Message(err)), nil
	}
	return jsonResult(files)
}

// session resolves the session of a tool call. An explicit id must belong
// to the server's user; otherwise the current session is used, creating
// one on first use.
func (s *Server) session(id string) (*session.Session, error) {
	if id != "" {
		sess, err := s.sessions.Get(id)
		if err != nil {
			return nil, err
		}
		if sess.UserID != workspace.SanitizeUserID(s.cfg.UserID) {
			return nil, apperr.New(apperr.KindSessionNotFound, "Session not found")
		}
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		if sess, err := s.sessions.Get(s.current); err == nil {
			return sess, nil
		}
	}
	sess, err := s.sessions.Create(s.cfg.UserID)
	if err != nil {
		return nil, err
	}
	s.current = sess.ID
	return sess, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

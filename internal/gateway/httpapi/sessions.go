package httpapi

import (
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/router"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/storage"
	"github.com/jkaninda/warp/internal/workspace"
)

func (g *Gateway) sessionRoutes() {
	g.group.Post("/sessions", g.handleCreateSession,
		okapi.DocSummary("Create a session for the caller"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(http.StatusCreated, CreateSessionResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}", g.handleGetSession,
		okapi.DocSummary("Get a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(session.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleDeleteSession,
		okapi.DocSummary("Close a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/execute", g.handleExecute,
		okapi.DocSummary("Run a command in the session"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(router.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, router.Result{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/execute/stream", g.handleExecuteStream,
		okapi.DocSummary("Run a command and stream its output via SSE"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/quota", g.handleQuota,
		okapi.DocSummary("Workspace storage usage"),
		okapi.DocTags("Workspace"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(workspace.Quota{}),
	)
	g.group.Get("/sessions/{id}/files", g.handleListFiles,
		okapi.DocSummary("List a workspace directory"),
		okapi.DocTags("Workspace"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(FileListResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/files/content", g.handleReadFile,
		okapi.DocSummary("Read a workspace file"),
		okapi.DocTags("Workspace"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(FileContent{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/sessions/{id}/files", g.handleWriteFile,
		okapi.DocSummary("Write a workspace file"),
		okapi.DocTags("Workspace"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(FileContent{}),
		okapi.DocResponse(http.StatusInsufficientStorage, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/history", g.handleHistory,
		okapi.DocSummary("Recent executions of the session"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse([]storage.Execution{}),
	)
}

// CreateSessionResponse is returned by POST /v1/sessions.
type CreateSessionResponse struct {
	SessionID      string `json:"sessionId"`
	WorkspaceDir   string `json:"workspaceDir"`
	CurrentDir     string `json:"currentDir"`
	QuotaRemaining int64  `json:"quotaRemaining"`
	HeavyEnabled   bool   `json:"heavyEnabled"`
}

func (g *Gateway) handleCreateSession(c *okapi.Context) error {
	userID := c.GetString("userID")
	s, err := g.sessions.Create(userID)
	if err != nil {
		return g.fail(c, err)
	}
	q, err := s.Workspace.Usage()
	if err != nil {
		return g.fail(c, err)
	}
	info := s.Info()
	return c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:      s.ID,
		WorkspaceDir:   info.WorkspaceDir,
		CurrentDir:     info.CurrentDir,
		QuotaRemaining: q.Remaining,
		HeavyEnabled:   g.router.HeavyEnabled(),
	})
}

func (g *Gateway) handleGetSession(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(s.Info())
}

func (g *Gateway) handleDeleteSession(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	if err := g.sessions.Delete(s.ID); err != nil {
		return g.fail(c, err)
	}
	return c.OK(okapi.M{"success": true, "sessionId": s.ID})
}

// ExecuteRequest is the body of the execute endpoints.
type ExecuteRequest struct {
	Command    string `json:"command"`
	Repository string `json:"repository,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	ForceHeavy bool   `json:"forceHeavy,omitempty"`
}

func (r ExecuteRequest) toRouter() router.Request {
	return router.Request{
		Command:    r.Command,
		Repository: r.Repository,
		WorkingDir: r.WorkingDir,
		ForceHeavy: r.ForceHeavy,
	}
}

// handleExecute answers 200 for every command-level outcome, including
// blocked, failed and timed out commands. Only an unknown session (404) and
// a session with a command in flight (409) change the status.
func (g *Gateway) handleExecute(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "invalid request body"})
	}

	res := g.router.Dispatch(c.Context(), s, req.toRouter(), nil)
	if res.Kind == apperr.KindSessionBusy {
		return c.JSON(http.StatusConflict, res)
	}
	return c.OK(res)
}

func (g *Gateway) handleQuota(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	q, err := s.Workspace.Usage()
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(q)
}

// FileListResponse is returned by GET /v1/sessions/{id}/files.
type FileListResponse struct {
	Path  string               `json:"path"`
	Files []workspace.FileInfo `json:"files"`
}

// FileContent is a file body, read or written.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

func (g *Gateway) handleListFiles(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	rel := queryParam(c, "path")
	files, err := s.Workspace.ListFiles(rel)
	if err != nil {
		return g.fail(c, err)
	}
	if rel == "" {
		rel = "~"
	}
	return c.OK(FileListResponse{Path: rel, Files: files})
}

func (g *Gateway) handleReadFile(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	rel := queryParam(c, "path")
	if rel == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "path is required"})
	}
	data, err := s.Workspace.ReadFile(rel)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(FileContent{Path: rel, Content: string(data), Size: len(data)})
}

func (g *Gateway) handleWriteFile(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	var req FileContent
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "invalid request body"})
	}
	if req.Path == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "path is required"})
	}
	if err := s.Workspace.WriteFile(req.Path, []byte(req.Content)); err != nil {
		return g.fail(c, err)
	}
	return c.OK(FileContent{Path: req.Path, Size: len(req.Content)})
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	if g.history == nil {
		return c.OK([]storage.Execution{})
	}
	limit := storage.DefaultListLimit
	if v := queryParam(c, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "limit must be a positive integer"})
		}
		limit = n
	}
	rows, err := g.history.ListExecutions(c.Context(), s.ID, limit)
	if err != nil {
		return g.fail(c, err)
	}
	if rows == nil {
		rows = []storage.Execution{}
	}
	return c.OK(rows)
}

func queryParam(c *okapi.Context, name string) string {
	return c.Request().URL.Query().Get(name)
}

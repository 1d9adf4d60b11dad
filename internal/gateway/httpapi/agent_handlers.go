package httpapi

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/warp/internal/agent"
	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/workspace"
)

func (g *Gateway) agentRoutes() {
	g.group.Post("/sessions/{id}/agent", g.handleAgentStart,
		okapi.DocSummary("Start an autonomous agent task in the session"),
		okapi.DocTags("Agent"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(AgentRequest{}),
		okapi.DocResponse(http.StatusAccepted, agent.Execution{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/agent", g.handleAgentList,
		okapi.DocSummary("List agent tasks of the session"),
		okapi.DocTags("Agent"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse([]agent.Execution{}),
	)
	g.group.Get("/agent/{taskId}", g.handleAgentGet,
		okapi.DocSummary("Get an agent task with its steps"),
		okapi.DocTags("Agent"),
		okapi.DocPathParam("taskId", "string", "Task ID"),
		okapi.DocResponse(agent.Execution{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// AgentRequest is the body of POST /v1/sessions/{id}/agent.
type AgentRequest struct {
	Task           string `json:"task"`
	Repository     string `json:"repository,omitempty"`
	MaxIterations  int    `json:"maxIterations,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

func (g *Gateway) agentDisabled(c *okapi.Context) error {
	return g.fail(c, apperr.New(apperr.KindServiceUnavailable, "autonomous agent is not enabled"))
}

func (g *Gateway) handleAgentStart(c *okapi.Context) error {
	if g.agents == nil {
		return g.agentDisabled(c)
	}
	if err := g.allow(c); err != nil {
		return err
	}
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "invalid request body"})
	}
	if req.Task == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "task is required"})
	}

	exec := g.agents.Start(c.Context(), req.Task, s, agent.Options{
		MaxIterations: req.MaxIterations,
		Timeout:       time.Duration(req.TimeoutSeconds) * time.Second,
		Repository:    req.Repository,
		OnEvent:       g.agentEvents,
	})
	return c.JSON(http.StatusAccepted, exec)
}

func (g *Gateway) handleAgentList(c *okapi.Context) error {
	if g.agents == nil {
		return g.agentDisabled(c)
	}
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	runs := g.agents.List(s.ID)
	if runs == nil {
		runs = []*agent.Execution{}
	}
	return c.OK(runs)
}

func (g *Gateway) handleAgentGet(c *okapi.Context) error {
	if g.agents == nil {
		return g.agentDisabled(c)
	}
	exec, err := g.agents.Get(c.Context(), c.Param("taskId"))
	if err != nil {
		return g.fail(c, err)
	}
	if exec.UserID != workspace.SanitizeUserID(c.GetString("userID")) {
		return g.fail(c, agent.ErrTaskNotFound)
	}
	return c.OK(exec)
}

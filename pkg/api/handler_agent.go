package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/agentpool"
)

// listAgentsHandler handles GET /agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents, err := s.deps.Pool.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}

// spawnAgentHandler handles POST /agents/spawn.
func (s *Server) spawnAgentHandler(c *echo.Context) error {
	var req agentpool.SpawnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	agent, err := s.deps.Pool.Spawn(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// DelegateBody is the HTTP request body for POST /agents/delegate.
type DelegateBody struct {
	Task           string `json:"task"`
	Role           string `json:"role,omitempty"`
	Model          string `json:"model,omitempty"`
	Context        string `json:"context,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Cleanup        *bool  `json:"cleanup,omitempty"`
}

// delegateHandler handles POST /agents/delegate. The call blocks until the
// delegated task settles or its timeout elapses; a timeout is a valid
// outcome, not an HTTP error.
func (s *Server) delegateHandler(c *echo.Context) error {
	var body DelegateBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.deps.Pool.DelegateTask(c.Request().Context(), agentpool.DelegateRequest{
		Task:         body.Task,
		Role:         body.Role,
		Model:        body.Model,
		Context:      body.Context,
		Instructions: body.Instructions,
		Timeout:      time.Duration(body.TimeoutSeconds) * time.Second,
		Cleanup:      body.Cleanup,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// terminateAgentHandler handles DELETE /agents/:id. The archive query flag
// preserves a non-empty working session in the archive.
func (s *Server) terminateAgentHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	archive := c.QueryParam("archive") == "true"
	if err := s.deps.Pool.Terminate(c.Request().Context(), agentID, archive); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "terminated", "agent_id": agentID})
}

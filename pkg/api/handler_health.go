package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/database"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database *database.HealthStatus `json:"database,omitempty"`
	Agents   *AgentPoolHealth       `json:"agents,omitempty"`
	UptimeS  int64                  `json:"uptime_s"`
}

// AgentPoolHealth summarizes live pool occupancy.
type AgentPoolHealth struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state,omitempty"`
}

// healthHandler handles GET /health. Unauthenticated; only the database is
// probed so an unhealthy external LLM provider cannot trigger restarts.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:  "healthy",
		UptimeS: int64(time.Since(s.started).Seconds()),
	}

	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		dbStatus, err := s.deps.Health(ctx)
		resp.Database = dbStatus
		if err != nil {
			resp.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}

	// Pool occupancy is informational and never flips the status.
	if s.deps.Pool != nil {
		if agents, err := s.deps.Pool.List(c.Request().Context()); err == nil {
			pool := &AgentPoolHealth{Total: len(agents)}
			if len(agents) > 0 {
				pool.ByState = make(map[string]int)
				for _, a := range agents {
					pool.ByState[string(a.State)]++
				}
			}
			resp.Agents = pool
		}
	}

	return c.JSON(http.StatusOK, resp)
}

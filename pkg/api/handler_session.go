package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

// listSessionsHandler handles GET /sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	filter := store.SessionFilter{}

	if v := c.QueryParam("type"); v != "" {
		t := models.SessionType(v)
		if err := t.Validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid type: "+v)
		}
		filter.Type = t
	}
	switch v := c.QueryParam("status"); v {
	case "", "active":
	case "ghost":
		// Ghost is derived, not stored: the service fills in the age cutoff.
		filter.GhostsOnly = true
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
	}
	filter.MinMessageCount = intQuery(c, "min_message_count", 0)
	if v := c.QueryParam("order"); v != "" {
		switch v {
		case "created_at", "updated_at":
			filter.OrderBy = v
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid order: must be created_at or updated_at")
		}
	}
	filter.Asc = c.QueryParam("asc") == "true"
	filter.Limit = intQuery(c, "limit", 0)
	filter.Offset = intQuery(c, "offset", 0)

	result, err := s.deps.Sessions.ListSessions(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// getSessionHandler handles GET /sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	sess, err := s.deps.Sessions.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// sessionMessagesHandler handles GET /sessions/:id/messages.
func (s *Server) sessionMessagesHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	msgs, err := s.deps.Sessions.Messages(c.Request().Context(), sessionID, intQuery(c, "limit", 0))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// ArchiveResponse is returned by POST /sessions/:id/archive.
type ArchiveResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// archiveSessionHandler handles POST /sessions/:id/archive. Archiving an
// unknown or already-archived session returns 404.
func (s *Server) archiveSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	archived, err := s.deps.Sessions.ArchiveSession(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	if !archived {
		return echo.NewHTTPError(http.StatusNotFound, "session not found or already archived")
	}
	return c.JSON(http.StatusOK, &ArchiveResponse{Status: "archived", SessionID: sessionID})
}

// deleteGhostsHandler handles DELETE /sessions/ghosts.
func (s *Server) deleteGhostsHandler(c *echo.Context) error {
	olderThan := time.Duration(intQuery(c, "older_than_minutes", 0)) * time.Minute
	deleted, err := s.deps.Sessions.DeleteGhostSessions(c.Request().Context(), olderThan)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": deleted})
}

// listArchivedHandler handles GET /sessions/archive.
func (s *Server) listArchivedHandler(c *echo.Context) error {
	result, err := s.deps.Sessions.ListArchived(c.Request().Context(),
		intQuery(c, "limit", 50), intQuery(c, "offset", 0))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func intQuery(c *echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

// listModelsHandler handles GET /models: catalog entries with live breaker
// and rate-window state.
func (s *Server) listModelsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"models": s.deps.Models.Status()})
}

// listCronHandler handles GET /cron.
func (s *Server) listCronHandler(c *echo.Context) error {
	jobs, err := s.deps.Scheduler.Jobs(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs})
}

// CronBody is the HTTP request body for POST /cron and PATCH /cron/:id.
type CronBody struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	Skill    string         `json:"skill"`
	Action   string         `json:"action"`
	Model    string         `json:"model,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
}

// upsertCronHandler handles POST /cron. Schedule changes take effect on the
// next scheduler restart; manual fires pick them up immediately.
func (s *Server) upsertCronHandler(c *echo.Context) error {
	var body CronBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Name == "" || body.Schedule == "" || body.Skill == "" || body.Action == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"name, schedule, skill and action are required")
	}

	job := &models.CronJob{
		Name:     body.Name,
		Schedule: body.Schedule,
		Skill:    body.Skill,
		Action:   body.Action,
		Model:    body.Model,
		Args:     body.Args,
		Enabled:  body.Enabled == nil || *body.Enabled,
	}
	if err := s.deps.CronJobs.Upsert(c.Request().Context(), job); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, job)
}

// patchCronHandler handles PATCH /cron/:id with partial updates.
func (s *Server) patchCronHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.deps.CronJobs.Get(c.Request().Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "cron job not found")
	}
	if err != nil {
		return mapServiceError(err)
	}

	var body CronBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Schedule != "" {
		job.Schedule = body.Schedule
	}
	if body.Skill != "" {
		job.Skill = body.Skill
	}
	if body.Action != "" {
		job.Action = body.Action
	}
	if body.Model != "" {
		job.Model = body.Model
	}
	if body.Args != nil {
		job.Args = body.Args
	}
	if body.Enabled != nil {
		job.Enabled = *body.Enabled
	}

	if err := s.deps.CronJobs.Upsert(c.Request().Context(), job); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// runCronHandler handles POST /cron/:name/run, firing one job immediately.
func (s *Server) runCronHandler(c *echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job name is required")
	}
	if err := s.deps.Scheduler.RunNow(c.Request().Context(), name); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "fired", "job": name})
}

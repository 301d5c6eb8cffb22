package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/orchestrator"
)

// RoundtableBody is the HTTP request body for POST /roundtable.
type RoundtableBody struct {
	Topic        string                     `json:"topic"`
	Participants []orchestrator.Participant `json:"participants"`
	Rounds       int                        `json:"rounds,omitempty"`
	Synthesis    orchestrator.SynthesisMode `json:"synthesis,omitempty"`

	// Initiative scores switch the turn order from declared to
	// highest-score-first.
	Initiative map[string]int `json:"initiative,omitempty"`
}

// roundtableHandler handles POST /roundtable.
func (s *Server) roundtableHandler(c *echo.Context) error {
	var body RoundtableBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.deps.Orchestrator.Roundtable(c.Request().Context(), roundtableRequest(body))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func roundtableRequest(body RoundtableBody) orchestrator.RoundtableRequest {
	req := orchestrator.RoundtableRequest{
		Topic:        body.Topic,
		Participants: body.Participants,
		Rounds:       body.Rounds,
		Synthesis:    body.Synthesis,
	}
	if len(body.Initiative) > 0 {
		req.Policy = orchestrator.InitiativePolicy{Scores: body.Initiative}
	}
	return req
}

// SwarmBody is the HTTP request body for POST /swarm.
type SwarmBody struct {
	Task           string                    `json:"task"`
	Workers        []orchestrator.WorkerSpec `json:"workers"`
	TimeoutSeconds int                       `json:"timeout_seconds,omitempty"`
}

// swarmHandler handles POST /swarm.
func (s *Server) swarmHandler(c *echo.Context) error {
	var body SwarmBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.deps.Orchestrator.Swarm(c.Request().Context(), orchestrator.SwarmRequest{
		Task:    body.Task,
		Workers: body.Workers,
		Timeout: time.Duration(body.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

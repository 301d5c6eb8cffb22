package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/store"
)

// ErrorEnvelope is the uniform error body on every transport failure.
type ErrorEnvelope struct {
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfter    int    `json:"retry_after,omitempty"`
}

// errorKind maps an HTTP status to the envelope's short error token.
func errorKind(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusUnprocessableEntity:
		return "validation"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// errorHandler converts every handler error into the uniform envelope.
func (s *Server) errorHandler(c *echo.Context, err error) {
	if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil && res.Committed {
		return
	}

	he, ok := err.(*echo.HTTPError)
	if !ok {
		he = mapServiceError(err)
	}

	env := &ErrorEnvelope{
		Error:         errorKind(he.Code),
		Detail:        fmt.Sprintf("%v", he.Message),
		CorrelationID: correlationID(c),
	}
	var rle *llm.RateLimitError
	if errors.As(err, &rle) {
		env.RetryAfter = int(rle.RetryAfter.Seconds())
	}

	if he.Code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request().URL.Path,
			"status", he.Code, "correlation_id", env.CorrelationID, "error", err)
	}

	if jsonErr := c.JSON(he.Code, env); jsonErr != nil {
		s.logger.Error("error response write failed", "error", jsonErr)
	}
}

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, agentpool.ErrAgentNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrConflict) || errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, agentpool.ErrUnknownModel) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if errors.Is(err, llm.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	}
	if errors.Is(err, llm.ErrNoModelAvailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if errors.Is(err, llm.ErrLLMTimeout) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "model call timed out")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

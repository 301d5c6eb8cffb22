package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/chat"
)

// chatHandler handles POST /chat: one message in, the full response out.
func (s *Server) chatHandler(c *echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reply, err := s.deps.Chat.Send(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, reply)
}

// chatStreamHandler handles POST /chat/stream as server-sent events: data:
// frames carry chunks, the stream terminates with event: done or event:
// error.
func (s *Server) chatStreamHandler(c *echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	events, err := s.deps.Chat.Stream(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	res := c.Response()
	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	for ev := range events {
		if ev.Err != nil {
			env := &ErrorEnvelope{CorrelationID: correlationID(c)}
			he := mapServiceError(ev.Err)
			env.Error = errorKind(he.Code)
			env.Detail = fmt.Sprintf("%v", he.Message)
			writeSSE(c, "error", env)
			return nil
		}
		if ev.Done {
			writeSSE(c, "done", ev)
			return nil
		}
		writeSSE(c, "", ev)
	}
	return nil
}

// writeSSE emits one frame and flushes it so chunks reach the client as they
// arrive.
func writeSSE(c *echo.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(c.Response(), "event: %s\n", event)
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	http.NewResponseController(c.Response()).Flush()
}

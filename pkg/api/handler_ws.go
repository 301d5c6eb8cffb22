package api

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/chat"
	"github.com/aria-platform/aria/pkg/services"
)

// WebSocket close codes. 1000 (normal) comes from the websocket package.
const (
	closeUnauthenticated websocket.StatusCode = 4001
	closeForbidden       websocket.StatusCode = 4003
)

// WSFrame is one JSON frame on the chat socket, both directions.
type WSFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Model     string `json:"model,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// wsAccept upgrades the connection and runs the token check. A failed check
// closes with 4001 after the handshake so the client sees the code.
func (s *Server) wsAccept(c *echo.Context) (*websocket.Conn, bool, error) {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, false, err
	}
	if s.cfg.APIKey != "" && c.QueryParam("token") != s.cfg.APIKey {
		conn.Close(closeUnauthenticated, "unauthenticated")
		return nil, false, nil
	}
	return conn, true, nil
}

// wsChatHandler handles /ws/chat/:session_id?token=. Each inbound frame is a
// user message; response chunks stream back as frames on the same socket.
func (s *Server) wsChatHandler(c *echo.Context) error {
	conn, ok, err := s.wsAccept(c)
	if err != nil || !ok {
		return err
	}

	ctx := c.Request().Context()
	sessionID := c.Param("id")

	// The session must already exist; lazy creation belongs to the HTTP
	// chat routes where the client learns the new id from the response.
	if _, err := s.deps.Sessions.GetSession(ctx, sessionID); err != nil {
		conn.Close(closeForbidden, "unknown session")
		return nil
	}

	for {
		var frame WSFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, context.Canceled) {
				return nil
			}
			conn.Close(websocket.StatusNormalClosure, "bye")
			return nil
		}
		if frame.Content == "" {
			wsjson.Write(ctx, conn, &WSFrame{Type: "error", Detail: "content is required"})
			continue
		}

		events, err := s.deps.Chat.Stream(ctx, chat.Request{
			SessionID: sessionID,
			Content:   frame.Content,
			Model:     frame.Model,
		})
		if err != nil {
			wsjson.Write(ctx, conn, &WSFrame{Type: "error", Detail: err.Error()})
			continue
		}
		s.relayToSocket(ctx, conn, events)
	}
}

func (s *Server) relayToSocket(ctx context.Context, conn *websocket.Conn, events <-chan chat.Event) {
	for ev := range events {
		var frame WSFrame
		switch {
		case ev.Err != nil:
			frame = WSFrame{Type: "error", SessionID: ev.SessionID, Detail: ev.Err.Error()}
		case ev.Done:
			frame = WSFrame{Type: "done", SessionID: ev.SessionID, Model: ev.Model}
		default:
			frame = WSFrame{Type: "chunk", SessionID: ev.SessionID, Content: ev.Content, Model: ev.Model}
		}
		if err := wsjson.Write(ctx, conn, &frame); err != nil {
			return
		}
	}
}

// wsRoundtableHandler handles /ws/roundtable?token=. The client sends one
// roundtable request; the server replies with the per-turn transcript as it
// completes and closes normally.
func (s *Server) wsRoundtableHandler(c *echo.Context) error {
	conn, ok, err := s.wsAccept(c)
	if err != nil || !ok {
		return err
	}

	ctx := c.Request().Context()

	var body RoundtableBody
	if err := wsjson.Read(ctx, conn, &body); err != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
		return nil
	}

	result, err := s.deps.Orchestrator.Roundtable(ctx, roundtableRequest(body))
	if err != nil {
		var validErr *services.ValidationError
		if errors.As(err, &validErr) {
			conn.Close(closeForbidden, validErr.Error())
			return nil
		}
		wsjson.Write(ctx, conn, &WSFrame{Type: "error", Detail: err.Error()})
		conn.Close(websocket.StatusInternalError, "roundtable failed")
		return nil
	}

	wsjson.Write(ctx, conn, result)
	conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

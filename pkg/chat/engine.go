// Package chat turns inbound user messages into model conversations: lazy
// session creation, transcript assembly, streamed responses and inline slash
// commands.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/orchestrator"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/store"
)

// transcriptLimit caps how many stored messages are replayed to the model.
const transcriptLimit = 50

// Gateway is the slice of the LLM gateway the chat engine needs.
type Gateway interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, *models.Model, error)
}

// Tabler runs mini-roundtables for the /rt slash command.
type Tabler interface {
	Roundtable(ctx context.Context, req orchestrator.RoundtableRequest) (*orchestrator.RoundtableResult, error)
}

// Request is one inbound user message. An empty SessionID creates the chat
// session lazily; opening the chat page alone never creates a row.
type Request struct {
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
}

// Reply is the non-streaming response.
type Reply struct {
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	Model     string            `json:"model,omitempty"`
	Usage     models.TokenUsage `json:"usage"`
}

// Event is one frame of a streamed response.
type Event struct {
	SessionID string             `json:"session_id,omitempty"`
	Content   string             `json:"content,omitempty"`
	Model     string             `json:"model,omitempty"`
	Done      bool               `json:"done,omitempty"`
	Usage     *models.TokenUsage `json:"usage,omitempty"`
	Err       error              `json:"-"`
}

// Engine drives the chat surface.
type Engine struct {
	sessions *services.SessionService
	gateway  Gateway
	tabler   Tabler
	agents   store.AgentStore
	logger   *slog.Logger
}

// NewEngine creates a chat engine. tabler may be nil, disabling /rt.
func NewEngine(sessions *services.SessionService, gateway Gateway, tabler Tabler, agents store.AgentStore, logger *slog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		gateway:  gateway,
		tabler:   tabler,
		agents:   agents,
		logger:   logger.With("component", "chat"),
	}
}

// Send handles one message synchronously and returns the full response.
func (e *Engine) Send(ctx context.Context, req Request) (*Reply, error) {
	sessionID, err := e.accept(ctx, &req)
	if err != nil {
		return nil, err
	}

	if cmd, ok := parseCommand(req.Content); ok {
		content, err := e.runCommand(ctx, sessionID, cmd)
		if err != nil {
			return nil, err
		}
		return &Reply{SessionID: sessionID, Content: content}, nil
	}

	transcript, err := e.transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp, err := e.gateway.Complete(ctx, llm.CompletionRequest{
		Model:     req.Model,
		Messages:  transcript,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}

	e.persistAssistant(ctx, sessionID, resp.Content, resp.Model, resp.Usage)
	return &Reply{
		SessionID: sessionID,
		Content:   resp.Content,
		Model:     resp.Model,
		Usage:     resp.Usage,
	}, nil
}

// Stream handles one message and emits the response incrementally. The
// returned channel always terminates with either a Done event or an Err
// event. Setup failures before the first frame are returned directly.
func (e *Engine) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	sessionID, err := e.accept(ctx, &req)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 8)

	if cmd, ok := parseCommand(req.Content); ok {
		go func() {
			defer close(out)
			content, err := e.runCommand(ctx, sessionID, cmd)
			if err != nil {
				out <- Event{SessionID: sessionID, Err: err}
				return
			}
			out <- Event{SessionID: sessionID, Content: content}
			out <- Event{SessionID: sessionID, Done: true}
		}()
		return out, nil
	}

	transcript, err := e.transcript(ctx, sessionID)
	if err != nil {
		close(out)
		return nil, err
	}
	chunks, model, err := e.gateway.CompleteStream(ctx, llm.CompletionRequest{
		Model:     req.Model,
		Messages:  transcript,
		SessionID: sessionID,
	})
	if err != nil {
		close(out)
		return nil, err
	}

	go e.relay(ctx, sessionID, model.ID, chunks, out)
	return out, nil
}

// relay forwards gateway chunks to the client and persists the assembled
// assistant message once the stream settles.
func (e *Engine) relay(ctx context.Context, sessionID, modelID string, chunks <-chan llm.StreamChunk, out chan<- Event) {
	defer close(out)

	var assembled []byte
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			out <- Event{SessionID: sessionID, Model: modelID, Err: chunk.Err}
			return
		case chunk.Done:
			var usage models.TokenUsage
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			e.persistAssistant(ctx, sessionID, string(assembled), modelID, usage)
			out <- Event{SessionID: sessionID, Model: modelID, Done: true, Usage: chunk.Usage}
			return
		default:
			assembled = append(assembled, chunk.Content...)
			out <- Event{SessionID: sessionID, Model: modelID, Content: chunk.Content}
		}
	}
	// Provider closed without a terminal frame; persist what arrived.
	e.persistAssistant(ctx, sessionID, string(assembled), modelID, models.TokenUsage{})
	out <- Event{SessionID: sessionID, Model: modelID, Done: true}
}

// accept validates the request, lazily creates the session when needed, and
// records the user message. Returns the effective session id.
func (e *Engine) accept(ctx context.Context, req *Request) (string, error) {
	if req.Content == "" {
		return "", services.NewValidationError("content", "required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := e.sessions.CreateSession(ctx, services.CreateSessionRequest{
			Type:  models.SessionTypeChat,
			Model: req.Model,
		})
		if err != nil {
			return "", err
		}
		sessionID = sess.ID
	}

	if _, err := e.sessions.AppendMessage(ctx, services.AppendMessageRequest{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   req.Content,
	}); err != nil {
		return "", err
	}
	return sessionID, nil
}

// transcript replays the stored conversation as model input.
func (e *Engine) transcript(ctx context.Context, sessionID string) ([]llm.Message, error) {
	msgs, err := e.sessions.Messages(ctx, sessionID, transcriptLimit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (e *Engine) persistAssistant(ctx context.Context, sessionID, content, model string, usage models.TokenUsage) {
	if content == "" {
		return
	}
	if _, err := e.sessions.AppendMessage(ctx, services.AppendMessageRequest{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   content,
		Model:     model,
		Tokens:    usage.Total(),
	}); err != nil {
		e.logger.Warn("assistant message persist failed", "session_id", sessionID, "error", err)
	}
	if usage.Total() > 0 {
		if err := e.sessions.AccumulateTokens(ctx, sessionID, usage.InputTokens, usage.OutputTokens); err != nil {
			e.logger.Warn("token accumulation failed", "session_id", sessionID, "error", err)
		}
	}
}

// runCommand executes one slash command inside the session. Only /rt is
// recognized; anything else is reported back as an error.
func (e *Engine) runCommand(ctx context.Context, sessionID string, cmd *command) (string, error) {
	if cmd.Name != "rt" {
		return "", services.NewValidationError("command", fmt.Sprintf("unknown command /%s", cmd.Name))
	}
	if e.tabler == nil {
		return "", services.NewValidationError("command", "roundtables are not enabled")
	}
	if len(cmd.Mentions) == 0 {
		return "", services.NewValidationError("command", "/rt needs at least one @participant")
	}
	if cmd.Topic == "" {
		return "", services.NewValidationError("command", "/rt needs a topic")
	}

	participants, err := e.resolveMentions(ctx, cmd.Mentions)
	if err != nil {
		return "", err
	}

	res, err := e.tabler.Roundtable(ctx, orchestrator.RoundtableRequest{
		Topic:           cmd.Topic,
		Participants:    participants,
		TargetSessionID: sessionID,
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("mini roundtable completed",
		"session_id", sessionID, "turns", len(res.Turns), "tokens_used", res.TokensUsed)
	return res.Synthesis, nil
}

// resolveMentions maps @aliases onto live pool agents. An unknown alias
// fails the whole command before any roundtable state is created.
func (e *Engine) resolveMentions(ctx context.Context, mentions []string) ([]orchestrator.Participant, error) {
	agents, err := e.agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	byName := make(map[string]*models.Agent, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}

	participants := make([]orchestrator.Participant, 0, len(mentions))
	for _, alias := range mentions {
		agent, ok := byName[alias]
		if !ok {
			return nil, services.NewValidationError("participants", fmt.Sprintf("unknown agent @%s", alias))
		}
		participants = append(participants, orchestrator.Participant{
			Name:         agent.Name,
			Role:         agent.Role,
			Instructions: agent.Instructions,
			Model:        agent.Model,
		})
	}
	return participants, nil
}

// Package agentpool manages the lifecycle of focused worker agents: spawn,
// task delegation with polling, and termination.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/store"
)

// ErrUnknownModel is returned when a spawn pins a model the catalog does not
// know.
var ErrUnknownModel = errors.New("unknown model")

// ErrAgentNotFound is returned when an addressed agent does not exist.
var ErrAgentNotFound = errors.New("agent not found")

const (
	// defaultPollInterval is how often delegation checks agent state.
	defaultPollInterval = 2 * time.Second

	// defaultDelegationTimeout bounds one delegated task end to end.
	defaultDelegationTimeout = 120 * time.Second

	// turnTimeout bounds a single agent turn against the gateway.
	turnTimeout = 120 * time.Second
)

// Completer is the slice of the LLM gateway the pool needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// ModelResolver validates pinned models. The model catalog satisfies this.
type ModelResolver interface {
	Lookup(idOrAlias string) (*models.Model, bool)
}

// Pool owns the agent collection and runs agent turns.
type Pool struct {
	agents    store.AgentStore
	sessions  *services.SessionService
	completer Completer
	resolver  ModelResolver
	logger    *slog.Logger

	pollInterval time.Duration
	wg           sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithPollInterval overrides the delegation poll cadence. Used by tests.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool creates an agent pool.
func NewPool(agents store.AgentStore, sessions *services.SessionService, completer Completer, resolver ModelResolver, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		agents:       agents,
		sessions:     sessions,
		completer:    completer,
		resolver:     resolver,
		logger:       logger.With("component", "agent_pool"),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SpawnRequest creates one agent.
type SpawnRequest struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Instructions string `json:"instructions,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Spawn creates an agent and its working session. A pinned model must exist
// in the catalog. Session and agent are created as a unit; a failed agent
// insert rolls the session back.
func (p *Pool) Spawn(ctx context.Context, req SpawnRequest) (*models.Agent, error) {
	if req.Name == "" {
		return nil, services.NewValidationError("name", "required")
	}
	if req.Role == "" {
		return nil, services.NewValidationError("role", "required")
	}
	model := req.Model
	if model != "" {
		m, ok := p.resolver.Lookup(model)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
		}
		model = m.ID
	}

	sess, err := p.sessions.CreateSession(ctx, services.CreateSessionRequest{
		Type:  models.SessionTypeChat,
		Model: model,
		Title: fmt.Sprintf("agent: %s", req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent session: %w", err)
	}

	agent := &models.Agent{
		Name:         req.Name,
		Role:         req.Role,
		Instructions: req.Instructions,
		Model:        model,
		SessionID:    sess.ID,
		State:        models.AgentStateIdle,
	}
	if err := p.agents.Create(ctx, agent); err != nil {
		if delErr := p.sessions.DeleteSession(ctx, sess.ID); delErr != nil {
			p.logger.Error("failed to roll back agent session", "session_id", sess.ID, "error", delErr)
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	p.logger.Info("agent spawned", "agent_id", agent.ID, "name", agent.Name, "model", model)
	return agent, nil
}

// Get returns one agent.
func (p *Pool) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := p.agents.Get(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

// List returns all live agents.
func (p *Pool) List(ctx context.Context) ([]*models.Agent, error) {
	return p.agents.List(ctx)
}

// PostTask appends a user message to the agent's session and starts one turn
// in the background. The agent moves busy → completed (or failed).
func (p *Pool) PostTask(ctx context.Context, agentID, content string) error {
	agent, err := p.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State == models.AgentStateBusy {
		return services.ErrConflict
	}

	if _, err := p.sessions.AppendMessage(ctx, services.AppendMessageRequest{
		SessionID: agent.SessionID,
		Role:      models.RoleUser,
		Content:   content,
	}); err != nil {
		return fmt.Errorf("failed to post task: %w", err)
	}
	if err := p.agents.UpdateState(ctx, agentID, models.AgentStateBusy); err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runTurn(agentID)
	}()
	return nil
}

// runTurn executes one completion over the agent's session transcript.
func (p *Pool) runTurn(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	agent, err := p.Get(ctx, agentID)
	if err != nil {
		return
	}

	msgs, err := p.sessions.Messages(ctx, agent.SessionID, 0)
	if err != nil {
		p.failTurn(ctx, agentID, err)
		return
	}

	req := llm.CompletionRequest{Model: agent.Model, SessionID: agent.SessionID}
	if agent.Instructions != "" {
		req.Messages = append(req.Messages, llm.Message{Role: models.RoleSystem, Content: agent.Instructions})
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := p.completer.Complete(ctx, req)
	if err != nil {
		p.failTurn(ctx, agentID, err)
		return
	}

	if _, err := p.sessions.AppendMessage(ctx, services.AppendMessageRequest{
		SessionID: agent.SessionID,
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		AgentID:   agentID,
		Model:     resp.Model,
		Tokens:    resp.Usage.Total(),
	}); err != nil {
		p.failTurn(ctx, agentID, err)
		return
	}
	if err := p.sessions.AccumulateTokens(ctx, agent.SessionID, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
		p.logger.Warn("token accumulation failed", "agent_id", agentID, "error", err)
	}

	if err := p.agents.UpdateState(ctx, agentID, models.AgentStateCompleted); err != nil {
		p.logger.Warn("agent state update failed", "agent_id", agentID, "error", err)
	}
}

func (p *Pool) failTurn(ctx context.Context, agentID string, cause error) {
	p.logger.Warn("agent turn failed", "agent_id", agentID, "error", cause)
	if err := p.agents.UpdateState(ctx, agentID, models.AgentStateFailed); err != nil {
		p.logger.Warn("agent state update failed", "agent_id", agentID, "error", err)
	}
}

// DelegateRequest runs one fire-and-collect task on a fresh agent.
type DelegateRequest struct {
	Task         string        `json:"task"`
	Role         string        `json:"role"`
	Model        string        `json:"model,omitempty"`
	Context      string        `json:"context,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
	Timeout      time.Duration `json:"-"`
	Cleanup      *bool         `json:"cleanup,omitempty"`
}

// DelegateTask spawns an agent, posts the combined context and task, polls
// until the agent settles or the timeout elapses, and collects the last
// assistant message. With cleanup (the default) the agent is terminated
// afterwards. A timed-out delegation returns whatever partial result exists.
func (p *Pool) DelegateTask(ctx context.Context, req DelegateRequest) (*models.DelegationResult, error) {
	if req.Task == "" {
		return nil, services.NewValidationError("task", "required")
	}
	if req.Role == "" {
		req.Role = "worker"
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultDelegationTimeout
	}
	cleanup := req.Cleanup == nil || *req.Cleanup

	agent, err := p.Spawn(ctx, SpawnRequest{
		Name:         fmt.Sprintf("task-%s", req.Role),
		Role:         req.Role,
		Instructions: req.Instructions,
		Model:        req.Model,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result := &models.DelegationResult{AgentID: agent.ID, Model: agent.Model}

	content := req.Task
	if req.Context != "" {
		content = req.Context + "\n\n" + req.Task
	}
	if err := p.PostTask(ctx, agent.ID, content); err != nil {
		result.Status = models.DelegationError
		result.Result = err.Error()
		p.finishDelegation(agent.ID, cleanup)
		return result, nil
	}

	result.Status = p.awaitSettled(ctx, agent.ID, timeout)
	p.collect(ctx, agent, result)
	result.DurationMS = time.Since(started).Milliseconds()
	p.finishDelegation(agent.ID, cleanup)
	return result, nil
}

// awaitSettled polls agent state until it leaves busy or the timeout fires.
func (p *Pool) awaitSettled(ctx context.Context, agentID string, timeout time.Duration) models.DelegationStatus {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.DelegationTimeout
		case <-deadline.C:
			return models.DelegationTimeout
		case <-ticker.C:
			agent, err := p.Get(ctx, agentID)
			if err != nil {
				return models.DelegationError
			}
			switch agent.State {
			case models.AgentStateCompleted, models.AgentStateIdle:
				return models.DelegationCompleted
			case models.AgentStateFailed:
				return models.DelegationError
			}
		}
	}
}

// collect pulls the last assistant message and token usage into the result.
// Timed-out delegations keep status=timeout even when a partial answer exists.
func (p *Pool) collect(ctx context.Context, agent *models.Agent, result *models.DelegationResult) {
	msg, err := p.sessions.LastMessage(ctx, agent.SessionID, models.RoleAssistant)
	if err != nil {
		return
	}
	result.Result = msg.Content
	result.TokensUsed = msg.Tokens
	if result.Model == "" {
		result.Model = msg.Model
	}
}

func (p *Pool) finishDelegation(agentID string, cleanup bool) {
	if !cleanup {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Terminate(ctx, agentID, false); err != nil {
		p.logger.Warn("delegation cleanup failed", "agent_id", agentID, "error", err)
	}
}

// Terminate removes an agent. Its session is archived when it holds messages
// and the caller asks for it; otherwise the session is deleted.
func (p *Pool) Terminate(ctx context.Context, agentID string, archiveSession bool) error {
	agent, err := p.Get(ctx, agentID)
	if err != nil {
		return err
	}

	sess, err := p.sessions.GetSession(ctx, agent.SessionID)
	if err == nil {
		if archiveSession && sess.Type == models.SessionTypeChat && sess.MessageCount > 0 {
			if _, err := p.sessions.ArchiveSession(ctx, sess.ID); err != nil {
				return fmt.Errorf("failed to archive agent session: %w", err)
			}
		} else {
			if err := p.sessions.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, services.ErrNotFound) {
				return fmt.Errorf("failed to delete agent session: %w", err)
			}
		}
	}

	if err := p.agents.Delete(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	p.logger.Info("agent terminated", "agent_id", agentID, "archived", archiveSession)
	return nil
}

// Wait blocks until in-flight agent turns finish. Called on shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

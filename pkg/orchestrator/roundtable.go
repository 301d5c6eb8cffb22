// Package orchestrator coordinates multi-agent conversations: sequential
// roundtables with synthesis and parallel swarms with merged recaps.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/services"
)

const (
	// defaultAgentTimeout bounds one participant turn.
	defaultAgentTimeout = 120 * time.Second

	// defaultSessionTimeout bounds a whole roundtable.
	defaultSessionTimeout = 2 * time.Hour
)

// SynthesisMode selects how the closing summary is written.
type SynthesisMode string

// Synthesis modes.
const (
	SynthesisAnalysis  SynthesisMode = "analysis"
	SynthesisNarrative SynthesisMode = "narrative"
)

// Completer is the slice of the LLM gateway the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Participant is one roundtable seat.
type Participant struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Instructions string `json:"instructions,omitempty"`
	Model        string `json:"model,omitempty"`

	agentID string
}

// Turn is one utterance in the transcript.
type Turn struct {
	Round   int    `json:"round"`
	Agent   string `json:"agent"`
	Model   string `json:"model,omitempty"`
	Content string `json:"content"`
	Tokens  int64  `json:"tokens"`
	Err     string `json:"error,omitempty"`
}

// RoundtableRequest configures one roundtable.
type RoundtableRequest struct {
	Topic        string        `json:"topic"`
	Participants []Participant `json:"participants"`
	Rounds       int           `json:"rounds,omitempty"`
	Synthesis    SynthesisMode `json:"synthesis,omitempty"`

	// TargetSessionID writes turns into an existing chat session (the /rt
	// slash command). Empty means a fresh roundtable session is created.
	TargetSessionID string `json:"-"`

	Policy TurnPolicy `json:"-"`
}

// RoundtableResult is the transcript plus the synthesis.
type RoundtableResult struct {
	SessionID  string `json:"session_id"`
	Turns      []Turn `json:"turns"`
	Synthesis  string `json:"synthesis"`
	TokensUsed int64  `json:"tokens_used"`
	DurationMS int64  `json:"duration_ms"`
}

// Orchestrator runs roundtables and swarms over the agent pool.
type Orchestrator struct {
	pool      *agentpool.Pool
	sessions  *services.SessionService
	completer Completer
	logger    *slog.Logger

	agentTimeout   time.Duration
	sessionTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAgentTimeout overrides the per-turn deadline.
func WithAgentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.agentTimeout = d }
}

// WithSessionTimeout overrides the whole-roundtable deadline.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.sessionTimeout = d }
}

// New creates an orchestrator.
func New(pool *agentpool.Pool, sessions *services.SessionService, completer Completer, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:           pool,
		sessions:       sessions,
		completer:      completer,
		logger:         logger.With("component", "orchestrator"),
		agentTimeout:   defaultAgentTimeout,
		sessionTimeout: defaultSessionTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Roundtable runs sequential turns over the participants for the configured
// number of rounds, then a synthesis pass. A failed or timed-out turn is
// recorded and the table moves on.
func (o *Orchestrator) Roundtable(ctx context.Context, req RoundtableRequest) (*RoundtableResult, error) {
	if req.Topic == "" {
		return nil, services.NewValidationError("topic", "required")
	}
	if len(req.Participants) == 0 {
		return nil, services.NewValidationError("participants", "at least one required")
	}
	rounds := req.Rounds
	if rounds <= 0 {
		rounds = 1
	}
	policy := req.Policy
	if policy == nil {
		policy = SequentialPolicy{}
	}
	mode := req.Synthesis
	if mode == "" {
		mode = SynthesisAnalysis
	}

	ctx, cancel := context.WithTimeout(ctx, o.sessionTimeout)
	defer cancel()

	started := time.Now()

	participants := make([]Participant, len(req.Participants))
	copy(participants, req.Participants)
	agentIDs := make([]any, 0, len(participants))
	for i := range participants {
		agent, err := o.pool.Spawn(ctx, agentpool.SpawnRequest{
			Name:         participants[i].Name,
			Role:         participants[i].Role,
			Instructions: participants[i].Instructions,
			Model:        participants[i].Model,
		})
		if err != nil {
			o.teardown(participants[:i])
			return nil, fmt.Errorf("failed to seat %s: %w", participants[i].Name, err)
		}
		participants[i].agentID = agent.ID
		agentIDs = append(agentIDs, agent.ID)
	}

	sessionID := req.TargetSessionID
	if sessionID == "" {
		sess, err := o.sessions.CreateSession(ctx, services.CreateSessionRequest{
			Type:  models.SessionTypeRoundtable,
			Title: services.QuickTitle(req.Topic),
			Metadata: map[string]any{
				"topic":        req.Topic,
				"participants": agentIDs,
			},
		})
		if err != nil {
			o.teardown(participants)
			return nil, err
		}
		sessionID = sess.ID
	}

	result := &RoundtableResult{SessionID: sessionID}
	for round := 1; round <= rounds; round++ {
		for _, p := range policy.Order(round, participants) {
			turn := o.takeTurn(ctx, sessionID, round, p, req.Topic, result.Turns)
			result.Turns = append(result.Turns, turn)
			result.TokensUsed += turn.Tokens
			if ctx.Err() != nil {
				o.logger.Warn("roundtable deadline reached", "session_id", sessionID, "round", round)
				round = rounds
				break
			}
		}
	}

	result.Synthesis = o.synthesize(ctx, sessionID, mode, req.Topic, result)
	result.DurationMS = time.Since(started).Milliseconds()

	// Seats are transient in both paths; the discussion lives in the session
	// rows, and the archive cascade cleans up any seat a crash left behind.
	o.teardown(participants)
	return result, nil
}

// takeTurn asks one participant for its contribution given the transcript so
// far and records it in the session.
func (o *Orchestrator) takeTurn(ctx context.Context, sessionID string, round int, p Participant, topic string, transcript []Turn) Turn {
	turn := Turn{Round: round, Agent: p.Name, Model: p.Model}

	tctx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	defer cancel()

	system := fmt.Sprintf(
		"You are %s (%s) in a roundtable discussion. Respond with your contribution only.", p.Name, p.Role)
	if p.Instructions != "" {
		system += "\n" + p.Instructions
	}

	resp, err := o.completer.Complete(tctx, llm.CompletionRequest{
		Model:     p.Model,
		SessionID: sessionID,
		Messages: []llm.Message{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: formatTranscript(topic, transcript)},
		},
	})
	if err != nil {
		turn.Err = err.Error()
		o.logger.Warn("turn failed", "session_id", sessionID, "agent", p.Name, "error", err)
		return turn
	}

	turn.Content = resp.Content
	turn.Model = resp.Model
	turn.Tokens = resp.Usage.Total()

	if _, err := o.sessions.AppendMessage(ctx, services.AppendMessageRequest{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   fmt.Sprintf("[%s] %s", p.Name, resp.Content),
		AgentID:   p.agentID,
		Model:     resp.Model,
		Tokens:    turn.Tokens,
	}); err != nil {
		o.logger.Warn("turn append failed", "session_id", sessionID, "agent", p.Name, "error", err)
	}
	if err := o.sessions.AccumulateTokens(ctx, sessionID, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
		o.logger.Warn("token accumulation failed", "session_id", sessionID, "error", err)
	}
	return turn
}

func (o *Orchestrator) synthesize(ctx context.Context, sessionID string, mode SynthesisMode, topic string, result *RoundtableResult) string {
	var prompt string
	switch mode {
	case SynthesisNarrative:
		prompt = "Retell the discussion below as a short narrative summary."
	default:
		prompt = "Analyze the discussion below: state the consensus, the points of dissent, and open questions."
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.agentTimeout)
	defer cancel()

	resp, err := o.completer.Complete(sctx, llm.CompletionRequest{
		SessionID: sessionID,
		Messages: []llm.Message{
			{Role: models.RoleUser, Content: prompt + "\n\n" + formatTranscript(topic, result.Turns)},
		},
	})
	if err != nil {
		o.logger.Warn("synthesis failed", "session_id", sessionID, "error", err)
		return ""
	}

	if _, err := o.sessions.AppendMessage(ctx, services.AppendMessageRequest{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   "[synthesis] " + resp.Content,
		Model:     resp.Model,
		Tokens:    resp.Usage.Total(),
	}); err != nil {
		o.logger.Warn("synthesis append failed", "session_id", sessionID, "error", err)
	}
	result.TokensUsed += resp.Usage.Total()
	return resp.Content
}

func (o *Orchestrator) teardown(participants []Participant) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range participants {
		if p.agentID == "" {
			continue
		}
		if err := o.pool.Terminate(ctx, p.agentID, false); err != nil {
			o.logger.Warn("participant teardown failed", "agent_id", p.agentID, "error", err)
		}
	}
}

func formatTranscript(topic string, turns []Turn) string {
	var b strings.Builder
	b.WriteString("Topic: " + topic + "\n")
	if len(turns) == 0 {
		b.WriteString("\nYou speak first.")
		return b.String()
	}
	b.WriteString("\nDiscussion so far:\n")
	for _, t := range turns {
		if t.Err != "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Agent, t.Content)
	}
	return b.String()
}

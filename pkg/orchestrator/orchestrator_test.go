package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/store"
	"github.com/aria-platform/aria/pkg/store/memory"
)

// scriptedCompleter answers based on the system prompt's agent name so each
// participant gets a distinct voice.
type scriptedCompleter struct {
	mu      sync.Mutex
	calls   int
	answers map[string]string
	fail    map[string]bool
}

func (c *scriptedCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	speaker := "synthesis"
	for name := range c.answers {
		for _, m := range req.Messages {
			if m.Role == models.RoleSystem && strings.Contains(m.Content, "You are "+name) {
				speaker = name
			}
		}
	}
	if c.fail[speaker] {
		return nil, fmt.Errorf("%s unavailable", speaker)
	}
	content, ok := c.answers[speaker]
	if !ok {
		content = "summary of the table"
	}
	return &llm.CompletionResponse{Model: "local-a", Content: content,
		Usage: models.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

type openResolver struct{}

func (openResolver) Lookup(id string) (*models.Model, bool) {
	return &models.Model{ID: id, Tier: models.TierLocal}, true
}

func newTestOrchestrator(t *testing.T, completer Completer) (*Orchestrator, *store.Stores, *services.SessionService) {
	t.Helper()
	stores := memory.NewStores()
	sessions := services.NewSessionService(stores, nil, 15*time.Minute, slog.Default())
	pool := agentpool.NewPool(stores.Agents, sessions,
		completerAdapter{completer}, openResolver{}, slog.Default(),
		agentpool.WithPollInterval(5*time.Millisecond))
	return New(pool, sessions, completer, slog.Default()), stores, sessions
}

type completerAdapter struct{ c Completer }

func (a completerAdapter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return a.c.Complete(ctx, req)
}

func TestOrchestrator_Roundtable(t *testing.T) {
	ctx := context.Background()

	t.Run("sequential turns accumulate transcript and synthesize", func(t *testing.T) {
		completer := &scriptedCompleter{answers: map[string]string{
			"alice": "I think we should ship",
			"bob":   "I disagree, we need tests",
		}}
		o, stores, _ := newTestOrchestrator(t, completer)

		res, err := o.Roundtable(ctx, RoundtableRequest{
			Topic: "release readiness",
			Participants: []Participant{
				{Name: "alice", Role: "pm"},
				{Name: "bob", Role: "qa"},
			},
			Rounds: 2,
		})
		require.NoError(t, err)
		require.Len(t, res.Turns, 4)
		assert.Equal(t, []string{"alice", "bob", "alice", "bob"},
			[]string{res.Turns[0].Agent, res.Turns[1].Agent, res.Turns[2].Agent, res.Turns[3].Agent})
		assert.Equal(t, 1, res.Turns[0].Round)
		assert.Equal(t, 2, res.Turns[3].Round)
		assert.Equal(t, "summary of the table", res.Synthesis)
		assert.Equal(t, int64(4*15), res.TokensUsed-15)

		sess, err := stores.Sessions.Get(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionTypeRoundtable, sess.Type)
		// 4 turns + 1 synthesis message.
		assert.Equal(t, 5, sess.MessageCount)
	})

	t.Run("seats are torn down after synthesis", func(t *testing.T) {
		completer := &scriptedCompleter{answers: map[string]string{
			"alice": "done", "bob": "also done",
		}}
		o, stores, _ := newTestOrchestrator(t, completer)

		_, err := o.Roundtable(ctx, RoundtableRequest{
			Topic:        "cleanup",
			Participants: []Participant{{Name: "alice", Role: "pm"}, {Name: "bob", Role: "qa"}},
		})
		require.NoError(t, err)

		agents, err := stores.Agents.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, agents)
	})

	t.Run("failed turn is recorded and the table continues", func(t *testing.T) {
		completer := &scriptedCompleter{
			answers: map[string]string{"alice": "fine", "bob": "fine too"},
			fail:    map[string]bool{"alice": true},
		}
		o, _, _ := newTestOrchestrator(t, completer)

		res, err := o.Roundtable(ctx, RoundtableRequest{
			Topic:        "quorum",
			Participants: []Participant{{Name: "alice", Role: "pm"}, {Name: "bob", Role: "qa"}},
		})
		require.NoError(t, err)
		require.Len(t, res.Turns, 2)
		assert.NotEmpty(t, res.Turns[0].Err)
		assert.Equal(t, "fine too", res.Turns[1].Content)
	})

	t.Run("initiative policy reorders turns", func(t *testing.T) {
		completer := &scriptedCompleter{answers: map[string]string{"alice": "a", "bob": "b"}}
		o, _, _ := newTestOrchestrator(t, completer)

		res, err := o.Roundtable(ctx, RoundtableRequest{
			Topic:        "combat",
			Participants: []Participant{{Name: "alice", Role: "rogue"}, {Name: "bob", Role: "fighter"}},
			Policy:       InitiativePolicy{Scores: map[string]int{"bob": 18, "alice": 12}},
		})
		require.NoError(t, err)
		require.Len(t, res.Turns, 2)
		assert.Equal(t, "bob", res.Turns[0].Agent)
		assert.Equal(t, "alice", res.Turns[1].Agent)
	})

	t.Run("mini roundtable writes into the target session", func(t *testing.T) {
		completer := &scriptedCompleter{answers: map[string]string{"alice": "inline take"}}
		o, stores, sessions := newTestOrchestrator(t, completer)

		chat, err := sessions.CreateSession(ctx, services.CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		res, err := o.Roundtable(ctx, RoundtableRequest{
			Topic:           "inline question",
			Participants:    []Participant{{Name: "alice", Role: "pm"}},
			TargetSessionID: chat.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, chat.ID, res.SessionID)

		msgs, err := stores.Sessions.Messages(ctx, chat.ID, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, msgs)

		// Throwaway seats are torn down.
		agents, err := stores.Agents.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, agents)
	})

	t.Run("validates input", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, &scriptedCompleter{})
		_, err := o.Roundtable(ctx, RoundtableRequest{Participants: []Participant{{Name: "a"}}})
		assert.True(t, services.IsValidationError(err))
		_, err = o.Roundtable(ctx, RoundtableRequest{Topic: "t"})
		assert.True(t, services.IsValidationError(err))
	})
}

func TestOrchestrator_Swarm(t *testing.T) {
	ctx := context.Background()

	t.Run("parallel workers merge sorted by name", func(t *testing.T) {
		completer := &scriptedCompleter{answers: map[string]string{}}
		o, stores, _ := newTestOrchestrator(t, completer)

		res, err := o.Swarm(ctx, SwarmRequest{
			Task: "survey the landscape",
			Workers: []WorkerSpec{
				{Name: "zeta", Role: "scout"},
				{Name: "alpha", Role: "scout"},
			},
			Timeout: 2 * time.Second,
		})
		require.NoError(t, err)
		require.Len(t, res.Workers, 2)
		assert.Equal(t, "alpha", res.Workers[0].Name)
		assert.Equal(t, "zeta", res.Workers[1].Name)
		assert.Equal(t, models.DelegationCompleted, res.Workers[0].Status)
		assert.Contains(t, res.Merged, "## alpha")
		assert.Positive(t, res.TokensUsed)

		require.NotEmpty(t, res.SessionID)
		sess, err := stores.Sessions.Get(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionTypeSwarm, sess.Type)
		assert.NotNil(t, sess.Metadata["workers"])
	})

	t.Run("requires workers", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, &scriptedCompleter{})
		_, err := o.Swarm(ctx, SwarmRequest{Task: "t"})
		assert.True(t, services.IsValidationError(err))
	})
}

package chat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/orchestrator"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/store"
	"github.com/aria-platform/aria/pkg/store/memory"
)

type fakeGateway struct {
	content   string
	chunks    []string
	err       error
	streamErr error
	lastReq   llm.CompletionRequest
}

func (g *fakeGateway) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	return &llm.CompletionResponse{Model: "local-a", Content: g.content,
		Usage: models.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (g *fakeGateway) CompleteStream(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, *models.Model, error) {
	g.lastReq = req
	if g.err != nil {
		return nil, nil, g.err
	}
	ch := make(chan llm.StreamChunk, len(g.chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range g.chunks {
			ch <- llm.StreamChunk{Content: c}
		}
		if g.streamErr != nil {
			ch <- llm.StreamChunk{Err: g.streamErr}
			return
		}
		ch <- llm.StreamChunk{Done: true, Usage: &models.TokenUsage{InputTokens: 10, OutputTokens: 5}}
	}()
	return ch, &models.Model{ID: "local-a", Tier: models.TierLocal}, nil
}

type openResolver struct{}

func (openResolver) Lookup(id string) (*models.Model, bool) {
	return &models.Model{ID: id, Tier: models.TierLocal}, true
}

func newTestEngine(t *testing.T, gw *fakeGateway) (*Engine, *store.Stores, *services.SessionService) {
	t.Helper()
	stores := memory.NewStores()
	sessions := services.NewSessionService(stores, nil, 15*time.Minute, slog.Default())
	pool := agentpool.NewPool(stores.Agents, sessions, gw, openResolver{},
		slog.Default(), agentpool.WithPollInterval(5*time.Millisecond))
	tabler := orchestrator.New(pool, sessions, gw, slog.Default())
	return NewEngine(sessions, gw, tabler, stores.Agents, slog.Default()), stores, sessions
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("stream did not settle")
		}
	}
}

func TestEngine_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("first message creates the session lazily", func(t *testing.T) {
		gw := &fakeGateway{content: "hi there"}
		e, stores, _ := newTestEngine(t, gw)

		reply, err := e.Send(ctx, Request{Content: "hello world"})
		require.NoError(t, err)
		require.NotEmpty(t, reply.SessionID)
		assert.Equal(t, "hi there", reply.Content)
		assert.Equal(t, "local-a", reply.Model)

		sess, err := stores.Sessions.Get(ctx, reply.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionTypeChat, sess.Type)
		assert.Equal(t, 2, sess.MessageCount)
		assert.Equal(t, "hello world", sess.Title)
		assert.Equal(t, int64(10), sess.InputTokens)
		assert.Equal(t, int64(5), sess.OutputTokens)
	})

	t.Run("follow-up replays the transcript", func(t *testing.T) {
		gw := &fakeGateway{content: "answer"}
		e, _, _ := newTestEngine(t, gw)

		first, err := e.Send(ctx, Request{Content: "question one"})
		require.NoError(t, err)
		_, err = e.Send(ctx, Request{SessionID: first.SessionID, Content: "question two"})
		require.NoError(t, err)

		require.Len(t, gw.lastReq.Messages, 3)
		assert.Equal(t, models.RoleUser, gw.lastReq.Messages[0].Role)
		assert.Equal(t, "question one", gw.lastReq.Messages[0].Content)
		assert.Equal(t, models.RoleAssistant, gw.lastReq.Messages[1].Role)
		assert.Equal(t, "question two", gw.lastReq.Messages[2].Content)
	})

	t.Run("unknown session", func(t *testing.T) {
		e, _, _ := newTestEngine(t, &fakeGateway{content: "x"})
		_, err := e.Send(ctx, Request{SessionID: "missing", Content: "hello"})
		assert.ErrorIs(t, err, services.ErrNotFound)
	})

	t.Run("empty content", func(t *testing.T) {
		e, stores, _ := newTestEngine(t, &fakeGateway{})
		_, err := e.Send(ctx, Request{})
		assert.True(t, services.IsValidationError(err))

		sessions, _, err := stores.Sessions.List(ctx, store.SessionFilter{})
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}

func TestEngine_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("chunks then done, assistant persisted", func(t *testing.T) {
		gw := &fakeGateway{chunks: []string{"par", "tial", " reply"}}
		e, stores, _ := newTestEngine(t, gw)

		events, err := e.Stream(ctx, Request{Content: "stream me"})
		require.NoError(t, err)
		got := collect(t, events)

		require.Len(t, got, 4)
		assert.Equal(t, "par", got[0].Content)
		assert.True(t, got[3].Done)
		require.NotNil(t, got[3].Usage)

		sessionID := got[0].SessionID
		require.Eventually(t, func() bool {
			msgs, err := stores.Sessions.Messages(ctx, sessionID, 0)
			return err == nil && len(msgs) == 2
		}, time.Second, 10*time.Millisecond)

		msgs, err := stores.Sessions.Messages(ctx, sessionID, 0)
		require.NoError(t, err)
		assert.Equal(t, "partial reply", msgs[1].Content)
		assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	})

	t.Run("mid-stream failure surfaces as an error event", func(t *testing.T) {
		gw := &fakeGateway{chunks: []string{"half"}, streamErr: llm.ErrLLMTimeout}
		e, _, _ := newTestEngine(t, gw)

		events, err := e.Stream(ctx, Request{Content: "stream me"})
		require.NoError(t, err)
		got := collect(t, events)

		require.NotEmpty(t, got)
		last := got[len(got)-1]
		assert.ErrorIs(t, last.Err, llm.ErrLLMTimeout)
		assert.False(t, last.Done)
	})

	t.Run("connect failure is returned directly", func(t *testing.T) {
		gw := &fakeGateway{err: llm.ErrNoModelAvailable}
		e, _, _ := newTestEngine(t, gw)
		_, err := e.Stream(ctx, Request{Content: "stream me"})
		assert.ErrorIs(t, err, llm.ErrNoModelAvailable)
	})
}

func TestEngine_SlashCommands(t *testing.T) {
	ctx := context.Background()

	seatAgent := func(t *testing.T, e *Engine, stores *store.Stores, sessions *services.SessionService, name string) {
		t.Helper()
		pool := agentpool.NewPool(stores.Agents, sessions, &fakeGateway{content: "seated"},
			openResolver{}, slog.Default())
		_, err := pool.Spawn(ctx, agentpool.SpawnRequest{Name: name, Role: "analyst"})
		require.NoError(t, err)
	}

	t.Run("rt runs a mini roundtable inside the session", func(t *testing.T) {
		gw := &fakeGateway{content: "table take"}
		e, stores, sessions := newTestEngine(t, gw)
		seatAgent(t, e, stores, sessions, "alice")

		first, err := e.Send(ctx, Request{Content: "warmup"})
		require.NoError(t, err)

		events, err := e.Stream(ctx, Request{SessionID: first.SessionID, Content: "/rt @alice should we ship"})
		require.NoError(t, err)
		got := collect(t, events)

		require.Len(t, got, 2)
		assert.Equal(t, "table take", got[0].Content)
		assert.True(t, got[1].Done)

		// Turns landed in the chat session, not a new roundtable session.
		msgs, err := stores.Sessions.Messages(ctx, first.SessionID, 0)
		require.NoError(t, err)
		found := false
		for _, m := range msgs {
			if m.Role == models.RoleAssistant && m.Content == "[alice] table take" {
				found = true
			}
		}
		assert.True(t, found)

		list, _, err := stores.Sessions.List(ctx, store.SessionFilter{Type: models.SessionTypeRoundtable})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("unknown alias yields an error event and no roundtable", func(t *testing.T) {
		gw := &fakeGateway{content: "x"}
		e, stores, sessions := newTestEngine(t, gw)
		seatAgent(t, e, stores, sessions, "alice")

		first, err := e.Send(ctx, Request{Content: "warmup"})
		require.NoError(t, err)

		events, err := e.Stream(ctx, Request{SessionID: first.SessionID, Content: "/rt @ghost topic"})
		require.NoError(t, err)
		got := collect(t, events)

		require.Len(t, got, 1)
		require.Error(t, got[0].Err)
		assert.True(t, services.IsValidationError(got[0].Err))
		assert.Contains(t, got[0].Err.Error(), "@ghost")

		list, _, err := stores.Sessions.List(ctx, store.SessionFilter{Type: models.SessionTypeRoundtable})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("unknown command", func(t *testing.T) {
		e, _, _ := newTestEngine(t, &fakeGateway{})
		_, err := e.Send(ctx, Request{Content: "/fly away"})
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		assert.Contains(t, err.Error(), "/fly")
	})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *command
		isCmd   bool
	}{
		{"plain prose", "hello world", nil, false},
		{"slash mid-message", "use the /rt command", nil, false},
		{"rt with mentions", "/rt @alice @bob release plan",
			&command{Name: "rt", Mentions: []string{"alice", "bob"}, Topic: "release plan"}, true},
		{"mention after topic stays topic", "/rt @alice ping @bob directly",
			&command{Name: "rt", Mentions: []string{"alice"}, Topic: "ping @bob directly"}, true},
		{"bare command", "/help", &command{Name: "help"}, true},
		{"leading whitespace", "  /rt @a t", &command{Name: "rt", Mentions: []string{"a"}, Topic: "t"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseCommand(tt.content)
			require.Equal(t, tt.isCmd, ok)
			if tt.isCmd {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

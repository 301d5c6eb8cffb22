package services

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
	"github.com/aria-platform/aria/pkg/store/memory"
)

type stubTitler struct {
	title string
	err   error
	calls int
}

func (s *stubTitler) GenerateTitle(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.title, s.err
}

func newTestSessionService(t *testing.T, titler TitleGenerator) (*SessionService, *store.Stores) {
	t.Helper()
	stores := memory.NewStores()
	svc := NewSessionService(stores, titler, 15*time.Minute, slog.Default())
	return svc, stores
}

func TestSessionService_CreateSession(t *testing.T) {
	svc, _ := newTestSessionService(t, nil)
	ctx := context.Background()

	t.Run("creates active session", func(t *testing.T) {
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)
		assert.Equal(t, models.SessionTypeChat, sess.Type)
		assert.Equal(t, models.SessionStatusActive, sess.Status)
		assert.Zero(t, sess.MessageCount)
	})

	t.Run("validates type", func(t *testing.T) {
		_, err := svc.CreateSession(ctx, CreateSessionRequest{})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		_, err = svc.CreateSession(ctx, CreateSessionRequest{Type: "bogus"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestSessionService_AppendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns increasing sequence and bumps count", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			msg, err := svc.AppendMessage(ctx, AppendMessageRequest{
				SessionID: sess.ID,
				Role:      models.RoleUser,
				Content:   fmt.Sprintf("message %d", i),
			})
			require.NoError(t, err)
			assert.Equal(t, i, msg.Sequence)
		}

		got, err := svc.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.MessageCount)
	})

	t.Run("first user message sets quick title", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID,
			Role:      models.RoleUser,
			Content:   "hello",
		})
		require.NoError(t, err)

		got, err := svc.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Title)
	})

	t.Run("slow title overwrites quick title", func(t *testing.T) {
		titler := &stubTitler{title: "Greeting exchange"}
		svc, _ := newTestSessionService(t, titler)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID,
			Role:      models.RoleUser,
			Content:   "hello there how are you doing",
		})
		require.NoError(t, err)
		svc.Wait()

		got, err := svc.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "Greeting exchange", got.Title)
		assert.Equal(t, 1, titler.calls)
	})

	t.Run("slow title failure keeps quick title", func(t *testing.T) {
		titler := &stubTitler{err: fmt.Errorf("model unavailable")}
		svc, _ := newTestSessionService(t, titler)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID,
			Role:      models.RoleUser,
			Content:   "hello",
		})
		require.NoError(t, err)
		svc.Wait()

		got, err := svc.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Title)
	})

	t.Run("slash command opener skips slow title", func(t *testing.T) {
		titler := &stubTitler{title: "should not appear"}
		svc, _ := newTestSessionService(t, titler)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID,
			Role:      models.RoleUser,
			Content:   "/rt @alice @bob plan the release",
		})
		require.NoError(t, err)
		svc.Wait()

		got, err := svc.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, titler.calls)
		assert.Equal(t, "/rt @alice @bob plan the release", got.Title)
	})

	t.Run("archived session rejects appends", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID, Role: models.RoleUser, Content: "hi",
		})
		require.NoError(t, err)

		existed, err := svc.ArchiveSession(ctx, sess.ID)
		require.NoError(t, err)
		require.True(t, existed)

		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID, Role: models.RoleUser, Content: "too late",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("validates input", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		tests := []struct {
			name string
			req  AppendMessageRequest
		}{
			{"missing session_id", AppendMessageRequest{Role: models.RoleUser, Content: "x"}},
			{"missing content", AppendMessageRequest{SessionID: "sid", Role: models.RoleUser}},
			{"bad role", AppendMessageRequest{SessionID: "sid", Role: "narrator", Content: "x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.AppendMessage(ctx, tt.req)
				assert.True(t, IsValidationError(err))
			})
		}
	})
}

func TestQuickTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short message verbatim", "hello", "hello"},
		{"exactly eight words", "one two three four five six seven eight", "one two three four five six seven eight"},
		{"truncated with ellipsis", "one two three four five six seven eight nine", "one two three four five six seven eight..."},
		{"collapses whitespace", "  hello\n  world  ", "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QuickTitle(tt.content))
		})
	}
}

func TestSessionService_Archive(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip moves session to archive", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)
		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID, Role: models.RoleUser, Content: "keep me",
		})
		require.NoError(t, err)

		existed, err := svc.ArchiveSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, existed)

		_, err = svc.GetSession(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		archived, err := svc.GetArchived(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, archived.ArchivedAt.IsZero())
		assert.Equal(t, models.SessionStatusArchived, archived.Status)

		list, err := svc.ListSessions(ctx, store.SessionFilter{})
		require.NoError(t, err)
		assert.Empty(t, list.Sessions)
	})

	t.Run("second archive is a no-op returning false", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)

		existed, err := svc.ArchiveSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = svc.ArchiveSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("roundtable archive cascades to participant sessions", func(t *testing.T) {
		svc, stores := newTestSessionService(t, nil)

		childSess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeInternal})
		require.NoError(t, err)
		agent := &models.Agent{
			Name:      "alice",
			Role:      "analyst",
			SessionID: childSess.ID,
			State:     models.AgentStateIdle,
		}
		require.NoError(t, stores.Agents.Create(ctx, agent))

		parent, err := svc.CreateSession(ctx, CreateSessionRequest{
			Type:     models.SessionTypeRoundtable,
			Metadata: map[string]any{"participants": []any{agent.ID}},
		})
		require.NoError(t, err)

		existed, err := svc.ArchiveSession(ctx, parent.ID)
		require.NoError(t, err)
		assert.True(t, existed)

		_, err = svc.GetSession(ctx, childSess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = svc.GetArchived(ctx, childSess.ID)
		assert.NoError(t, err)
	})
}

func TestSessionService_DeleteGhostSessions(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestSessionService(t, nil)

	old := time.Now().Add(-20 * time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, stores.Sessions.Create(ctx, &models.Session{
			Type:      models.SessionTypeChat,
			Status:    models.SessionStatusActive,
			CreatedAt: old,
		}))
	}
	fresh, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
	require.NoError(t, err)

	withMsg := &models.Session{Type: models.SessionTypeChat, Status: models.SessionStatusActive, CreatedAt: old}
	require.NoError(t, stores.Sessions.Create(ctx, withMsg))
	_, err = svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: withMsg.ID, Role: models.RoleUser, Content: "not a ghost",
	})
	require.NoError(t, err)

	deleted, err := svc.DeleteGhostSessions(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)

	deleted, err = svc.DeleteGhostSessions(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = svc.GetSession(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = svc.GetSession(ctx, withMsg.ID)
	assert.NoError(t, err)
}

func TestSessionService_PruneOldSessions(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestSessionService(t, nil)

	stale := &models.Session{
		Type:      models.SessionTypeChat,
		Status:    models.SessionStatusActive,
		CreatedAt: time.Now().AddDate(0, 0, -40),
	}
	require.NoError(t, stores.Sessions.Create(ctx, stale))

	recent, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
	require.NoError(t, err)

	t.Run("dry run only counts", func(t *testing.T) {
		res, err := svc.PruneOldSessions(ctx, 30, true)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Matched)
		assert.Zero(t, res.Archived)

		_, err = svc.GetSession(ctx, stale.ID)
		assert.NoError(t, err)
	})

	t.Run("live run archives stale sessions", func(t *testing.T) {
		res, err := svc.PruneOldSessions(ctx, 30, false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Archived)

		_, err = svc.GetSession(ctx, stale.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = svc.GetSession(ctx, recent.ID)
		assert.NoError(t, err)
	})

	t.Run("rejects non-positive days", func(t *testing.T) {
		_, err := svc.PruneOldSessions(ctx, 0, false)
		assert.True(t, IsValidationError(err))
	})
}

func TestSessionService_LockLifecycle(t *testing.T) {
	ctx := context.Background()

	lockCount := func(svc *SessionService) int {
		svc.appendMu.Lock()
		defer svc.appendMu.Unlock()
		return len(svc.locks)
	}

	t.Run("archive drops the append lock entry", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)
		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID, Role: models.RoleUser, Content: "hi",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, lockCount(svc))

		archived, err := svc.ArchiveSession(ctx, sess.ID)
		require.NoError(t, err)
		require.True(t, archived)
		assert.Zero(t, lockCount(svc))
	})

	t.Run("delete drops the append lock entry", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		sess, err := svc.CreateSession(ctx, CreateSessionRequest{Type: models.SessionTypeChat})
		require.NoError(t, err)
		_, err = svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: sess.ID, Role: models.RoleUser, Content: "hi",
		})
		require.NoError(t, err)

		require.NoError(t, svc.DeleteSession(ctx, sess.ID))
		assert.Zero(t, lockCount(svc))
	})

	t.Run("append to a missing session leaves no entry", func(t *testing.T) {
		svc, _ := newTestSessionService(t, nil)
		_, err := svc.AppendMessage(ctx, AppendMessageRequest{
			SessionID: "no-such-session", Role: models.RoleUser, Content: "hi",
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, lockCount(svc))
	})
}

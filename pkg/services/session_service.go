package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

const (
	// quickTitleWords is how many leading words of the first user message
	// become the synchronous placeholder title.
	quickTitleWords = 8

	// slowTitleBudget bounds the asynchronous LLM title generation. On
	// timeout or failure the quick title stays.
	slowTitleBudget = 5 * time.Second

	// criticalWriteTimeout bounds archive and prune writes so they survive
	// caller cancellation.
	criticalWriteTimeout = 10 * time.Second
)

// TitleGenerator produces a concise session title from the opening message.
// The LLM gateway satisfies this.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

// SessionService manages the session and message lifecycle: lazy creation,
// ordered appends, title generation, archival and ghost pruning.
type SessionService struct {
	sessions store.SessionStore
	archive  store.ArchiveStore
	agents   store.AgentStore
	titler   TitleGenerator
	ghostTTL time.Duration
	logger   *slog.Logger

	// appendMu serializes appends per session so sequence assignment and the
	// first-message title path cannot interleave.
	appendMu sync.Mutex
	locks    map[string]*sync.Mutex

	// titleWG tracks in-flight slow-title tasks for shutdown.
	titleWG sync.WaitGroup
}

// NewSessionService creates a new SessionService. titler may be nil, in which
// case slow titles are disabled and the quick title is final.
func NewSessionService(stores *store.Stores, titler TitleGenerator, ghostTTL time.Duration, logger *slog.Logger) *SessionService {
	return &SessionService{
		sessions: stores.Sessions,
		archive:  stores.Archive,
		agents:   stores.Agents,
		titler:   titler,
		ghostTTL: ghostTTL,
		logger:   logger.With("component", "session_service"),
		locks:    map[string]*sync.Mutex{},
	}
}

// CreateSessionRequest carries the fields for explicit session creation.
type CreateSessionRequest struct {
	Type     models.SessionType `json:"type"`
	AgentID  string             `json:"agent_id,omitempty"`
	Model    string             `json:"model,omitempty"`
	Title    string             `json:"title,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// CreateSession creates a session row. Chat sessions are normally created
// lazily through AppendMessage; this is the explicit path used by the agent
// pool and the orchestrator.
func (s *SessionService) CreateSession(httpCtx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if req.Type == "" {
		return nil, NewValidationError("type", "required")
	}
	if err := req.Type.Validate(); err != nil {
		return nil, NewValidationError("type", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(httpCtx), criticalWriteTimeout)
	defer cancel()

	sess := &models.Session{
		Type:     req.Type,
		AgentID:  req.AgentID,
		Model:    req.Model,
		Title:    req.Title,
		Status:   models.SessionStatusActive,
		Metadata: req.Metadata,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("session created", "session_id", sess.ID, "type", sess.Type)
	return sess, nil
}

// GetSession retrieves an active session by ID.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// AppendMessageRequest carries one message append.
type AppendMessageRequest struct {
	SessionID string      `json:"session_id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	AgentID   string      `json:"agent_id,omitempty"`
	Model     string      `json:"model,omitempty"`
	Tokens    int64       `json:"tokens,omitempty"`
}

// AppendMessage appends one message to a session. The session must exist and
// be active; appends to archived or deleted sessions fail with ErrNotFound.
// The first user message triggers the quick title synchronously and the slow
// LLM title asynchronously.
func (s *SessionService) AppendMessage(httpCtx context.Context, req AppendMessageRequest) (*models.Message, error) {
	if req.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if req.Content == "" {
		return nil, NewValidationError("content", "required")
	}
	if err := req.Role.Validate(); err != nil {
		return nil, NewValidationError("role", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(httpCtx), criticalWriteTimeout)
	defer cancel()

	lock := s.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.sessions.Get(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		s.releaseLock(req.SessionID)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	firstUserMessage := sess.MessageCount == 0 && req.Role == models.RoleUser

	msg, err := s.sessions.AppendMessage(ctx, &models.Message{
		SessionID: req.SessionID,
		Role:      req.Role,
		Content:   req.Content,
		AgentID:   req.AgentID,
		Model:     req.Model,
		Tokens:    req.Tokens,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if firstUserMessage && sess.Title == "" {
		quick := QuickTitle(req.Content)
		if err := s.sessions.UpdateTitle(ctx, req.SessionID, quick); err != nil {
			s.logger.Warn("quick title update failed", "session_id", req.SessionID, "error", err)
		} else {
			s.spawnSlowTitle(req.SessionID, req.Content)
		}
	}

	return msg, nil
}

// QuickTitle derives the synchronous placeholder title: the first eight
// whitespace-separated words, with an ellipsis when truncated.
func QuickTitle(content string) string {
	words := strings.Fields(content)
	if len(words) <= quickTitleWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:quickTitleWords], " ") + "..."
}

// spawnSlowTitle fires the asynchronous LLM title task. Slash-command
// openers keep the quick title: there is no prose to summarize.
func (s *SessionService) spawnSlowTitle(sessionID, firstMessage string) {
	if s.titler == nil || strings.HasPrefix(strings.TrimSpace(firstMessage), "/") {
		return
	}

	s.titleWG.Add(1)
	go func() {
		defer s.titleWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), slowTitleBudget)
		defer cancel()

		title, err := s.titler.GenerateTitle(ctx, firstMessage)
		if err != nil {
			s.logger.Debug("slow title generation failed, keeping quick title",
				"session_id", sessionID, "error", err)
			return
		}
		title = strings.TrimSpace(title)
		if title == "" {
			return
		}
		if err := s.sessions.UpdateTitle(ctx, sessionID, title); err != nil {
			s.logger.Warn("slow title update failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Wait blocks until in-flight slow-title tasks finish. Called on shutdown.
func (s *SessionService) Wait() {
	s.titleWG.Wait()
}

// UpdateTitle overwrites the session title. Idempotent; the latest call wins.
func (s *SessionService) UpdateTitle(ctx context.Context, sessionID, title string) error {
	if sessionID == "" {
		return NewValidationError("session_id", "required")
	}
	if title == "" {
		return NewValidationError("title", "required")
	}
	err := s.sessions.UpdateTitle(ctx, sessionID, title)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// SessionListResult is one page of sessions plus the unpaged total.
type SessionListResult struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// ListSessions returns active sessions matching the filter, newest first by
// default. Archived sessions are only visible through ListArchived.
func (s *SessionService) ListSessions(ctx context.Context, f store.SessionFilter) (*SessionListResult, error) {
	if f.GhostsOnly && f.GhostCutoff.IsZero() {
		f.GhostCutoff = time.Now().Add(-s.ghostTTL)
	}
	sessions, total, err := s.sessions.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return &SessionListResult{Sessions: sessions, Total: total}, nil
}

// Messages returns the ordered messages of a session.
func (s *SessionService) Messages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.Messages(ctx, sessionID, limit)
}

// LastMessage returns the most recent message with the given role.
func (s *SessionService) LastMessage(ctx context.Context, sessionID string, role models.Role) (*models.Message, error) {
	msg, err := s.sessions.LastMessage(ctx, sessionID, role)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return msg, err
}

// AccumulateTokens adds token usage onto the session counters.
func (s *SessionService) AccumulateTokens(ctx context.Context, sessionID string, input, output int64) error {
	err := s.sessions.AccumulateTokens(ctx, sessionID, input, output)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ArchiveSession moves a session and its messages to the archive tables in
// one transaction and reports whether the active row existed. Archiving a
// roundtable session cascades to the child agent sessions recorded in its
// metadata.
func (s *SessionService) ArchiveSession(httpCtx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, NewValidationError("session_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(httpCtx), criticalWriteTimeout)
	defer cancel()

	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}

	archivedAt := time.Now()
	existed, err := s.sessions.Archive(ctx, sessionID, archivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to archive session: %w", err)
	}
	if !existed {
		return false, nil
	}

	s.releaseLock(sessionID)

	if sess.Type == models.SessionTypeRoundtable {
		s.archiveChildren(ctx, sess, archivedAt)
	}

	s.logger.Info("session archived", "session_id", sessionID, "type", sess.Type)
	return true, nil
}

// archiveChildren archives the agent sessions a roundtable spawned. Child
// agent IDs live under the "participants" metadata key. Failures are logged
// and skipped: the parent archive has already committed.
func (s *SessionService) archiveChildren(ctx context.Context, parent *models.Session, archivedAt time.Time) {
	raw, ok := parent.Metadata["participants"]
	if !ok {
		return
	}
	ids, ok := raw.([]any)
	if !ok {
		return
	}
	for _, v := range ids {
		agentID, ok := v.(string)
		if !ok {
			continue
		}
		agent, err := s.agents.Get(ctx, agentID)
		if err != nil {
			continue
		}
		if _, err := s.sessions.Archive(ctx, agent.SessionID, archivedAt); err != nil {
			s.logger.Warn("cascade archive failed",
				"parent_id", parent.ID, "agent_id", agentID, "error", err)
			continue
		}
		s.releaseLock(agent.SessionID)
	}
}

// DeleteGhostSessions removes sessions with zero messages created before
// now − olderThan. The delete re-checks the predicate row by row, so a
// session that just received its first message survives.
func (s *SessionService) DeleteGhostSessions(httpCtx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.ghostTTL
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(httpCtx), criticalWriteTimeout)
	defer cancel()

	deleted, err := s.sessions.DeleteGhosts(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete ghost sessions: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("ghost sessions pruned", "deleted", deleted, "older_than", olderThan)
	}
	return deleted, nil
}

// PruneResult reports one old-session prune run.
type PruneResult struct {
	Matched  int  `json:"matched"`
	Archived int  `json:"archived"`
	DryRun   bool `json:"dry_run"`
}

// PruneOldSessions archives sessions whose updated_at is older than the given
// number of days. With dryRun only the count is reported.
func (s *SessionService) PruneOldSessions(httpCtx context.Context, days int, dryRun bool) (*PruneResult, error) {
	if days <= 0 {
		return nil, NewValidationError("days", "must be positive")
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	stale, total, err := s.sessions.List(httpCtx, store.SessionFilter{
		UpdatedBefore: &cutoff,
		OrderBy:       "updated_at",
		Asc:           true,
		Limit:         10000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale sessions: %w", err)
	}

	result := &PruneResult{Matched: total, DryRun: dryRun}
	if dryRun {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(httpCtx), 2*criticalWriteTimeout)
	defer cancel()

	archivedAt := time.Now()
	for _, sess := range stale {
		existed, err := s.sessions.Archive(ctx, sess.ID, archivedAt)
		if err != nil {
			s.logger.Warn("prune archive failed", "session_id", sess.ID, "error", err)
			continue
		}
		if existed {
			result.Archived++
		}
	}

	s.logger.Info("old sessions pruned", "matched", result.Matched, "archived", result.Archived)
	return result, nil
}

// ArchivedListResult is one page of archived sessions plus the total.
type ArchivedListResult struct {
	Sessions []*models.ArchivedSession `json:"sessions"`
	Total    int                       `json:"total"`
}

// ListArchived returns archived sessions, most recently archived first.
func (s *SessionService) ListArchived(ctx context.Context, limit, offset int) (*ArchivedListResult, error) {
	sessions, total, err := s.archive.ListSessions(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived sessions: %w", err)
	}
	return &ArchivedListResult{Sessions: sessions, Total: total}, nil
}

// GetArchived retrieves one archived session.
func (s *SessionService) GetArchived(ctx context.Context, sessionID string) (*models.ArchivedSession, error) {
	sess, err := s.archive.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived session: %w", err)
	}
	return sess, nil
}

// DeleteSession removes an active session outright, bypassing the archive.
// Used by agent termination for empty working sessions.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.sessions.Delete(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err == nil {
		s.releaseLock(sessionID)
	}
	return err
}

func (s *SessionService) sessionLock(sessionID string) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// releaseLock drops the append lock entry once a session leaves the active
// set. A goroutine still holding the old mutex finishes its append against a
// now-missing row and gets ErrNotFound.
func (s *SessionService) releaseLock(sessionID string) {
	s.appendMu.Lock()
	delete(s.locks, sessionID)
	s.appendMu.Unlock()
}

// Package memory implements the store collection views in process memory.
// It backs unit tests and debug runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

// NewStores creates all collection views backed by process memory.
func NewStores() *store.Stores {
	db := &state{
		sessions:         make(map[string]*models.Session),
		messages:         make(map[string][]*models.Message),
		archivedSessions: make(map[string]*models.ArchivedSession),
		archivedMessages: make(map[string][]*models.ArchivedMessage),
		agents:           make(map[string]*models.Agent),
		cron:             make(map[string]*models.CronJob),
	}
	return &store.Stores{
		Sessions: &SessionStore{state: db},
		Archive:  &ArchiveStore{state: db},
		Agents:   &AgentStore{state: db},
		Cron:     &CronStore{state: db},
	}
}

type state struct {
	mu               sync.RWMutex
	sessions         map[string]*models.Session
	messages         map[string][]*models.Message
	archivedSessions map[string]*models.ArchivedSession
	archivedMessages map[string][]*models.ArchivedMessage
	agents           map[string]*models.Agent
	cron             map[string]*models.CronJob
}

// SessionStore is the in-memory session and message view.
type SessionStore struct {
	state *state
}

func (s *SessionStore) Create(_ context.Context, sess *models.Session) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.Must(uuid.NewV7()).String()
	}
	if _, exists := s.state.sessions[sess.ID]; exists {
		return store.ErrDuplicate
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = sess.CreatedAt
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}
	cp := *sess
	s.state.sessions[sess.ID] = &cp
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	sess, ok := s.state.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *SessionStore) List(_ context.Context, f store.SessionFilter) ([]*models.Session, int, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	var matched []*models.Session
	for _, sess := range s.state.sessions {
		if f.Type != "" && sess.Type != f.Type {
			continue
		}
		if f.AgentID != "" && sess.AgentID != f.AgentID {
			continue
		}
		if f.MinMessageCount > 0 && sess.MessageCount < f.MinMessageCount {
			continue
		}
		if f.GhostsOnly && !(sess.MessageCount == 0 && sess.CreatedAt.Before(f.GhostCutoff)) {
			continue
		}
		if f.UpdatedBefore != nil && !sess.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		cp := *sess
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		var ti, tj time.Time
		if f.OrderBy == "created_at" {
			ti, tj = matched[i].CreatedAt, matched[j].CreatedAt
		} else {
			ti, tj = matched[i].UpdatedAt, matched[j].UpdatedAt
		}
		if ti.Equal(tj) {
			// v7 ids are time-ordered; break timestamp ties on id so
			// pagination sees a stable order.
			if f.Asc {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].ID > matched[j].ID
		}
		if f.Asc {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})

	total := len(matched)
	offset := f.Offset
	if offset > total {
		offset = total
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *SessionStore) UpdateTitle(_ context.Context, id, title string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	sess, ok := s.state.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *SessionStore) AccumulateTokens(_ context.Context, id string, input, output int64) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	sess, ok := s.state.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.InputTokens += input
	sess.OutputTokens += output
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *SessionStore) AppendMessage(_ context.Context, m *models.Message) (*models.Message, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	sess, ok := s.state.sessions[m.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	msgs := s.state.messages[m.SessionID]
	m.Sequence = 1
	if n := len(msgs); n > 0 {
		m.Sequence = msgs[n-1].Sequence + 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	cp := *m
	s.state.messages[m.SessionID] = append(msgs, &cp)
	sess.MessageCount++
	sess.UpdatedAt = m.CreatedAt
	return m, nil
}

func (s *SessionStore) Messages(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	msgs := s.state.messages[sessionID]
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *SessionStore) LastMessage(_ context.Context, sessionID string, role models.Role) (*models.Message, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	msgs := s.state.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			cp := *msgs[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *SessionStore) DeleteMessage(_ context.Context, sessionID, messageID string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	msgs := s.state.messages[sessionID]
	for i, m := range msgs {
		if m.ID == messageID {
			s.state.messages[sessionID] = append(msgs[:i], msgs[i+1:]...)
			if sess, ok := s.state.sessions[sessionID]; ok {
				sess.MessageCount--
				sess.UpdatedAt = time.Now()
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *SessionStore) Archive(_ context.Context, id string, archivedAt time.Time) (bool, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	sess, ok := s.state.sessions[id]
	if !ok {
		return false, nil
	}

	if _, dup := s.state.archivedSessions[id]; !dup {
		cp := *sess
		cp.Status = models.SessionStatusArchived
		s.state.archivedSessions[id] = &models.ArchivedSession{Session: cp, ArchivedAt: archivedAt}

		for _, m := range s.state.messages[id] {
			mc := *m
			s.state.archivedMessages[id] = append(s.state.archivedMessages[id],
				&models.ArchivedMessage{Message: mc, ArchivedAt: archivedAt})
		}
	}

	delete(s.state.sessions, id)
	delete(s.state.messages, id)
	return true, nil
}

func (s *SessionStore) DeleteGhosts(_ context.Context, cutoff time.Time) (int, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	count := 0
	for id, sess := range s.state.sessions {
		if sess.MessageCount == 0 && sess.CreatedAt.Before(cutoff) {
			delete(s.state.sessions, id)
			delete(s.state.messages, id)
			count++
		}
	}
	return count, nil
}

func (s *SessionStore) Delete(_ context.Context, id string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.state.sessions, id)
	delete(s.state.messages, id)
	return nil
}

// ArchiveStore is the in-memory archive view.
type ArchiveStore struct {
	state *state
}

func (s *ArchiveStore) ListSessions(_ context.Context, limit, offset int) ([]*models.ArchivedSession, int, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	var all []*models.ArchivedSession
	for _, sess := range s.state.archivedSessions {
		cp := *sess
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ArchivedAt.After(all[j].ArchivedAt)
	})

	total := len(all)
	if offset > total {
		offset = total
	}
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *ArchiveStore) GetSession(_ context.Context, id string) (*models.ArchivedSession, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	sess, ok := s.state.archivedSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// AgentStore is the in-memory agents view.
type AgentStore struct {
	state *state
}

func (s *AgentStore) Create(_ context.Context, a *models.Agent) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.State == "" {
		a.State = models.AgentStateSpawning
	}
	cp := *a
	s.state.agents[a.ID] = &cp
	return nil
}

func (s *AgentStore) Get(_ context.Context, id string) (*models.Agent, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	a, ok := s.state.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *AgentStore) List(_ context.Context) ([]*models.Agent, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	out := make([]*models.Agent, 0, len(s.state.agents))
	for _, a := range s.state.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *AgentStore) UpdateState(_ context.Context, id string, st models.AgentState) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	a, ok := s.state.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.State = st
	a.UpdatedAt = time.Now()
	return nil
}

func (s *AgentStore) Delete(_ context.Context, id string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.agents[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.state.agents, id)
	return nil
}

// CronStore is the in-memory cron job view.
type CronStore struct {
	state *state
}

func (s *CronStore) Upsert(_ context.Context, j *models.CronJob) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	now := time.Now()
	for _, existing := range s.state.cron {
		if existing.Name == j.Name {
			j.ID = existing.ID
			j.CreatedAt = existing.CreatedAt
			j.UpdatedAt = now
			cp := *j
			s.state.cron[j.ID] = &cp
			return nil
		}
	}

	if j.ID == "" {
		j.ID = uuid.Must(uuid.NewV7()).String()
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	s.state.cron[j.ID] = &cp
	return nil
}

func (s *CronStore) Get(_ context.Context, id string) (*models.CronJob, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	j, ok := s.state.cron[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *CronStore) GetByName(_ context.Context, name string) (*models.CronJob, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	for _, j := range s.state.cron {
		if j.Name == name {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *CronStore) List(_ context.Context) ([]*models.CronJob, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	out := make([]*models.CronJob, 0, len(s.state.cron))
	for _, j := range s.state.cron {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *CronStore) RecordRun(_ context.Context, id string, ranAt time.Time, runErr string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	j, ok := s.state.cron[id]
	if !ok {
		return store.ErrNotFound
	}
	t := ranAt
	j.LastRunAt = &t
	j.LastError = runErr
	j.UpdatedAt = time.Now()
	return nil
}

func (s *CronStore) Delete(_ context.Context, id string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.cron[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.state.cron, id)
	return nil
}

// Package store defines the persistence gateway: typed collection views over
// the storage partitions. Components never touch another owner's partition
// except through these interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aria-platform/aria/pkg/models"
)

// ErrNotFound is returned when an addressed row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique constraint is violated.
var ErrDuplicate = errors.New("store: duplicate")

// SessionFilter narrows List queries. The zero value lists all active
// sessions ordered by updated_at descending.
type SessionFilter struct {
	Type            models.SessionType
	AgentID         string
	MinMessageCount int

	// GhostsOnly restricts to sessions with zero messages created before
	// GhostCutoff (the derived ghost status).
	GhostsOnly  bool
	GhostCutoff time.Time

	// UpdatedBefore restricts to stale sessions (prune scans).
	UpdatedBefore *time.Time

	OrderBy string // "created_at" or "updated_at" (default)
	Asc     bool
	Limit   int
	Offset  int
}

// SessionStore owns the sessions and messages partitions.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, f SessionFilter) ([]*models.Session, int, error)
	UpdateTitle(ctx context.Context, id, title string) error
	AccumulateTokens(ctx context.Context, id string, input, output int64) error

	// AppendMessage assigns the next sequence number, inserts the message and
	// increments the session's message_count in one transaction.
	AppendMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	Messages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	LastMessage(ctx context.Context, sessionID string, role models.Role) (*models.Message, error)
	DeleteMessage(ctx context.Context, sessionID, messageID string) error

	// Archive copies the session and its messages into the archive tables
	// (idempotent inserts) and deletes the active rows, all in one
	// transaction. Returns true iff the active row existed.
	Archive(ctx context.Context, id string, archivedAt time.Time) (bool, error)

	// DeleteGhosts removes sessions with zero messages created before cutoff.
	// The predicate is re-evaluated inside the DELETE, so a session that
	// received its first message in the meantime is preserved.
	DeleteGhosts(ctx context.Context, cutoff time.Time) (int, error)

	Delete(ctx context.Context, id string) error
}

// ArchiveStore reads the archive partition.
type ArchiveStore interface {
	ListSessions(ctx context.Context, limit, offset int) ([]*models.ArchivedSession, int, error)
	GetSession(ctx context.Context, id string) (*models.ArchivedSession, error)
}

// AgentStore owns the agents partition.
type AgentStore interface {
	Create(ctx context.Context, a *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
	UpdateState(ctx context.Context, id string, state models.AgentState) error
	Delete(ctx context.Context, id string) error
}

// CronStore owns the cron_jobs partition.
type CronStore interface {
	Upsert(ctx context.Context, j *models.CronJob) error
	Get(ctx context.Context, id string) (*models.CronJob, error)
	GetByName(ctx context.Context, name string) (*models.CronJob, error)
	List(ctx context.Context) ([]*models.CronJob, error)
	RecordRun(ctx context.Context, id string, ranAt time.Time, runErr string) error
	Delete(ctx context.Context, id string) error
}

// Stores bundles all collection views. Components receive the whole bundle
// but may only use their own partition's view.
type Stores struct {
	Sessions SessionStore
	Archive  ArchiveStore
	Agents   AgentStore
	Cron     CronStore
}

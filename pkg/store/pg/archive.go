package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

// ArchiveStore reads the archive partition on PostgreSQL.
type ArchiveStore struct {
	db *sql.DB
}

// NewArchiveStore creates an ArchiveStore over the shared pool.
func NewArchiveStore(db *sql.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

func (s *ArchiveStore) ListSessions(ctx context.Context, limit, offset int) ([]*models.ArchivedSession, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM archived_sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count archived sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, agent_id, model, title, message_count, metadata,
		        input_tokens, output_tokens, created_at, updated_at, archived_at
		 FROM archived_sessions ORDER BY archived_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list archived sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.ArchivedSession, 0)
	for rows.Next() {
		sess, err := scanArchivedSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

func (s *ArchiveStore) GetSession(ctx context.Context, id string) (*models.ArchivedSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, agent_id, model, title, message_count, metadata,
		        input_tokens, output_tokens, created_at, updated_at, archived_at
		 FROM archived_sessions WHERE id = $1`, id)
	return scanArchivedSession(row)
}

func scanArchivedSession(row rowScanner) (*models.ArchivedSession, error) {
	var sess models.ArchivedSession
	var agentID, model, title sql.NullString
	var metaJSON []byte

	err := row.Scan(&sess.ID, &sess.Type, &agentID, &model, &title, &sess.MessageCount,
		&metaJSON, &sess.InputTokens, &sess.OutputTokens,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan archived session: %w", err)
	}

	sess.AgentID = agentID.String
	sess.Model = model.String
	sess.Title = title.String
	sess.Status = models.SessionStatusArchived
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &sess.Metadata)
	}
	return &sess, nil
}

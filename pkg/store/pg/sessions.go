// Package pg implements the store collection views on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

// SessionStore is the PostgreSQL-backed session and message view.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a SessionStore over the shared pool.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = sess.CreatedAt
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}

	metaJSON, err := marshalMeta(sess.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, type, agent_id, model, title, message_count, status, metadata,
		                       input_tokens, output_tokens, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, 0, 0, $8, $9)`,
		sess.ID, sess.Type, nilStr(sess.AgentID), nilStr(sess.Model), nilStr(sess.Title),
		sess.Status, metaJSON, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, agent_id, model, title, message_count, status, metadata,
		        input_tokens, output_tokens, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *SessionStore) List(ctx context.Context, f store.SessionFilter) ([]*models.Session, int, error) {
	where, args := buildSessionWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	orderBy := "updated_at"
	if f.OrderBy == "created_at" {
		orderBy = "created_at"
	}
	dir := "DESC"
	if f.Asc {
		dir = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(
		`SELECT id, type, agent_id, model, title, message_count, status, metadata,
		        input_tokens, output_tokens, created_at, updated_at
		 FROM sessions%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		where, orderBy, dir, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

func buildSessionWhere(f store.SessionFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Type != "" {
		conds = append(conds, "type = "+arg(string(f.Type)))
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = "+arg(f.AgentID))
	}
	if f.MinMessageCount > 0 {
		conds = append(conds, "message_count >= "+arg(f.MinMessageCount))
	}
	if f.GhostsOnly {
		conds = append(conds, "message_count = 0")
		conds = append(conds, "created_at < "+arg(f.GhostCutoff))
	}
	if f.UpdatedBefore != nil {
		conds = append(conds, "updated_at < "+arg(*f.UpdatedBefore))
	}

	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

func (s *SessionStore) UpdateTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3",
		title, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return requireAffected(res)
}

func (s *SessionStore) AccumulateTokens(ctx context.Context, id string, input, output int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + $1,
		        output_tokens = output_tokens + $2, updated_at = $3
		 WHERE id = $4`,
		input, output, time.Now(), id)
	if err != nil {
		return fmt.Errorf("accumulate tokens: %w", err)
	}
	return requireAffected(res)
}

// AppendMessage assigns the next sequence number under a row lock on the
// session, inserts the message, and bumps message_count atomically.
func (s *SessionStore) AppendMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT message_count FROM sessions WHERE id = $1 FOR UPDATE", m.SessionID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM messages WHERE session_id = $1", m.SessionID,
	).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read max seq: %w", err)
	}

	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	m.Sequence = int(maxSeq.Int64) + 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, agent_id, model, tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.SessionID, m.Sequence, m.Role, m.Content,
		nilStr(m.AgentID), nilStr(m.Model), m.Tokens, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET message_count = message_count + 1, updated_at = $1 WHERE id = $2",
		m.CreatedAt, m.SessionID)
	if err != nil {
		return nil, fmt.Errorf("bump message count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return m, nil
}

func (s *SessionStore) Messages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	q := `SELECT id, session_id, seq, role, content, agent_id, model, tokens, created_at
	      FROM messages WHERE session_id = $1 ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SessionStore) LastMessage(ctx context.Context, sessionID string, role models.Role) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, seq, role, content, agent_id, model, tokens, created_at
		 FROM messages WHERE session_id = $1 AND role = $2 ORDER BY seq DESC LIMIT 1`,
		sessionID, role)
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SessionStore) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE id = $1 AND session_id = $2", messageID, sessionID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}

	// Deleting a message decrements the owning session's count.
	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET message_count = message_count - 1, updated_at = $1 WHERE id = $2",
		time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("decrement message count: %w", err)
	}

	return tx.Commit()
}

// Archive moves the session and its messages into the archive tables.
// Inserts are idempotent (ON CONFLICT DO NOTHING); the whole move is one
// transaction so it either fully commits or not at all.
func (s *SessionStore) Archive(ctx context.Context, id string, archivedAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin archive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO archived_sessions (id, type, agent_id, model, title, message_count, metadata,
		        input_tokens, output_tokens, created_at, updated_at, archived_at)
		 SELECT id, type, agent_id, model, title, message_count, metadata,
		        input_tokens, output_tokens, created_at, updated_at, $2
		 FROM sessions WHERE id = $1
		 ON CONFLICT (id) DO NOTHING`, id, archivedAt)
	if err != nil {
		return false, fmt.Errorf("archive session row: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO archived_messages (id, session_id, seq, role, content, agent_id, model, tokens, created_at, archived_at)
		 SELECT id, session_id, seq, role, content, agent_id, model, tokens, created_at, $2
		 FROM messages WHERE session_id = $1
		 ON CONFLICT (id) DO NOTHING`, id, archivedAt)
	if err != nil {
		return false, fmt.Errorf("archive message rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = $1", id); err != nil {
		return false, fmt.Errorf("delete active messages: %w", err)
	}

	del, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete active session: %w", err)
	}
	deleted, _ := del.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit archive: %w", err)
	}
	return deleted > 0, nil
}

// DeleteGhosts deletes empty sessions older than cutoff. The WHERE clause
// re-checks message_count at delete time, so the append race is benign.
func (s *SessionStore) DeleteGhosts(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE message_count = 0 AND created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete ghosts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(res)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var agentID, model, title sql.NullString
	var metaJSON []byte

	err := row.Scan(&sess.ID, &sess.Type, &agentID, &model, &title, &sess.MessageCount,
		&sess.Status, &metaJSON, &sess.InputTokens, &sess.OutputTokens,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.AgentID = agentID.String
	sess.Model = model.String
	sess.Title = title.String
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &sess.Metadata)
	}
	return &sess, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var agentID, model sql.NullString

	err := row.Scan(&m.ID, &m.SessionID, &m.Sequence, &m.Role, &m.Content,
		&agentID, &model, &m.Tokens, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.AgentID = agentID.String
	m.Model = model.String
	return &m, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

// AgentStore is the PostgreSQL-backed agents view.
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore creates an AgentStore over the shared pool.
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

func (s *AgentStore) Create(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.State == "" {
		a.State = models.AgentStateSpawning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, instructions, model, session_id, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Name, a.Role, nilStr(a.Instructions), nilStr(a.Model),
		a.SessionID, a.State, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, instructions, model, session_id, state, created_at, updated_at
		 FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *AgentStore) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, instructions, model, session_id, state, created_at, updated_at
		 FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*models.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *AgentStore) UpdateState(ctx context.Context, id string, state models.AgentState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET state = $1, updated_at = $2 WHERE id = $3",
		state, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}
	return requireAffected(res)
}

func (s *AgentStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireAffected(res)
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var instructions, model sql.NullString

	err := row.Scan(&a.ID, &a.Name, &a.Role, &instructions, &model,
		&a.SessionID, &a.State, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	a.Instructions = instructions.String
	a.Model = model.String
	return &a, nil
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/store"
)

// CronStore is the PostgreSQL-backed cron job view.
type CronStore struct {
	db *sql.DB
}

// NewCronStore creates a CronStore over the shared pool.
func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{db: db}
}

func (s *CronStore) Upsert(ctx context.Context, j *models.CronJob) error {
	if j.ID == "" {
		j.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	argsJSON, err := marshalMeta(j.Args)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (id, name, schedule, skill, action, model, args, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (name) DO UPDATE SET
		   schedule = EXCLUDED.schedule,
		   skill = EXCLUDED.skill,
		   action = EXCLUDED.action,
		   model = EXCLUDED.model,
		   args = EXCLUDED.args,
		   enabled = EXCLUDED.enabled,
		   updated_at = EXCLUDED.updated_at`,
		j.ID, j.Name, j.Schedule, j.Skill, j.Action, nilStr(j.Model),
		argsJSON, j.Enabled, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert cron job: %w", err)
	}
	return nil
}

func (s *CronStore) Get(ctx context.Context, id string) (*models.CronJob, error) {
	row := s.db.QueryRowContext(ctx, cronSelect+" WHERE id = $1", id)
	return scanCronJob(row)
}

func (s *CronStore) GetByName(ctx context.Context, name string) (*models.CronJob, error) {
	row := s.db.QueryRowContext(ctx, cronSelect+" WHERE name = $1", name)
	return scanCronJob(row)
}

func (s *CronStore) List(ctx context.Context) ([]*models.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, cronSelect+" ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.CronJob, 0)
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *CronStore) RecordRun(ctx context.Context, id string, ranAt time.Time, runErr string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cron_jobs SET last_run_at = $1, last_error = $2, updated_at = $3 WHERE id = $4",
		ranAt, nilStr(runErr), time.Now(), id)
	if err != nil {
		return fmt.Errorf("record cron run: %w", err)
	}
	return requireAffected(res)
}

func (s *CronStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cron_jobs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	return requireAffected(res)
}

const cronSelect = `SELECT id, name, schedule, skill, action, model, args, enabled,
       last_run_at, last_error, created_at, updated_at FROM cron_jobs`

func scanCronJob(row rowScanner) (*models.CronJob, error) {
	var j models.CronJob
	var model, lastError sql.NullString
	var lastRunAt sql.NullTime
	var argsJSON []byte

	err := row.Scan(&j.ID, &j.Name, &j.Schedule, &j.Skill, &j.Action, &model,
		&argsJSON, &j.Enabled, &lastRunAt, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cron job: %w", err)
	}

	j.Model = model.String
	j.LastError = lastError.String
	if lastRunAt.Valid {
		t := lastRunAt.Time
		j.LastRunAt = &t
	}
	if len(argsJSON) > 0 {
		_ = json.Unmarshal(argsJSON, &j.Args)
	}
	return &j, nil
}

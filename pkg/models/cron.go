package models

import "time"

// CronJob is a scheduled task definition.
type CronJob struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Schedule  string         `json:"schedule"`
	Skill     string         `json:"skill"`
	Action    string         `json:"action"`
	Model     string         `json:"model,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Enabled   bool           `json:"enabled"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SkillOutcome classifies a single skill invocation.
type SkillOutcome string

// Skill outcome constants.
const (
	OutcomeOK          SkillOutcome = "ok"
	OutcomeError       SkillOutcome = "error"
	OutcomeCircuitOpen SkillOutcome = "circuit_open"
	OutcomeTimeout     SkillOutcome = "timeout"
)

// SkillInvocation is a telemetry record for one skill call.
type SkillInvocation struct {
	Skill         string        `json:"skill"`
	Action        string        `json:"action"`
	Duration      time.Duration `json:"duration"`
	Outcome       SkillOutcome  `json:"outcome"`
	CorrelationID string        `json:"correlation_id"`
}

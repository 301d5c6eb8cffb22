package models

import (
	"fmt"
	"time"
)

// AgentState is the lifecycle state of a pool agent.
type AgentState string

// Agent state constants.
const (
	AgentStateSpawning   AgentState = "spawning"
	AgentStateIdle       AgentState = "idle"
	AgentStateBusy       AgentState = "busy"
	AgentStateCompleted  AgentState = "completed"
	AgentStateFailed     AgentState = "failed"
	AgentStateTerminated AgentState = "terminated"
)

// Validate returns an error if the state is not a known value.
func (s AgentState) Validate() error {
	switch s {
	case AgentStateSpawning, AgentStateIdle, AgentStateBusy,
		AgentStateCompleted, AgentStateFailed, AgentStateTerminated:
		return nil
	}
	return fmt.Errorf("invalid agent state: %q", s)
}

// Terminal reports whether the state admits no further transitions.
func (s AgentState) Terminal() bool {
	return s == AgentStateTerminated
}

// Agent is a runtime worker bound to its own session.
type Agent struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	Instructions string     `json:"instructions,omitempty"`
	Model        string     `json:"model,omitempty"`
	SessionID    string     `json:"session_id"`
	State        AgentState `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DelegationStatus is the outcome of a delegate_task call.
type DelegationStatus string

// Delegation status constants.
const (
	DelegationCompleted DelegationStatus = "completed"
	DelegationTimeout   DelegationStatus = "timeout"
	DelegationError     DelegationStatus = "error"
)

// DelegationResult is returned by the agent pool's DelegateTask.
type DelegationResult struct {
	AgentID    string           `json:"agent_id"`
	Model      string           `json:"model"`
	Status     DelegationStatus `json:"status"`
	Result     string           `json:"result"`
	TokensUsed int64            `json:"tokens_used"`
	DurationMS int64            `json:"duration_ms"`
}

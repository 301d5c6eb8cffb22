// Package models contains request/response models and business domain types.
package models

import (
	"fmt"
	"time"
)

// SessionType classifies how a session was created and who drives it.
type SessionType string

// Session type constants.
const (
	SessionTypeChat       SessionType = "chat"
	SessionTypeRoundtable SessionType = "roundtable"
	SessionTypeSwarm      SessionType = "swarm"
	SessionTypeCron       SessionType = "cron"
	SessionTypeInternal   SessionType = "internal"
)

// Validate returns an error if the session type is not a known value.
func (t SessionType) Validate() error {
	switch t {
	case SessionTypeChat, SessionTypeRoundtable, SessionTypeSwarm, SessionTypeCron, SessionTypeInternal:
		return nil
	}
	return fmt.Errorf("invalid session type: %q", t)
}

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

// Session status constants.
const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusArchived SessionStatus = "archived"
)

// Validate returns an error if the status is not a known value.
func (s SessionStatus) Validate() error {
	switch s {
	case SessionStatusActive, SessionStatusArchived:
		return nil
	}
	return fmt.Errorf("invalid session status: %q", s)
}

// Session is a unit of conversation. Created lazily on first message,
// never on page load.
type Session struct {
	ID           string         `json:"id"`
	Type         SessionType    `json:"type"`
	AgentID      string         `json:"agent_id,omitempty"`
	Model        string         `json:"model,omitempty"`
	Title        string         `json:"title,omitempty"`
	MessageCount int            `json:"message_count"`
	Status       SessionStatus  `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// IsGhost reports whether the session qualifies for ghost pruning:
// zero messages and older than ttl at the given instant.
func (s *Session) IsGhost(now time.Time, ttl time.Duration) bool {
	return s.MessageCount == 0 && s.CreatedAt.Before(now.Add(-ttl))
}

// Role identifies the author class of a message.
type Role string

// Message role constants.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Validate returns an error if the role is not a known value.
func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return nil
	}
	return fmt.Errorf("invalid message role: %q", r)
}

// Message is an ordered entry in a session. Sequence numbers are assigned
// monotonically per session and form a prefix of the natural numbers.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	AgentID   string    `json:"agent_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Tokens    int64     `json:"tokens,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ArchivedSession mirrors Session with the archival timestamp.
type ArchivedSession struct {
	Session
	ArchivedAt time.Time `json:"archived_at"`
}

// ArchivedMessage mirrors Message with the archival timestamp.
type ArchivedMessage struct {
	Message
	ArchivedAt time.Time `json:"archived_at"`
}

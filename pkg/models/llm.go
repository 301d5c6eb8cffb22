package models

import "fmt"

// Tier groups models by cost and locality. Selection iterates tiers in the
// configured preference order.
type Tier string

// Model tier constants.
const (
	TierLocal Tier = "local"
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
)

// Validate returns an error if the tier is not a known value.
func (t Tier) Validate() error {
	switch t {
	case TierLocal, TierFree, TierPaid:
		return nil
	}
	return fmt.Errorf("invalid model tier: %q", t)
}

// DefaultTierOrder is the selection order when the catalog does not override it.
var DefaultTierOrder = []Tier{TierLocal, TierFree, TierPaid}

// Model is a configured LLM endpoint.
type Model struct {
	ID              string `json:"id" yaml:"id"`
	Provider        string `json:"provider" yaml:"provider"`
	Tier            Tier   `json:"tier" yaml:"tier"`
	DisplayName     string `json:"display_name" yaml:"display_name"`
	Alias           string `json:"alias,omitempty" yaml:"alias,omitempty"`
	MaxRPM          *int   `json:"max_rpm,omitempty" yaml:"max_rpm,omitempty"`
	MaxTPD          *int64 `json:"max_tpd,omitempty" yaml:"max_tpd,omitempty"`
	CooldownSeconds int    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	ContextWindow   int    `json:"context_window,omitempty" yaml:"context_window,omitempty"`
	ToolCalling     bool   `json:"tool_calling" yaml:"tool_calling"`
}

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 { return u.InputTokens + u.OutputTokens }

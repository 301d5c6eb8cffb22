// Package llm is the single entry point for model-bound calls: model
// selection by tier, per-model rate limits and circuit breakers, timeouts,
// and a streaming variant.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aria-platform/aria/pkg/models"
)

var (
	// ErrNoModelAvailable means every candidate in the tier chain was
	// circuit-open or rate-limited.
	ErrNoModelAvailable = errors.New("no model available")

	// ErrRateLimited means the selected model exceeded its request or token
	// budget and no fallback could absorb the call.
	ErrRateLimited = errors.New("rate limited")

	// ErrLLMTimeout means the provider call exceeded its deadline.
	ErrLLMTimeout = errors.New("llm timeout")
)

// RateLimitError carries the retry hint alongside ErrRateLimited.
type RateLimitError struct {
	Model      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: model %s, retry after %s", e.Model, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Message is one turn of conversation sent to a provider.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// CompletionRequest is one model-bound call. Model pins a specific catalog
// entry; empty means the gateway selects per routing policy.
type CompletionRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
}

// CompletionResponse is the final result of a completion, streaming or not.
type CompletionResponse struct {
	Model        string            `json:"model"`
	Content      string            `json:"content"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        models.TokenUsage `json:"usage"`
}

// StreamChunk is one piece of a streaming completion. Usage arrives on the
// Done chunk; Err terminates the stream.
type StreamChunk struct {
	Content string             `json:"content,omitempty"`
	Done    bool               `json:"done,omitempty"`
	Usage   *models.TokenUsage `json:"usage,omitempty"`
	Err     error              `json:"-"`
}

// Provider is a transport to one model host. The gateway multiplexes
// catalog entries over providers by name.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model string, req CompletionRequest) (*CompletionResponse, error)

	// Stream starts a streaming completion. Connection-phase failures are
	// returned directly; mid-stream failures arrive as a chunk with Err set.
	// The channel is closed after the Done or Err chunk.
	Stream(ctx context.Context, model string, req CompletionRequest) (<-chan StreamChunk, error)
}

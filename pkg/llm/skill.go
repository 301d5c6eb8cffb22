package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/skill"
)

// GatewaySkill exposes the gateway through the uniform skill contract so the
// scheduler and pipelines can dispatch model calls like any other capability.
// Layer 1: it sits above the storage leaves and below orchestration skills.
type GatewaySkill struct {
	gateway *Gateway
}

// NewGatewaySkill wraps a gateway.
func NewGatewaySkill(gateway *Gateway) *GatewaySkill {
	return &GatewaySkill{gateway: gateway}
}

func (s *GatewaySkill) Name() string           { return "llm" }
func (s *GatewaySkill) Layer() int             { return 1 }
func (s *GatewaySkill) Dependencies() []string { return nil }

func (s *GatewaySkill) Invoke(ctx context.Context, action string, args map[string]any) (any, error) {
	switch action {
	case "complete":
		prompt, _ := args["prompt"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("prompt is required")
		}
		model, _ := args["model"].(string)
		resp, err := s.gateway.Complete(ctx, CompletionRequest{
			Model:    model,
			Messages: []Message{{Role: models.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, classify(err)
		}
		return map[string]any{
			"model":   resp.Model,
			"content": resp.Content,
			"tokens":  resp.Usage.Total(),
		}, nil

	case "title":
		message, _ := args["message"].(string)
		if message == "" {
			return nil, fmt.Errorf("message is required")
		}
		title, err := s.gateway.GenerateTitle(ctx, message)
		if err != nil {
			return nil, classify(err)
		}
		return title, nil

	default:
		return nil, fmt.Errorf("%w: llm.%s", skill.ErrUnknownAction, action)
	}
}

// classify marks retryable gateway failures for the executor's retry loop.
// Rate limiting and model exhaustion clear on their own; timeouts do not
// within the retry horizon.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isTransientGatewayErr(err):
		return skill.Transient(err)
	default:
		return err
	}
}

func isTransientGatewayErr(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNoModelAvailable)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/services"
)

// WorkerSpec is one swarm seat.
type WorkerSpec struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Task         string `json:"task"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// SwarmRequest fans tasks out across workers in parallel.
type SwarmRequest struct {
	Task    string        `json:"task"`
	Workers []WorkerSpec  `json:"workers"`
	Timeout time.Duration `json:"-"`
}

// WorkerReport is one worker's line in the recap.
type WorkerReport struct {
	Name       string                  `json:"name"`
	Model      string                  `json:"model,omitempty"`
	Status     models.DelegationStatus `json:"status"`
	Output     string                  `json:"output,omitempty"`
	TokensUsed int64                   `json:"tokens_used"`
	DurationMS int64                   `json:"duration_ms"`
}

// SwarmResult is the merged outcome plus the persisted recap session.
type SwarmResult struct {
	SessionID  string         `json:"session_id"`
	Workers    []WorkerReport `json:"workers"`
	Merged     string         `json:"merged"`
	TokensUsed int64          `json:"tokens_used"`
	DurationMS int64          `json:"duration_ms"`
}

// Swarm dispatches each worker's task concurrently through the agent pool,
// merges the outputs sorted by worker name, and persists a recap session.
func (o *Orchestrator) Swarm(ctx context.Context, req SwarmRequest) (*SwarmResult, error) {
	if len(req.Workers) == 0 {
		return nil, services.NewValidationError("workers", "at least one required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.agentTimeout
	}

	started := time.Now()
	reports := make([]WorkerReport, len(req.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range req.Workers {
		task := w.Task
		if task == "" {
			task = req.Task
		}
		if task == "" {
			return nil, services.NewValidationError("task", "required when a worker has none")
		}

		g.Go(func() error {
			res, err := o.pool.DelegateTask(gctx, agentpool.DelegateRequest{
				Task:         task,
				Role:         w.Role,
				Model:        w.Model,
				Instructions: w.Instructions,
				Timeout:      timeout,
			})
			if err != nil {
				reports[i] = WorkerReport{Name: w.Name, Model: w.Model,
					Status: models.DelegationError, Output: err.Error()}
				return nil
			}
			reports[i] = WorkerReport{
				Name:       w.Name,
				Model:      res.Model,
				Status:     res.Status,
				Output:     res.Result,
				TokensUsed: res.TokensUsed,
				DurationMS: res.DurationMS,
			}
			return nil
		})
	}
	// Workers never abort the group; failures land in their report line.
	_ = g.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })

	result := &SwarmResult{Workers: reports}
	var merged strings.Builder
	for _, r := range reports {
		result.TokensUsed += r.TokensUsed
		if r.Status == models.DelegationCompleted && r.Output != "" {
			fmt.Fprintf(&merged, "## %s\n%s\n\n", r.Name, r.Output)
		}
	}
	result.Merged = strings.TrimSpace(merged.String())
	result.DurationMS = time.Since(started).Milliseconds()

	o.persistRecap(ctx, req.Task, result)
	return result, nil
}

// persistRecap stores the swarm outcome as a swarm-typed session: metadata
// carries the per-worker stats, the merged output lands as a message.
func (o *Orchestrator) persistRecap(ctx context.Context, task string, result *SwarmResult) {
	recap, err := json.Marshal(result.Workers)
	if err != nil {
		o.logger.Warn("recap marshal failed", "error", err)
		return
	}
	var workerMeta []any
	if err := json.Unmarshal(recap, &workerMeta); err != nil {
		o.logger.Warn("recap marshal failed", "error", err)
		return
	}

	sess, err := o.sessions.CreateSession(ctx, services.CreateSessionRequest{
		Type:  models.SessionTypeSwarm,
		Title: services.QuickTitle(task),
		Metadata: map[string]any{
			"workers":     workerMeta,
			"tokens_used": result.TokensUsed,
			"duration_ms": result.DurationMS,
		},
	})
	if err != nil {
		o.logger.Warn("recap session create failed", "error", err)
		return
	}
	result.SessionID = sess.ID

	content := result.Merged
	if content == "" {
		content = "(no worker produced output)"
	}
	if _, err := o.sessions.AppendMessage(ctx, services.AppendMessageRequest{
		SessionID: sess.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		Tokens:    result.TokensUsed,
	}); err != nil {
		o.logger.Warn("recap append failed", "session_id", sess.ID, "error", err)
	}

	o.logger.Info("swarm recap persisted", "session_id", sess.ID,
		"workers", len(result.Workers), "tokens_used", result.TokensUsed)
}

package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aria-platform/aria/pkg/circuit"
	"github.com/aria-platform/aria/pkg/metrics"
	"github.com/aria-platform/aria/pkg/models"
)

// Retry policy defaults: 3 attempts, exponential backoff from 200 ms capped
// at 5 s, transient errors only.
const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// RetryPolicy configures the safe-execute retry loop.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

// Executor runs skills through their circuit breakers with retries and
// invocation telemetry.
type Executor struct {
	registry *Registry
	policy   RetryPolicy
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, policy RetryPolicy, recorder *metrics.Recorder, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		policy:   policy,
		recorder: recorder,
		logger:   logger.With("component", "skill_executor"),
		breakers: map[string]*circuit.Breaker{},
	}
}

// Breaker returns the circuit breaker guarding one skill, creating it on
// first use. The scheduler consults this to suspend failing jobs.
func (e *Executor) Breaker(skillName string) *circuit.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[skillName]
	if !ok {
		name := skillName
		b = circuit.NewBreaker(circuit.WithTransitionHook(func(s circuit.State) {
			e.recorder.CircuitState(context.Background(), "skill:"+name, int64(s))
			e.logger.Info("skill circuit transition", "skill", name, "state", s.String())
		}))
		e.breakers[skillName] = b
	}
	return b
}

// SafeExecute invokes one skill action: breaker check, bounded retries for
// transient errors, telemetry. The returned Result never carries a Go error;
// failures are reported in Result.Error.
func (e *Executor) SafeExecute(ctx context.Context, skillName, action string, args map[string]any) Result {
	started := time.Now()
	correlationID, _ := ctx.Value(correlationKey{}).(string)

	sk, ok := e.registry.Get(skillName)
	if !ok {
		return e.finish(ctx, models.SkillInvocation{
			Skill: skillName, Action: action, CorrelationID: correlationID,
			Outcome: models.OutcomeError, Duration: time.Since(started),
		}, Result{Error: fmt.Sprintf("unknown skill: %s", skillName)})
	}

	breaker := e.Breaker(skillName)
	if !breaker.Allow() {
		return e.finish(ctx, models.SkillInvocation{
			Skill: skillName, Action: action, CorrelationID: correlationID,
			Outcome: models.OutcomeCircuitOpen, Duration: time.Since(started),
		}, Result{Error: "circuit open"})
	}

	var data any
	operation := func() error {
		var err error
		data, err = sk.Invoke(ctx, action, args)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.policy.InitialInterval
	policy.MaxInterval = e.policy.MaxInterval
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.policy.MaxAttempts-1)), ctx))

	inv := models.SkillInvocation{
		Skill: skillName, Action: action, CorrelationID: correlationID,
		Duration: time.Since(started),
	}
	switch {
	case err == nil:
		breaker.RecordSuccess()
		inv.Outcome = models.OutcomeOK
		return e.finish(ctx, inv, Result{OK: true, Data: data})
	case errors.Is(err, context.DeadlineExceeded):
		breaker.RecordFailure()
		inv.Outcome = models.OutcomeTimeout
		return e.finish(ctx, inv, Result{Error: "timeout"})
	default:
		breaker.RecordFailure()
		inv.Outcome = models.OutcomeError
		return e.finish(ctx, inv, Result{Error: err.Error()})
	}
}

func (e *Executor) finish(ctx context.Context, inv models.SkillInvocation, res Result) Result {
	e.recorder.SkillCall(ctx, inv.Skill, inv.Action, string(inv.Outcome), inv.Duration)
	level := slog.LevelDebug
	if inv.Outcome != models.OutcomeOK {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "skill invocation",
		"skill", inv.Skill, "action", inv.Action, "outcome", inv.Outcome,
		"duration_ms", inv.Duration.Milliseconds(), "correlation_id", inv.CorrelationID)
	return res
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id for invocation telemetry.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the attached correlation id, or empty.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

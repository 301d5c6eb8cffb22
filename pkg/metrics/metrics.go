// Package metrics holds the OpenTelemetry instruments shared across the
// process: LLM request and token counters, latency histograms and circuit
// breaker gauges. Instruments are created once against the global meter
// provider, so tests and debug runs get the no-op implementation for free.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/aria-platform/aria"

// Recorder bundles the process instruments.
type Recorder struct {
	llmRequests  metric.Int64Counter
	llmTokens    metric.Int64Counter
	llmLatency   metric.Float64Histogram
	circuitState metric.Int64Gauge

	skillCalls   metric.Int64Counter
	skillLatency metric.Float64Histogram
}

var (
	defaultRecorder *Recorder
	once            sync.Once
)

// Default returns the process-wide recorder, creating it on first use.
func Default() *Recorder {
	once.Do(func() {
		defaultRecorder = newRecorder()
	})
	return defaultRecorder
}

func newRecorder() *Recorder {
	meter := otel.Meter(scope)

	llmRequests, _ := meter.Int64Counter("aria.llm.requests",
		metric.WithDescription("LLM completion requests by model and outcome"))
	llmTokens, _ := meter.Int64Counter("aria.llm.tokens",
		metric.WithDescription("LLM tokens consumed by model and direction"))
	llmLatency, _ := meter.Float64Histogram("aria.llm.latency",
		metric.WithDescription("LLM completion latency"),
		metric.WithUnit("s"))
	circuitState, _ := meter.Int64Gauge("aria.circuit.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 open, 2 half-open"))

	skillCalls, _ := meter.Int64Counter("aria.skill.calls",
		metric.WithDescription("Skill invocations by skill, action and outcome"))
	skillLatency, _ := meter.Float64Histogram("aria.skill.latency",
		metric.WithDescription("Skill invocation latency"),
		metric.WithUnit("s"))

	return &Recorder{
		llmRequests:  llmRequests,
		llmTokens:    llmTokens,
		llmLatency:   llmLatency,
		circuitState: circuitState,
		skillCalls:   skillCalls,
		skillLatency: skillLatency,
	}
}

// LLMRequest records one completion attempt against a model.
func (r *Recorder) LLMRequest(ctx context.Context, model, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	r.llmRequests.Add(ctx, 1, attrs)
	r.llmLatency.Record(ctx, elapsed.Seconds(), attrs)
}

// LLMTokens records token consumption for a model.
func (r *Recorder) LLMTokens(ctx context.Context, model string, input, output int64) {
	r.llmTokens.Add(ctx, input, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("direction", "input"),
	))
	r.llmTokens.Add(ctx, output, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("direction", "output"),
	))
}

// CircuitState publishes a breaker transition for a model or skill.
func (r *Recorder) CircuitState(ctx context.Context, name string, state int64) {
	r.circuitState.Record(ctx, state, metric.WithAttributes(
		attribute.String("name", name),
	))
}

// SkillCall records one safe-execute invocation.
func (r *Recorder) SkillCall(ctx context.Context, skill, action, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("skill", skill),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	)
	r.skillCalls.Add(ctx, 1, attrs)
	r.skillLatency.Record(ctx, elapsed.Seconds(), attrs)
}

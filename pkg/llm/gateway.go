package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aria-platform/aria/pkg/circuit"
	"github.com/aria-platform/aria/pkg/config"
	"github.com/aria-platform/aria/pkg/metrics"
	"github.com/aria-platform/aria/pkg/models"
)

const (
	rpmBuckets = 60
	tpdBuckets = 24

	// defaultCompletionTimeout caps a non-streaming completion when the
	// caller's deadline is looser.
	defaultCompletionTimeout = 120 * time.Second

	// streamIdleTimeout is the per-chunk deadline once streaming has started.
	streamIdleTimeout = 30 * time.Second
)

type modelState struct {
	breaker *circuit.Breaker
	rpm     *slidingWindow
	tpd     *slidingWindow
}

// Gateway routes completions across the model catalog with tier failover,
// sliding-window rate limits and per-model circuit breakers.
type Gateway struct {
	catalog   *config.ModelCatalog
	providers map[string]Provider
	timeout   time.Duration
	idle      time.Duration
	recorder  *metrics.Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	states  map[string]*modelState
	cursors map[models.Tier]int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout overrides the default completion timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithIdleTimeout overrides the per-chunk streaming deadline.
func WithIdleTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.idle = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway over the catalog. providers maps the catalog's
// provider names to transports.
func NewGateway(catalog *config.ModelCatalog, providers map[string]Provider, recorder *metrics.Recorder, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		catalog:   catalog,
		providers: providers,
		timeout:   defaultCompletionTimeout,
		idle:      streamIdleTimeout,
		recorder:  recorder,
		logger:    logger.With("component", "llm_gateway"),
		states:    map[string]*modelState{},
		cursors:   map[models.Tier]int{},
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) state(id string) *modelState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[id]
	if !ok {
		name := id
		st = &modelState{
			breaker: circuit.NewBreaker(
				circuit.WithClock(g.now),
				circuit.WithTransitionHook(func(s circuit.State) {
					g.recorder.CircuitState(context.Background(), "model:"+name, int64(s))
					g.logger.Info("model circuit transition", "model", name, "state", s.String())
				})),
			rpm: newSlidingWindow(rpmBuckets, time.Second, g.now),
			tpd: newSlidingWindow(tpdBuckets, time.Hour, g.now),
		}
		g.states[id] = st
	}
	return st
}

// candidates builds the ordered selection list: pinned model, primary
// override, the tier chain with per-tier round-robin, then the configured
// fallbacks. Duplicates are removed preserving first position.
func (g *Gateway) candidates(pin string) []*models.Model {
	var ordered []*models.Model

	if pin != "" {
		if m, ok := g.catalog.Lookup(pin); ok {
			ordered = append(ordered, m)
		}
	}
	if primary := g.catalog.Routing.Primary; primary != "" {
		if m, ok := g.catalog.Lookup(primary); ok {
			ordered = append(ordered, m)
		}
	}

	g.mu.Lock()
	for _, tier := range g.catalog.Routing.TierOrder {
		inTier := g.catalog.ByTier(tier)
		if len(inTier) == 0 {
			continue
		}
		start := g.cursors[tier] % len(inTier)
		g.cursors[tier]++
		for i := 0; i < len(inTier); i++ {
			ordered = append(ordered, inTier[(start+i)%len(inTier)])
		}
	}
	g.mu.Unlock()

	for _, id := range g.catalog.Routing.Fallbacks {
		if m, ok := g.catalog.Lookup(id); ok {
			ordered = append(ordered, m)
		}
	}

	seen := make(map[string]bool, len(ordered))
	out := ordered[:0]
	for _, m := range ordered {
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

// admit checks breaker and rate windows for one candidate. It reserves the
// request slot on success.
func (g *Gateway) admit(m *models.Model) (st *modelState, rateLimited, circuitOpen bool) {
	st = g.state(m.ID)
	if !st.breaker.Allow() {
		return st, false, true
	}
	if m.MaxRPM != nil && st.rpm.WouldExceed(1, int64(*m.MaxRPM)) {
		return st, true, false
	}
	if m.MaxTPD != nil && st.tpd.WouldExceed(0, *m.MaxTPD) {
		return st, true, false
	}
	st.rpm.Add(1)
	return st, false, false
}

// Complete runs one non-streaming completion with tier failover. The call is
// bounded by min(caller deadline, the configured default timeout).
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	cctx, cancel := g.withDeadline(ctx)
	defer cancel()

	var limited *models.Model
	for _, m := range g.candidates(req.Model) {
		st, rateLimited, circuitOpen := g.admit(m)
		if circuitOpen {
			continue
		}
		if rateLimited {
			if limited == nil {
				limited = m
			}
			continue
		}

		resp, err := g.attempt(cctx, m, st, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrLLMTimeout) {
			return nil, err
		}
		if errors.Is(err, ErrRateLimited) {
			if limited == nil {
				limited = m
			}
			continue
		}
		g.logger.Warn("completion failed, trying next candidate", "model", m.ID, "error", err)
	}

	// Everything was gated. A cooldown-configured rate-limited candidate gets
	// one delayed retry when the remaining deadline permits. Token-budget
	// exhaustion is terminal until the window slides.
	if limited != nil {
		cooldown := time.Duration(limited.CooldownSeconds) * time.Second
		if cooldown > 0 && g.deadlinePermits(cctx, cooldown) && !g.tpdExhausted(limited) {
			if err := g.sleep(cctx, cooldown); err == nil {
				st, rateLimited, circuitOpen := g.admit(limited)
				if !rateLimited && !circuitOpen {
					resp, err := g.attempt(cctx, limited, st, req)
					if err == nil {
						return resp, nil
					}
				}
			}
		}
		return nil, &RateLimitError{Model: limited.ID, RetryAfter: cooldown}
	}
	return nil, ErrNoModelAvailable
}

func (g *Gateway) attempt(ctx context.Context, m *models.Model, st *modelState, req CompletionRequest) (*CompletionResponse, error) {
	provider, err := g.provider(m)
	if err != nil {
		return nil, err
	}

	started := g.now()
	resp, err := provider.Complete(ctx, m.ID, req)
	elapsed := g.now().Sub(started)

	switch {
	case err == nil:
		st.breaker.RecordSuccess()
		st.tpd.Add(resp.Usage.Total())
		g.recorder.LLMRequest(ctx, m.ID, "ok", elapsed)
		g.recorder.LLMTokens(ctx, m.ID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		resp.Model = m.ID
		return resp, nil

	case errors.Is(err, context.DeadlineExceeded):
		st.breaker.RecordFailure()
		g.recorder.LLMRequest(ctx, m.ID, "timeout", elapsed)
		return nil, fmt.Errorf("model %s: %w", m.ID, ErrLLMTimeout)

	case errors.Is(err, ErrRateLimited):
		// Provider-side 429s do not count against the breaker.
		g.recorder.LLMRequest(ctx, m.ID, "rate_limited", elapsed)
		return nil, err

	default:
		st.breaker.RecordFailure()
		g.recorder.LLMRequest(ctx, m.ID, "error", elapsed)
		return nil, err
	}
}

// CompleteStream starts a streaming completion. Failover applies only until
// the connection is established; after the first chunk, failures surface on
// the stream. The first chunk must arrive within the completion timeout and
// each subsequent chunk within the idle deadline.
func (g *Gateway) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, *models.Model, error) {
	var limited *models.Model
	for _, m := range g.candidates(req.Model) {
		st, rateLimited, circuitOpen := g.admit(m)
		if circuitOpen {
			continue
		}
		if rateLimited {
			if limited == nil {
				limited = m
			}
			continue
		}

		provider, err := g.provider(m)
		if err != nil {
			continue
		}

		sctx, cancel := context.WithCancel(ctx)
		inner, err := provider.Stream(sctx, m.ID, req)
		if err != nil {
			cancel()
			if errors.Is(err, ErrRateLimited) {
				if limited == nil {
					limited = m
				}
				continue
			}
			st.breaker.RecordFailure()
			g.logger.Warn("stream connect failed, trying next candidate", "model", m.ID, "error", err)
			continue
		}
		return g.watch(sctx, cancel, m, st, inner), m, nil
	}

	if limited != nil {
		return nil, nil, &RateLimitError{Model: limited.ID,
			RetryAfter: time.Duration(limited.CooldownSeconds) * time.Second}
	}
	return nil, nil, ErrNoModelAvailable
}

// watch forwards provider chunks enforcing the first-chunk and idle
// deadlines, and settles breaker and token accounting when the stream ends.
// A canceled caller never receives a usage frame, so the output forwarded up
// to that point is charged at an estimated four bytes per token.
func (g *Gateway) watch(ctx context.Context, cancel context.CancelFunc, m *models.Model, st *modelState, inner <-chan StreamChunk) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer cancel()

		started := g.now()
		streamed := 0
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				g.settleCanceled(m, st, started, streamed)
				return

			case <-timer.C:
				st.breaker.RecordFailure()
				g.recorder.LLMRequest(ctx, m.ID, "timeout", g.now().Sub(started))
				out <- StreamChunk{Err: fmt.Errorf("model %s: %w", m.ID, ErrLLMTimeout)}
				return

			case chunk, ok := <-inner:
				if !ok {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(g.idle)

				switch {
				case chunk.Err != nil:
					st.breaker.RecordFailure()
					g.recorder.LLMRequest(ctx, m.ID, "error", g.now().Sub(started))
					out <- chunk
					return
				case chunk.Done:
					st.breaker.RecordSuccess()
					if chunk.Usage != nil {
						st.tpd.Add(chunk.Usage.Total())
						g.recorder.LLMTokens(ctx, m.ID, chunk.Usage.InputTokens, chunk.Usage.OutputTokens)
					}
					g.recorder.LLMRequest(ctx, m.ID, "ok", g.now().Sub(started))
					out <- chunk
					return
				default:
					select {
					case out <- chunk:
						streamed += len(chunk.Content)
					case <-ctx.Done():
						g.settleCanceled(m, st, started, streamed)
						return
					}
				}
			}
		}
	}()
	return out
}

// settleCanceled charges an aborted stream for the output it already
// delivered. The stream context is dead here, so metrics record against a
// background context.
func (g *Gateway) settleCanceled(m *models.Model, st *modelState, started time.Time, streamedBytes int) {
	ctx := context.Background()
	if streamedBytes > 0 {
		tokens := int64((streamedBytes + 3) / 4)
		st.tpd.Add(tokens)
		g.recorder.LLMTokens(ctx, m.ID, 0, tokens)
	}
	g.recorder.LLMRequest(ctx, m.ID, "canceled", g.now().Sub(started))
}

const titlePrompt = "Summarize the following opening message as a conversation title " +
	"of at most six words. Reply with the title only, no quotes.\n\n"

// GenerateTitle asks the tier chain for a concise session title.
func (g *Gateway) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	resp, err := g.Complete(ctx, CompletionRequest{
		Messages:  []Message{{Role: models.RoleUser, Content: titlePrompt + firstMessage}},
		MaxTokens: 32,
	})
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(resp.Content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	return strings.Trim(title, `"`), nil
}

// ModelStatus is the live health snapshot of one catalog entry.
type ModelStatus struct {
	ID       string      `json:"id"`
	Tier     models.Tier `json:"tier"`
	Circuit  string      `json:"circuit"`
	RPMUsed  int64       `json:"rpm_used"`
	TPDUsed  int64       `json:"tpd_used"`
	MaxRPM   *int        `json:"max_rpm,omitempty"`
	MaxTPD   *int64      `json:"max_tpd,omitempty"`
	Provider string      `json:"provider"`
}

// Status reports catalog entries with their breaker and window state.
func (g *Gateway) Status() []ModelStatus {
	out := make([]ModelStatus, 0, len(g.catalog.Models))
	for i := range g.catalog.Models {
		m := &g.catalog.Models[i]
		st := g.state(m.ID)
		out = append(out, ModelStatus{
			ID:       m.ID,
			Tier:     m.Tier,
			Circuit:  st.breaker.State().String(),
			RPMUsed:  st.rpm.Sum(),
			TPDUsed:  st.tpd.Sum(),
			MaxRPM:   m.MaxRPM,
			MaxTPD:   m.MaxTPD,
			Provider: m.Provider,
		})
	}
	return out
}

// Catalog exposes the routing source of truth for read-only listings.
func (g *Gateway) Catalog() *config.ModelCatalog { return g.catalog }

func (g *Gateway) provider(m *models.Model) (Provider, error) {
	p, ok := g.providers[m.Provider]
	if !ok {
		return nil, fmt.Errorf("model %s: no provider %q configured", m.ID, m.Provider)
	}
	return p, nil
}

func (g *Gateway) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= g.timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) deadlinePermits(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return deadline.Sub(g.now()) > d
}

func (g *Gateway) tpdExhausted(m *models.Model) bool {
	if m.MaxTPD == nil {
		return false
	}
	return g.state(m.ID).tpd.WouldExceed(0, *m.MaxTPD)
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/config"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/metrics"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/skill"
	"github.com/aria-platform/aria/pkg/store"
	"github.com/aria-platform/aria/pkg/store/memory"
)

type blockingSkill struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	fail    bool
}

func (s *blockingSkill) Name() string           { return "probe" }
func (s *blockingSkill) Layer() int             { return 0 }
func (s *blockingSkill) Dependencies() []string { return nil }

func (s *blockingSkill) Invoke(ctx context.Context, _ string, _ map[string]any) (any, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	if s.fail {
		return nil, fmt.Errorf("probe failed")
	}
	return "ok", nil
}

func (s *blockingSkill) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type nopCompleter struct{}

func (nopCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Model: "local-a", Content: "done",
		Usage: models.TokenUsage{InputTokens: 1, OutputTokens: 1}}, nil
}

type openResolver struct{}

func (openResolver) Lookup(id string) (*models.Model, bool) {
	return &models.Model{ID: id, Tier: models.TierLocal}, true
}

func testRuntime() config.RuntimeConfig {
	return config.RuntimeConfig{
		GhostTTL:           15 * time.Minute,
		GhostPruneInterval: 20 * time.Millisecond,
		ArchiveScanDays:    30,
		ArchiveScanEvery:   time.Hour,
		HeartbeatInterval:  time.Hour,
	}
}

func newTestScheduler(t *testing.T, probe skill.Skill) (*Scheduler, *store.Stores) {
	t.Helper()
	stores := memory.NewStores()
	sessions := services.NewSessionService(stores, nil, 15*time.Minute, slog.Default())
	registry := skill.NewRegistry()
	if probe != nil {
		require.NoError(t, registry.Register(probe))
	}
	executor := skill.NewExecutor(registry,
		skill.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		metrics.Default(), slog.Default())
	pool := agentpool.NewPool(stores.Agents, sessions, nopCompleter{}, openResolver{},
		slog.Default(), agentpool.WithPollInterval(5*time.Millisecond))
	sched := New(executor, pool, sessions, stores.Cron, nil, testRuntime(), slog.Default())
	return sched, stores
}

func TestScheduler_Sync(t *testing.T) {
	sched, stores := newTestScheduler(t, nil)
	ctx := context.Background()

	specs := []config.CronJobSpec{
		{Name: "nightly", Schedule: "0 3 * * *", Skill: "maintenance", Action: "archive_old"},
	}
	require.NoError(t, sched.Sync(ctx, specs))

	job, err := stores.Cron.GetByName(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", job.Skill)
	assert.True(t, job.Enabled)

	// Second sync updates rather than duplicates.
	specs[0].Action = "prune_ghosts"
	require.NoError(t, sched.Sync(ctx, specs))
	jobs, err := stores.Cron.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "prune_ghosts", jobs[0].Action)
}

func TestScheduler_RunJob(t *testing.T) {
	ctx := context.Background()

	t.Run("skill dispatch records run", func(t *testing.T) {
		probe := &blockingSkill{}
		sched, stores := newTestScheduler(t, probe)
		require.NoError(t, sched.Sync(ctx, []config.CronJobSpec{
			{Name: "check", Schedule: "* * * * *", Skill: "probe", Action: "run"},
		}))

		require.NoError(t, sched.RunNow(ctx, "check"))
		assert.Equal(t, 1, probe.callCount())

		job, err := stores.Cron.GetByName(ctx, "check")
		require.NoError(t, err)
		require.NotNil(t, job.LastRunAt)
		assert.Empty(t, job.LastError)
	})

	t.Run("failure is recorded", func(t *testing.T) {
		probe := &blockingSkill{fail: true}
		sched, stores := newTestScheduler(t, probe)
		require.NoError(t, sched.Sync(ctx, []config.CronJobSpec{
			{Name: "check", Schedule: "* * * * *", Skill: "probe", Action: "run"},
		}))

		require.NoError(t, sched.RunNow(ctx, "check"))

		job, err := stores.Cron.GetByName(ctx, "check")
		require.NoError(t, err)
		assert.Contains(t, job.LastError, "probe failed")
	})

	t.Run("overlapping fire is skipped", func(t *testing.T) {
		probe := &blockingSkill{block: make(chan struct{})}
		sched, _ := newTestScheduler(t, probe)
		require.NoError(t, sched.Sync(ctx, []config.CronJobSpec{
			{Name: "slow", Schedule: "* * * * *", Skill: "probe", Action: "run"},
		}))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sched.RunNow(ctx, "slow")
		}()

		require.Eventually(t, func() bool { return probe.callCount() == 1 },
			time.Second, 5*time.Millisecond)

		// Second fire while the first still holds the job mutex.
		require.NoError(t, sched.RunNow(ctx, "slow"))
		assert.Equal(t, 1, probe.callCount())

		close(probe.block)
		wg.Wait()
	})

	t.Run("open skill circuit suspends dispatch", func(t *testing.T) {
		probe := &blockingSkill{fail: true}
		sched, _ := newTestScheduler(t, probe)
		require.NoError(t, sched.Sync(ctx, []config.CronJobSpec{
			{Name: "check", Schedule: "* * * * *", Skill: "probe", Action: "run"},
		}))

		for i := 0; i < 5; i++ {
			require.NoError(t, sched.RunNow(ctx, "check"))
		}
		assert.Equal(t, 5, probe.callCount())

		require.NoError(t, sched.RunNow(ctx, "check"))
		assert.Equal(t, 5, probe.callCount())
	})

	t.Run("delegate dispatch runs through the pool", func(t *testing.T) {
		sched, stores := newTestScheduler(t, nil)
		require.NoError(t, sched.Sync(ctx, []config.CronJobSpec{
			{Name: "report", Schedule: "* * * * *", Skill: "delegate", Action: "write the daily report",
				Model: "local-a", Args: map[string]any{"role": "reporter"}},
		}))

		require.NoError(t, sched.RunNow(ctx, "report"))

		job, err := stores.Cron.GetByName(ctx, "report")
		require.NoError(t, err)
		require.NotNil(t, job.LastRunAt)
		assert.Empty(t, job.LastError)
	})

	t.Run("unknown job", func(t *testing.T) {
		sched, _ := newTestScheduler(t, nil)
		assert.ErrorIs(t, sched.RunNow(ctx, "missing"), store.ErrNotFound)
	})
}

func TestScheduler_GhostPruneLoop(t *testing.T) {
	ctx := context.Background()
	sched, stores := newTestScheduler(t, nil)

	old := time.Now().Add(-20 * time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, stores.Sessions.Create(ctx, &models.Session{
			Type:      models.SessionTypeChat,
			Status:    models.SessionStatusActive,
			CreatedAt: old,
		}))
	}

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	require.Eventually(t, func() bool {
		sessions, _, err := stores.Sessions.List(ctx, store.SessionFilter{})
		return err == nil && len(sessions) == 0
	}, time.Second, 10*time.Millisecond)
}

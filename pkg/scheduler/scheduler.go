// Package scheduler runs recurring work: declarative cron jobs dispatched
// through the skill framework or the agent pool, plus fixed-interval
// maintenance loops for ghost pruning, archive scans and health heartbeats.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/circuit"
	"github.com/aria-platform/aria/pkg/config"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/skill"
	"github.com/aria-platform/aria/pkg/store"
)

// delegateSkill routes a cron job through the agent pool instead of the
// skill registry.
const delegateSkill = "delegate"

// Pinger is the liveness slice of the database client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scheduler owns the cron engine and the background maintenance loops.
type Scheduler struct {
	engine   *cron.Cron
	executor *skill.Executor
	pool     *agentpool.Pool
	sessions *services.SessionService
	jobs     store.CronStore
	pinger   Pinger
	cfg      config.RuntimeConfig
	logger   *slog.Logger

	mu       sync.Mutex
	running  map[string]bool
	entries  map[string]cron.EntryID
	breakers map[string]*circuit.Breaker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. The pinger may be nil, disabling the heartbeat.
func New(executor *skill.Executor, pool *agentpool.Pool, sessions *services.SessionService, jobs store.CronStore, pinger Pinger, cfg config.RuntimeConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:   cron.New(),
		executor: executor,
		pool:     pool,
		sessions: sessions,
		jobs:     jobs,
		pinger:   pinger,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		running:  map[string]bool{},
		entries:  map[string]cron.EntryID{},
		breakers: map[string]*circuit.Breaker{},
		stopCh:   make(chan struct{}),
	}
}

// Sync upserts the declarative job specs into the store. Called at startup
// before Start.
func (s *Scheduler) Sync(ctx context.Context, specs []config.CronJobSpec) error {
	for _, spec := range specs {
		job := &models.CronJob{
			Name:     spec.Name,
			Schedule: spec.Schedule,
			Skill:    spec.Skill,
			Action:   spec.Action,
			Model:    spec.Model,
			Args:     spec.Args,
			Enabled:  spec.IsEnabled(),
		}
		if err := s.jobs.Upsert(ctx, job); err != nil {
			return fmt.Errorf("failed to sync cron job %q: %w", spec.Name, err)
		}
	}
	return nil
}

// Start loads enabled jobs into the cron engine and launches the background
// loops. Idempotent per process lifetime; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cron jobs: %w", err)
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.schedule(job); err != nil {
			s.logger.Error("invalid cron schedule, job skipped",
				"job", job.Name, "schedule", job.Schedule, "error", err)
		}
	}
	s.engine.Start()

	s.spawnLoop("ghost_prune", s.cfg.GhostPruneInterval, s.ghostPrune)
	s.spawnLoop("archive_scan", s.cfg.ArchiveScanEvery, s.archiveScan)
	if s.pinger != nil {
		s.spawnLoop("heartbeat", s.cfg.HeartbeatInterval, s.heartbeat)
	}

	s.logger.Info("scheduler started", "cron_jobs", len(s.entries))
	return nil
}

// Stop halts the cron engine, waits for a running job to finish, and stops
// the background loops.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		stopCtx := s.engine.Stop()
		<-stopCtx.Done()
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	})
}

func (s *Scheduler) schedule(job *models.CronJob) error {
	j := *job
	entryID, err := s.engine.AddFunc(job.Schedule, func() {
		s.runJob(&j)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[job.Name] = entryID
	s.mu.Unlock()
	return nil
}

// runJob executes one fire. A job still running from the previous fire is
// skipped; an open job circuit suspends dispatch until it half-opens.
func (s *Scheduler) runJob(job *models.CronJob) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("previous run still active, skipping fire", "job", job.Name)
		return
	}
	s.running[job.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
	}()

	breaker := s.jobBreaker(job)
	if !breaker.Allow() {
		s.logger.Warn("job circuit open, dispatch suspended", "job", job.Name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = skill.WithCorrelationID(ctx, "cron:"+job.Name)

	ranAt := time.Now()
	err := s.dispatch(ctx, job)
	if err != nil {
		breaker.RecordFailure()
		s.logger.Error("cron job failed", "job", job.Name, "error", err)
	} else {
		breaker.RecordSuccess()
		s.logger.Info("cron job completed", "job", job.Name, "duration", time.Since(ranAt))
	}

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if recErr := s.jobs.RecordRun(ctx, job.ID, ranAt, errText); recErr != nil {
		s.logger.Warn("failed to record cron run", "job", job.Name, "error", recErr)
	}
}

// dispatch routes one fire: delegate jobs go through the agent pool with the
// job's model, everything else through safe-execute.
func (s *Scheduler) dispatch(ctx context.Context, job *models.CronJob) error {
	if job.Skill == delegateSkill {
		task, _ := job.Args["task"].(string)
		if task == "" {
			task = job.Action
		}
		role, _ := job.Args["role"].(string)
		res, err := s.pool.DelegateTask(ctx, agentpool.DelegateRequest{
			Task:  task,
			Role:  role,
			Model: job.Model,
		})
		if err != nil {
			return err
		}
		if res.Status != models.DelegationCompleted {
			return fmt.Errorf("delegation %s: %s", res.Status, res.Result)
		}
		return nil
	}

	args := job.Args
	if job.Model != "" {
		args = make(map[string]any, len(job.Args)+1)
		for k, v := range job.Args {
			args[k] = v
		}
		args["model"] = job.Model
	}
	res := s.executor.SafeExecute(ctx, job.Skill, job.Action, args)
	if !res.OK {
		return fmt.Errorf("skill %s.%s: %s", job.Skill, job.Action, res.Error)
	}
	return nil
}

// jobBreaker guards delegate jobs with their own circuit; skill jobs share
// the skill's breaker so repeated failures suspend every job on that skill.
func (s *Scheduler) jobBreaker(job *models.CronJob) *circuit.Breaker {
	if job.Skill != delegateSkill {
		return s.executor.Breaker(job.Skill)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[job.Name]
	if !ok {
		b = circuit.NewBreaker()
		s.breakers[job.Name] = b
	}
	return b
}

// spawnLoop runs fn on a fixed interval in a supervised goroutine. A panic
// is logged and the loop restarts after one interval.
func (s *Scheduler) spawnLoop(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if done := s.loopOnce(name, interval, fn); done {
				return
			}
		}
	}()
}

// loopOnce drives the ticker until shutdown or panic. Returning true means
// the scheduler is stopping; false means restart after a panic.
func (s *Scheduler) loopOnce(name string, interval time.Duration, fn func(ctx context.Context)) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background loop panicked, restarting", "loop", name, "panic", r)
			select {
			case <-s.stopCh:
				done = true
			case <-time.After(interval):
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return true
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			fn(ctx)
			cancel()
		}
	}
}

func (s *Scheduler) ghostPrune(ctx context.Context) {
	deleted, err := s.sessions.DeleteGhostSessions(ctx, s.cfg.GhostTTL)
	if err != nil {
		s.logger.Error("ghost prune failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("ghost prune", "deleted", deleted)
	}
}

func (s *Scheduler) archiveScan(ctx context.Context) {
	res, err := s.sessions.PruneOldSessions(ctx, s.cfg.ArchiveScanDays, false)
	if err != nil {
		s.logger.Error("archive scan failed", "error", err)
		return
	}
	if res.Archived > 0 {
		s.logger.Info("archive scan", "archived", res.Archived)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Error("heartbeat: database unreachable", "error", err)
		return
	}
	s.logger.Debug("heartbeat ok")
}

// Jobs lists the persisted job definitions with their next fire time.
func (s *Scheduler) Jobs(ctx context.Context) ([]*models.CronJob, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if entryID, ok := s.entries[job.Name]; ok {
			next := s.engine.Entry(entryID).Next
			if !next.IsZero() {
				t := next
				job.NextRun = &t
			}
		}
	}
	return jobs, nil
}

// RunNow fires one job immediately, bypassing its schedule but honoring the
// no-overlap mutex and breaker. Exposed on the admin surface.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job, err := s.jobs.GetByName(ctx, name)
	if err != nil {
		return err
	}
	s.runJob(job)
	return nil
}

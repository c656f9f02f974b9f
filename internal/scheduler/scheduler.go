// Package scheduler runs the control plane's periodic maintenance tasks —
// escalation timeout sweeping and soft-deleted intent cleanup — exactly once
// across a fleet of running instances via a KV-backed leader lease.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/intentgovern/controlplane/internal/app/core/service"
	"github.com/intentgovern/controlplane/infrastructure/logging"
	"github.com/intentgovern/controlplane/pkg/clock"
)

const leaderKey = "scheduler:leader"

// Config controls cron expressions, lease timing, and the cleanup retention
// window. All cron expressions are standard 5-field (minute hour dom month
// dow).
type Config struct {
	TimeoutSweepCron string
	CleanupCron      string
	SweepLimit       int
	CleanupRetention time.Duration

	LeaseDuration   time.Duration
	RenewInterval   time.Duration
	ProbeInterval   time.Duration
}

// DefaultConfig matches §4.7: timeout sweep every 5 minutes, cleanup nightly.
func DefaultConfig() Config {
	return Config{
		TimeoutSweepCron: "*/5 * * * *",
		CleanupCron:      "0 2 * * *",
		SweepLimit:       100,
		CleanupRetention: 30 * 24 * time.Hour,
		LeaseDuration:    20 * time.Second,
		RenewInterval:    7 * time.Second,
		ProbeInterval:    5 * time.Second,
	}
}

// Locker is the subset of the KV adapter the scheduler needs to run a
// CAS-style lease: acquire with SetNX, renew or release with a token
// comparison against Get.
type Locker interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// TimeoutSweeper processes due escalations. Implemented by escalation.Service.
type TimeoutSweeper interface {
	ProcessTimeouts(ctx context.Context, limit int) (int, error)
}

// DeletedPurger purges soft-deleted intents past the retention window.
// Implemented by intent.Service.
type DeletedPurger interface {
	PurgeDeleted(ctx context.Context, retention time.Duration) (int64, error)
}

// Scheduler owns two cron-expressed tasks and the leader election loop that
// gates which instance in a fleet actually runs them. Tasks are created in a
// stopped state: the underlying cron.Cron is only started after this
// instance wins the lease, and is stopped the moment it loses it.
type Scheduler struct {
	sweeper TimeoutSweeper
	purger  DeletedPurger
	locker  Locker
	clock   clock.Source
	cfg     Config
	log     *logging.Logger

	token string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	leading bool
	cron    *cron.Cron
}

// New wires the scheduler. A nil logger falls back to the service's default.
func New(sweeper TimeoutSweeper, purger DeletedPurger, locker Locker, clk clock.Source, cfg Config, log *logging.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.NewFromEnv("scheduler")
	}
	return &Scheduler{
		sweeper: sweeper,
		purger:  purger,
		locker:  locker,
		clock:   clk,
		cfg:     cfg,
		log:     log,
	}
}

// Name satisfies internal/app/system.Service so the scheduler can be
// registered with the process-wide lifecycle registry alongside any
// other long-running component.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor advertises the scheduler's architectural placement.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "scheduler",
		Domain:       "governance",
		Layer:        core.LayerEngine,
		Capabilities: []string{"leader-election", "timeout-sweep", "cleanup"},
	}
}

// Start launches the leader-election loop in the background. It returns
// immediately; the cron tasks only begin running once (and if) this instance
// acquires leadership.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.token = fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63())
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.electionLoop(runCtx)
	}()

	s.log.Info(ctx, "scheduler started", nil)
	return nil
}

// Stop halts the election loop, stops the cron runner if leading, and
// releases the lease if held.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.releaseLeadership(context.Background())
	s.log.Info(ctx, "scheduler stopped", nil)
	return nil
}

// electionLoop alternates between probing for leadership (as a follower) and
// holding it with periodic lease renewal (as leader), until ctx is cancelled.
func (s *Scheduler) electionLoop(ctx context.Context) {
	probe := time.NewTicker(s.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		if s.tryAcquire(ctx) {
			s.runAsLeader(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-probe.C:
		}
	}
}

func (s *Scheduler) tryAcquire(ctx context.Context) bool {
	ok, err := s.locker.SetNX(ctx, leaderKey, s.token, s.cfg.LeaseDuration)
	if err != nil {
		s.log.WithError(err).Warn("scheduler leader acquisition failed")
		return false
	}
	if ok {
		s.mu.Lock()
		s.leading = true
		s.mu.Unlock()
		s.log.LogAudit(ctx, "leader.acquired", "scheduler", s.token, "success")
	}
	return ok
}

// runAsLeader starts the cron runner and holds the lease with periodic
// renewal until it's lost (or ctx is cancelled), then stops the runner.
func (s *Scheduler) runAsLeader(ctx context.Context) {
	leaderCtx, stopLeading := context.WithCancel(ctx)
	defer stopLeading()

	s.startCron(leaderCtx)
	defer s.stopCron()

	renew := time.NewTicker(s.cfg.RenewInterval)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			if !s.renewLease(ctx) {
				s.mu.Lock()
				s.leading = false
				s.mu.Unlock()
				s.log.LogAudit(ctx, "leader.lost", "scheduler", s.token, "failure")
				return
			}
		}
	}
}

// renewLease extends the lease only if this instance still owns it — a plain
// Get-then-Set compare, not atomic, but the window is small relative to the
// lease and a lost race just means losing leadership a cycle early, which is
// safe: the cron runner stops either way.
func (s *Scheduler) renewLease(ctx context.Context) bool {
	held, err := s.locker.Get(ctx, leaderKey)
	if err != nil || held != s.token {
		return false
	}
	if err := s.locker.Set(ctx, leaderKey, s.token, s.cfg.LeaseDuration); err != nil {
		s.log.WithError(err).Warn("scheduler lease renewal failed")
		return false
	}
	return true
}

func (s *Scheduler) releaseLeadership(ctx context.Context) {
	s.mu.Lock()
	leading := s.leading
	s.leading = false
	s.mu.Unlock()
	if !leading {
		return
	}
	if err := s.locker.Delete(ctx, leaderKey); err != nil {
		s.log.WithError(err).Warn("scheduler lease release failed")
	}
}

func (s *Scheduler) startCron(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.TimeoutSweepCron, func() { s.runTimeoutSweep(ctx) })
	if err != nil {
		s.log.WithError(err).Error(ctx, "invalid timeout sweep cron expression", nil)
	}
	_, err = c.AddFunc(s.cfg.CleanupCron, func() { s.runCleanup(ctx) })
	if err != nil {
		s.log.WithError(err).Error(ctx, "invalid cleanup cron expression", nil)
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	s.log.LogAudit(ctx, "cron.started", "scheduler", s.token, "success")
}

func (s *Scheduler) stopCron() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (s *Scheduler) runTimeoutSweep(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := s.clock.Now()
	swept, err := s.sweeper.ProcessTimeouts(runCtx, s.cfg.SweepLimit)
	s.log.LogPerformance(ctx, "scheduler.timeout_sweep", map[string]interface{}{
		"swept":       swept,
		"duration_ms": s.clock.Now().Sub(start).Milliseconds(),
	})
	if err != nil {
		s.log.WithError(err).Warn("timeout sweep failed")
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if s.purger == nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := s.clock.Now()
	purged, err := s.purger.PurgeDeleted(runCtx, s.cfg.CleanupRetention)
	s.log.LogPerformance(ctx, "scheduler.cleanup", map[string]interface{}{
		"purged":      purged,
		"duration_ms": s.clock.Now().Sub(start).Milliseconds(),
	})
	if err != nil {
		s.log.WithError(err).Warn("cleanup purge failed")
	}
}

// IsLeading reports whether this instance currently holds the scheduler
// lease. Exposed for health/readiness reporting by the (out-of-scope) HTTP
// transport layer.
func (s *Scheduler) IsLeading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leading
}

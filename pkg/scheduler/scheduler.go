// Package scheduler enqueues the recurring background jobs: migration
// sweeps over exited spot instances, auto-stop passes over idle ones and
// the optional periodic upstream sync. The actual work happens in the
// worker; the scheduler only decides when a job is due.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/types"
)

// Config tunes the recurring schedule. A zero interval disables the
// corresponding job.
type Config struct {
	MigrationInterval time.Duration // between sweep enqueues
	AutoStopInterval  time.Duration // between auto-stop passes
	SyncInterval      time.Duration // between periodic syncs, 0 disables
	TickInterval      time.Duration // scheduler resolution, default 30s
	Enabled           bool
	DryRun            bool // propagated into sweep and auto-stop jobs
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		MigrationInterval: time.Hour,
		AutoStopInterval:  5 * time.Minute,
		TickInterval:      30 * time.Second,
		Enabled:           true,
	}
}

// Status is a point-in-time snapshot of the scheduler
type Status struct {
	Running          bool      `json:"isRunning"`
	Enabled          bool      `json:"isEnabled"`
	LastExecution    time.Time `json:"lastExecution,omitempty"`
	NextExecution    time.Time `json:"nextExecution,omitempty"`
	TotalExecutions  int       `json:"totalExecutions"`
	FailedExecutions int       `json:"failedExecutions"`
	UptimeMs         int64     `json:"uptime"`
	CurrentJobID     string    `json:"currentJobId,omitempty"`
}

// Scheduler drives the recurring job schedule
type Scheduler struct {
	cfg    Config
	queue  *queue.Queue
	logger zerolog.Logger

	mu        sync.RWMutex
	startedAt time.Time
	running   bool
	status    Status
	lastRun   map[types.JobType]time.Time
	lastJob   map[types.JobType]string
	lastSync  time.Time
	syncFn    func(context.Context) error

	stopCh   chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once
}

// New creates a scheduler over the queue
func New(cfg Config, q *queue.Queue) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		queue:   q,
		logger:  log.WithComponent("scheduler"),
		lastRun: make(map[types.JobType]time.Time),
		lastJob: make(map[types.JobType]string),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// OnSync installs the periodic sync callback. Must be set before Start.
func (s *Scheduler) OnSync(fn func(context.Context) error) {
	s.syncFn = fn
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.logger.Info().Msg("scheduler disabled")
			s.doneOnce.Do(func() { close(s.doneCh) })
		}
		return
	}
	s.running = true
	s.startedAt = time.Now().UTC()
	go s.run()
}

// Shutdown stops the loop and waits up to timeout for the current tick
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler did not stop within %s", timeout)
	}
}

func (s *Scheduler) run() {
	defer s.doneOnce.Do(func() { close(s.doneCh) })
	s.logger.Info().Dur("tick", s.cfg.TickInterval).Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(context.Background())
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler stopped")
			return
		}
	}
}

// Tick evaluates the schedule once. Exposed so the routing layer can
// trigger an immediate evaluation.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	failed := false

	if s.due(types.JobMigrateSpotInstances, s.cfg.MigrationInterval, now) {
		if err := s.enqueue(ctx, types.JobMigrateSpotInstances,
			types.MigrateSweepPayload{DryRun: s.cfg.DryRun}, "migrate-sweep", now); err != nil {
			failed = true
		}
	}
	if s.due(types.JobAutoStop, s.cfg.AutoStopInterval, now) {
		if err := s.enqueue(ctx, types.JobAutoStop,
			types.AutoStopPayload{DryRun: s.cfg.DryRun}, "auto-stop", now); err != nil {
			failed = true
		}
	}

	if s.syncDue(now) {
		if err := s.syncFn(ctx); err != nil {
			s.logger.Error().Err(err).Msg("periodic sync failed")
			failed = true
		}
		s.mu.Lock()
		s.lastSync = now
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.status.LastExecution = now
	s.status.NextExecution = now.Add(s.cfg.TickInterval)
	s.status.TotalExecutions++
	if failed {
		s.status.FailedExecutions++
	}
	s.mu.Unlock()
}

func (s *Scheduler) syncDue(now time.Time) bool {
	if s.cfg.SyncInterval <= 0 || s.syncFn == nil {
		return false
	}
	s.mu.RLock()
	last := s.lastSync
	s.mu.RUnlock()
	return last.IsZero() || now.Sub(last) >= s.cfg.SyncInterval
}

// due reports whether the job's interval has elapsed and its previous
// enqueue is no longer in flight. Dedupe keys collapse pending
// duplicates; the in-flight check keeps a slow run from stacking a
// second one behind it.
func (s *Scheduler) due(jobType types.JobType, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return false
	}

	s.mu.RLock()
	last := s.lastRun[jobType]
	lastJobID := s.lastJob[jobType]
	s.mu.RUnlock()

	if !last.IsZero() && now.Sub(last) < interval {
		return false
	}
	if lastJobID != "" {
		job, err := s.queue.Get(context.Background(), lastJobID)
		if err == nil && (job.Status == types.JobPending || job.Status == types.JobProcessing) {
			return false
		}
	}
	return true
}

func (s *Scheduler) enqueue(ctx context.Context, jobType types.JobType, payload interface{}, dedupe string, now time.Time) error {
	job, err := s.queue.Enqueue(ctx, jobType, payload, queue.EnqueueOptions{
		Priority:  1,
		DedupeKey: dedupe,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(jobType)).Msg("failed to enqueue scheduled job")
		return err
	}

	s.mu.Lock()
	s.lastRun[jobType] = now
	s.lastJob[jobType] = job.ID
	s.status.CurrentJobID = job.ID
	s.mu.Unlock()

	s.logger.Debug().Str("type", string(jobType)).Str("job_id", job.ID).Msg("scheduled job enqueued")
	return nil
}

// Status returns a snapshot of the scheduler state
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.status
	st.Running = s.running
	st.Enabled = s.cfg.Enabled
	if s.running {
		st.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	return st
}

// Healthy reports false once half or more of the evaluations failed
func (s *Scheduler) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status.TotalExecutions == 0 {
		return true
	}
	ratio := float64(s.status.FailedExecutions) / float64(s.status.TotalExecutions)
	return ratio < 0.5
}

// Package worker drives background jobs. A single long-lived loop claims
// jobs from the persistent queue and dispatches them to registered
// handlers with a per-job timeout. Handlers are idempotent: a job killed
// mid-flight is reclaimed and re-run after restart.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/types"
)

// Handler executes one job. A nil return completes the job; an error
// reschedules or fails it per the queue's retry policy.
type Handler func(ctx context.Context, job *types.Job) error

// RescheduleError signals that the handler wants the same job to run
// again after a delay. The worker requeues the job with a fresh attempt
// budget instead of completing or failing it.
type RescheduleError struct {
	After time.Duration
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule in %s", e.After)
}

// Reschedule is the error a handler returns to run its job again after
// the given delay
func Reschedule(after time.Duration) error {
	return &RescheduleError{After: after}
}

// Config tunes the worker loop
type Config struct {
	PollInterval time.Duration // idle wait between empty claims
	JobTimeout   time.Duration // per-job handler deadline
}

// Worker claims and executes jobs
type Worker struct {
	queue    *queue.Queue
	cfg      Config
	handlers map[types.JobType]Handler
	logger   zerolog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// New creates a worker over the queue
func New(q *queue.Queue, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	return &Worker{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[types.JobType]Handler),
		logger:   log.WithComponent("worker"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register installs the handler for a job type. Must be called before
// Start.
func (w *Worker) Register(jobType types.JobType, handler Handler) {
	w.handlers[jobType] = handler
}

// Start launches the claim loop
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// Shutdown stops claiming and waits up to timeout for the in-flight job.
// A job that outlives the grace window stays in processing and is
// reclaimed on next startup.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker did not drain within %s", timeout)
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)
	w.logger.Info().Msg("worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info().Msg("worker stopped")
			return
		default:
		}

		job, err := w.queue.Claim(context.Background())
		if err != nil {
			w.logger.Error().Err(err).Msg("claim failed")
			w.idle()
			continue
		}
		if job == nil {
			w.idle()
			continue
		}
		w.execute(job)
	}
}

func (w *Worker) idle() {
	select {
	case <-w.stopCh:
	case <-time.After(w.cfg.PollInterval):
	}
}

func (w *Worker) execute(job *types.Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.logger.Error().Str("job_id", job.ID).Str("type", string(job.Type)).
			Msg("no handler registered")
		w.fail(job, fmt.Errorf("no handler for job type %s", job.Type))
		return
	}

	logger := w.logger.With().Str("job_id", job.ID).Str("type", string(job.Type)).
		Int("attempt", job.Attempts).Logger()
	logger.Info().Msg("job started")

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := handler(ctx, job)
	took := time.Since(start)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(took.Seconds())

	var resched *RescheduleError
	if errors.As(err, &resched) {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "rescheduled").Inc()
		logger.Debug().Dur("after", resched.After).Msg("job rescheduled by handler")
		if err := w.queue.Requeue(context.Background(), job, time.Now().UTC().Add(resched.After)); err != nil {
			logger.Error().Err(err).Msg("failed to requeue job")
		}
		return
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("handler exceeded %s: %w", w.cfg.JobTimeout, errdefs.ErrJobTimeout)
		}
		logger.Warn().Err(err).Dur("took", took).Msg("job handler failed")
		w.fail(job, err)
		return
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Type), "success").Inc()
	if err := w.queue.Complete(context.Background(), job); err != nil {
		logger.Error().Err(err).Msg("failed to complete job")
	}
}

func (w *Worker) fail(job *types.Job, jobErr error) {
	metrics.JobsProcessed.WithLabelValues(string(job.Type), "error").Inc()
	if err := w.queue.Fail(context.Background(), job, jobErr); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record job failure")
	}
}

// Package queue is the persistent background job queue. Jobs survive
// restarts in the shared store; ordering is by priority, then by earliest
// nextRunAt, then by creation time. Failed attempts reschedule with
// exponential backoff until maxAttempts is exhausted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

// Store key layout. Job records are JSON strings; the status indexes are
// sets, except completed which is a sorted set scored by completion time
// so it can be trimmed oldest-first.
const (
	keyJobPrefix = "jobs:"
	keyPending   = "jobs:pending"
	keyProcess   = "jobs:processing"
	keyFailed    = "jobs:failed"
	keyCompleted = "jobs:completed"
)

const (
	// DefaultMaxAttempts is applied when an enqueue does not specify one
	DefaultMaxAttempts = 3

	// defaultBackoffBase seeds the exponential retry delay
	defaultBackoffBase = 5 * time.Second

	// completedLimit caps the completed index; older entries are trimmed
	completedLimit = 1000

	// completedTTL bounds how long finished job records stay readable
	completedTTL = 24 * time.Hour
)

// EnqueueOptions tunes a single enqueue
type EnqueueOptions struct {
	Priority    int       // higher runs first
	MaxAttempts int       // 0 means DefaultMaxAttempts
	RunAt       time.Time // zero means immediately
	DedupeKey   string    // collapses onto an equal pending or processing job
}

// Queue is the persistent job queue. A single process owns consumption,
// so claim atomicity is an in-process mutex rather than a store-side
// compare-and-swap.
type Queue struct {
	store       storage.Store
	backoffBase time.Duration
	logger      zerolog.Logger

	mu sync.Mutex // serializes Claim against concurrent workers
}

// New creates a queue over the given store
func New(store storage.Store) *Queue {
	return &Queue{
		store:       store,
		backoffBase: defaultBackoffBase,
		logger:      log.WithComponent("queue"),
	}
}

func jobKey(id string) string { return keyJobPrefix + id }

// Enqueue persists a new job and indexes it as pending. When a dedupe key
// is given and an equal non-completed job already exists, pending or
// still processing, that job is returned instead of creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, opts EnqueueOptions) (*types.Job, error) {
	if opts.DedupeKey != "" {
		existing, err := q.findActiveByDedupeKey(ctx, opts.DedupeKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			q.logger.Debug().Str("job_id", existing.ID).Str("dedupe_key", opts.DedupeKey).
				Msg("enqueue collapsed onto active job")
			return existing, nil
		}
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job payload: %w", err)
		}
		raw = data
	}

	now := time.Now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	job := &types.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		Priority:    opts.Priority,
		Status:      types.JobPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		DedupeKey:   opts.DedupeKey,
	}

	if err := q.writeJob(ctx, job, 0); err != nil {
		return nil, err
	}
	if err := q.store.SAdd(ctx, keyPending, job.ID); err != nil {
		return nil, err
	}

	q.logger.Info().Str("job_id", job.ID).Str("type", string(jobType)).
		Int("priority", job.Priority).Msg("job enqueued")
	return job, nil
}

// Claim atomically takes the most urgent runnable pending job: highest
// priority first, then earliest nextRunAt, then earliest createdAt.
// Returns nil when nothing is runnable.
func (q *Queue) Claim(ctx context.Context) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := q.loadSet(ctx, keyPending)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var best *types.Job
	for _, job := range jobs {
		if job.NextRunAt.After(now) {
			continue
		}
		if best == nil || moreUrgent(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = types.JobProcessing
	best.Attempts++
	best.StartedAt = now
	if err := q.writeJob(ctx, best, 0); err != nil {
		return nil, err
	}
	if err := q.store.SRem(ctx, keyPending, best.ID); err != nil {
		return nil, err
	}
	if err := q.store.SAdd(ctx, keyProcess, best.ID); err != nil {
		return nil, err
	}
	return best, nil
}

func moreUrgent(a, b *types.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NextRunAt.Equal(b.NextRunAt) {
		return a.NextRunAt.Before(b.NextRunAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Complete marks a claimed job done and trims the completed index
func (q *Queue) Complete(ctx context.Context, job *types.Job) error {
	now := time.Now().UTC()
	job.Status = types.JobCompleted
	job.CompletedAt = now
	job.LastError = ""

	if err := q.writeJob(ctx, job, completedTTL); err != nil {
		return err
	}
	if err := q.store.SRem(ctx, keyProcess, job.ID); err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, keyCompleted, float64(now.UnixMilli()), job.ID); err != nil {
		return err
	}

	count, err := q.store.ZCard(ctx, keyCompleted)
	if err != nil {
		return err
	}
	if count > completedLimit {
		if err := q.store.ZRemRangeByRank(ctx, keyCompleted, 0, count-completedLimit-1); err != nil {
			return err
		}
	}

	q.logger.Info().Str("job_id", job.ID).Str("type", string(job.Type)).
		Dur("took", now.Sub(job.StartedAt)).Msg("job completed")
	return nil
}

// Fail records a failed attempt. With attempts left the job reschedules
// as pending at now + backoffBase * 2^(attempts-1) with up to 10% jitter;
// otherwise it lands in the failed index for inspection.
func (q *Queue) Fail(ctx context.Context, job *types.Job, jobErr error) error {
	job.LastError = jobErr.Error()

	if err := q.store.SRem(ctx, keyProcess, job.ID); err != nil {
		return err
	}

	if job.Attempts < job.MaxAttempts {
		delay := q.retryDelay(job.Attempts)
		job.Status = types.JobPending
		job.NextRunAt = time.Now().UTC().Add(delay)
		if err := q.writeJob(ctx, job, 0); err != nil {
			return err
		}
		if err := q.store.SAdd(ctx, keyPending, job.ID); err != nil {
			return err
		}
		q.logger.Warn().Str("job_id", job.ID).Str("type", string(job.Type)).
			Int("attempt", job.Attempts).Dur("retry_in", delay).Err(jobErr).
			Msg("job attempt failed, rescheduled")
		return nil
	}

	job.Status = types.JobFailed
	job.CompletedAt = time.Now().UTC()
	if err := q.writeJob(ctx, job, 0); err != nil {
		return err
	}
	if err := q.store.SAdd(ctx, keyFailed, job.ID); err != nil {
		return err
	}
	q.logger.Error().Str("job_id", job.ID).Str("type", string(job.Type)).
		Int("attempts", job.Attempts).Err(jobErr).Msg("job failed permanently")
	return nil
}

// Requeue puts a claimed job back in pending to run again at runAt. The
// attempt counter resets: a deliberate follow-up run is not a retry.
func (q *Queue) Requeue(ctx context.Context, job *types.Job, runAt time.Time) error {
	job.Status = types.JobPending
	job.Attempts = 0
	job.NextRunAt = runAt
	if err := q.writeJob(ctx, job, 0); err != nil {
		return err
	}
	if err := q.store.SRem(ctx, keyProcess, job.ID); err != nil {
		return err
	}
	if err := q.store.SAdd(ctx, keyPending, job.ID); err != nil {
		return err
	}
	q.logger.Debug().Str("job_id", job.ID).Str("type", string(job.Type)).
		Time("run_at", runAt).Msg("job requeued")
	return nil
}

func (q *Queue) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.backoffBase << uint(attempts-1)
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// Get loads one job by ID
func (q *Queue) Get(ctx context.Context, jobID string) (*types.Job, error) {
	raw, err := q.store.Get(ctx, jobKey(jobID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.NotFoundf("job %s", jobID)
		}
		return nil, err
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", jobID, err)
	}
	return &job, nil
}

// Stats returns queue depth by status
func (q *Queue) Stats(ctx context.Context) (*types.QueueStats, error) {
	pending, err := q.store.SMembers(ctx, keyPending)
	if err != nil {
		return nil, err
	}
	processing, err := q.store.SMembers(ctx, keyProcess)
	if err != nil {
		return nil, err
	}
	failed, err := q.store.SMembers(ctx, keyFailed)
	if err != nil {
		return nil, err
	}
	completed, err := q.store.ZCard(ctx, keyCompleted)
	if err != nil {
		return nil, err
	}
	return &types.QueueStats{
		Pending:    len(pending),
		Processing: len(processing),
		Completed:  int(completed),
		Failed:     len(failed),
	}, nil
}

// RecoverProcessing requeues jobs stranded in processing by a previous
// process. Called once at startup before workers begin claiming.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	jobs, err := q.loadSet(ctx, keyProcess)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		job.Status = types.JobPending
		job.NextRunAt = time.Now().UTC()
		if err := q.writeJob(ctx, job, 0); err != nil {
			return 0, err
		}
		if err := q.store.SRem(ctx, keyProcess, job.ID); err != nil {
			return 0, err
		}
		if err := q.store.SAdd(ctx, keyPending, job.ID); err != nil {
			return 0, err
		}
		q.logger.Warn().Str("job_id", job.ID).Str("type", string(job.Type)).
			Msg("requeued job stranded in processing")
	}
	return len(jobs), nil
}

func (q *Queue) writeJob(ctx context.Context, job *types.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return q.store.Set(ctx, jobKey(job.ID), string(data), ttl)
}

// loadSet reads all jobs indexed in a status set, dropping members whose
// record has disappeared
func (q *Queue) loadSet(ctx context.Context, setKey string) ([]*types.Job, error) {
	ids, err := q.store.SMembers(ctx, setKey)
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				q.logger.Warn().Str("job_id", id).Str("set", setKey).
					Msg("dropping dangling job index entry")
				if remErr := q.store.SRem(ctx, setKey, id); remErr != nil {
					return nil, remErr
				}
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) findActiveByDedupeKey(ctx context.Context, key string) (*types.Job, error) {
	for _, setKey := range []string{keyPending, keyProcess} {
		jobs, err := q.loadSet(ctx, setKey)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if job.DedupeKey == key {
				return job, nil
			}
		}
	}
	return nil, nil
}

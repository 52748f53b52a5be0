package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

func newTestQueue() *Queue {
	q := New(storage.NewMemoryStore())
	q.backoffBase = time.Millisecond
	return q
}

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	job, err := q.Enqueue(ctx, types.JobMonitorInstance, types.MonitorInstancePayload{InstanceID: "i1"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, types.JobProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// Nothing else is runnable
	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClaimOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	low, err := q.Enqueue(ctx, types.JobAutoStop, nil, EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, types.JobMigrateSpotInstances, nil, EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, claimed.ID, "higher priority claims first")

	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, claimed.ID)
}

func TestClaimRespectsNextRunAt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	_, err := q.Enqueue(ctx, types.JobAutoStop, nil, EnqueueOptions{RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "future jobs are not runnable")
}

func TestDedupeCollapsesPending(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	first, err := q.Enqueue(ctx, types.JobMigrateSpotInstances, nil, EnqueueOptions{DedupeKey: "migrate-sweep"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, types.JobMigrateSpotInstances, nil, EnqueueOptions{DedupeKey: "migrate-sweep"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	// The key keeps deduping while the job is being processed
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, types.JobMigrateSpotInstances, nil, EnqueueOptions{DedupeKey: "migrate-sweep"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID, "a processing job is still not completed")

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Processing)

	// Only a finished job frees the key
	require.NoError(t, q.Complete(ctx, claimed))
	fourth, err := q.Enqueue(ctx, types.JobMigrateSpotInstances, nil, EnqueueOptions{DedupeKey: "migrate-sweep"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fourth.ID)
}

func TestRequeueResetsAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	_, err := q.Enqueue(ctx, types.JobMonitorInstance, nil, EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	runAt := time.Now().UTC().Add(time.Hour)
	require.NoError(t, q.Requeue(ctx, job, runAt))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, got.Status)
	assert.Equal(t, 0, got.Attempts, "a planned follow-up is not a retry")
	assert.True(t, got.NextRunAt.Equal(runAt))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Processing)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "requeued job waits for its run time")
}

func TestCompleteMovesToCompletedIndex(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	_, err := q.Enqueue(ctx, types.JobSendWebhook, nil, EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStats{Completed: 1}, *stats)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestFailReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	_, err := q.Enqueue(ctx, types.JobMonitorInstance, nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("upstream hiccup")))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, got.Status)
	assert.Equal(t, "upstream hiccup", got.LastError)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))

	// Second failure exhausts maxAttempts
	time.Sleep(5 * time.Millisecond)
	job, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, job, errors.New("still broken")))

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

func TestRecoverProcessing(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	_, err := q.Enqueue(ctx, types.JobMonitorStartup, nil, EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)

	// Simulate a crash: the job is stranded in processing
	n, err := q.RecoverProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestRetryDelayGrowsExponentially(t *testing.T) {
	q := newTestQueue()
	q.backoffBase = time.Second

	d1 := q.retryDelay(1)
	d2 := q.retryDelay(2)
	d3 := q.retryDelay(3)

	assert.GreaterOrEqual(t, d1, time.Second)
	assert.Less(t, d1, 1200*time.Millisecond)
	assert.GreaterOrEqual(t, d2, 2*time.Second)
	assert.GreaterOrEqual(t, d3, 4*time.Second)
}

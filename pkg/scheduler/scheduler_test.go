package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

func newTestScheduler(cfg Config) (*Scheduler, *queue.Queue) {
	q := queue.New(storage.NewMemoryStore())
	return New(cfg, q), q
}

func TestTickEnqueuesDueJobs(t *testing.T) {
	s, q := newTestScheduler(Config{
		MigrationInterval: time.Hour,
		AutoStopInterval:  5 * time.Minute,
		Enabled:           true,
	})
	ctx := context.Background()

	s.Tick(ctx)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending, "sweep and auto-stop both due on first tick")

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	second, err := q.Claim(ctx)
	require.NoError(t, err)
	got := []types.JobType{first.Type, second.Type}
	assert.ElementsMatch(t, []types.JobType{types.JobMigrateSpotInstances, types.JobAutoStop}, got)
}

func TestTickRespectsIntervals(t *testing.T) {
	s, q := newTestScheduler(Config{
		MigrationInterval: time.Hour,
		AutoStopInterval:  time.Hour,
		Enabled:           true,
	})
	ctx := context.Background()

	s.Tick(ctx)
	// Drain so dedupe cannot be what suppresses the second enqueue
	for {
		job, err := q.Claim(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		require.NoError(t, q.Complete(ctx, job))
	}

	s.Tick(ctx)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending, "intervals have not elapsed")
}

func TestTickSkipsInFlightJob(t *testing.T) {
	s, q := newTestScheduler(Config{
		MigrationInterval: time.Millisecond,
		Enabled:           true,
	})
	ctx := context.Background()

	s.Tick(ctx)
	time.Sleep(5 * time.Millisecond)

	// Previous sweep still pending: interval elapsed but nothing stacks
	s.Tick(ctx)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestZeroIntervalDisablesJob(t *testing.T) {
	s, q := newTestScheduler(Config{AutoStopInterval: time.Minute, Enabled: true})
	ctx := context.Background()

	s.Tick(ctx)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobAutoStop, job.Type)

	job, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "migration disabled by zero interval")
}

func TestStatusTracksExecutions(t *testing.T) {
	s, _ := newTestScheduler(Config{AutoStopInterval: time.Minute, Enabled: true})
	ctx := context.Background()

	assert.True(t, s.Healthy())
	s.Tick(ctx)
	s.Tick(ctx)

	st := s.Status()
	assert.Equal(t, 2, st.TotalExecutions)
	assert.Equal(t, 0, st.FailedExecutions)
	assert.False(t, st.LastExecution.IsZero())
	assert.True(t, s.Healthy())
}

func TestPeriodicSyncCallback(t *testing.T) {
	s, _ := newTestScheduler(Config{SyncInterval: time.Hour, Enabled: true})
	ctx := context.Background()

	calls := 0
	s.OnSync(func(ctx context.Context) error {
		calls++
		return nil
	})

	s.Tick(ctx)
	s.Tick(ctx)
	assert.Equal(t, 1, calls, "second tick inside the interval does not re-sync")
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestScheduler(Config{
		AutoStopInterval: time.Minute,
		TickInterval:     10 * time.Millisecond,
		Enabled:          true,
	})

	s.Start()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown(time.Second))

	st := s.Status()
	assert.False(t, st.Running)
	assert.Greater(t, st.TotalExecutions, 0)
}

func TestDisabledSchedulerDoesNotRun(t *testing.T) {
	s, q := newTestScheduler(Config{AutoStopInterval: time.Millisecond, Enabled: false})

	s.Start()
	time.Sleep(20 * time.Millisecond)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.False(t, s.Status().Running)
	require.NoError(t, s.Shutdown(time.Second))
}

func TestDisabledSchedulerStartIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(Config{AutoStopInterval: time.Minute, Enabled: false})

	s.Start()
	s.Start()
	require.NoError(t, s.Shutdown(time.Second))
}

package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-io/paddock/pkg/cache"
	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/health"
	"github.com/paddock-io/paddock/pkg/instance"
	"github.com/paddock-io/paddock/pkg/migration"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/paddock-io/paddock/pkg/webhook"
)

// recordingQueue captures enqueued jobs instead of persisting them
type recordingQueue struct {
	mu      sync.Mutex
	entries []enqueued
}

type enqueued struct {
	Type    types.JobType
	Payload interface{}
	Opts    queue.EnqueueOptions
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, opts queue.EnqueueOptions) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, enqueued{Type: jobType, Payload: payload, Opts: opts})
	return &types.Job{ID: "queued", Type: jobType}, nil
}

func (q *recordingQueue) byType(jobType types.JobType) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, e := range q.entries {
		if e.Type == jobType {
			out = append(out, e)
		}
	}
	return out
}

func (q *recordingQueue) webhookStatuses() []types.WebhookStatus {
	var out []types.WebhookStatus
	for _, e := range q.byType(types.JobSendWebhook) {
		out = append(out, e.Payload.(types.SendWebhookPayload).Payload.Status)
	}
	return out
}

// stubUpstream satisfies both the instance service and the migration
// engine views of the provider adapter
type stubUpstream struct {
	mu           sync.Mutex
	instances    map[string]*novita.Instance
	listed       []novita.Instance
	stopCalls    []string
	migrateCalls []string
}

func (u *stubUpstream) GetOptimalProduct(ctx context.Context, name, region string) (*types.Product, string, error) {
	return &types.Product{ID: "prod-1", Region: region}, region, nil
}

func (u *stubUpstream) GetTemplate(ctx context.Context, templateID string) (*types.Template, error) {
	return &types.Template{ID: templateID, ImageURL: "image:tag"}, nil
}

func (u *stubUpstream) GetRegistryAuth(ctx context.Context, authID string) (*types.RegistryAuth, error) {
	return &types.RegistryAuth{ID: authID}, nil
}

func (u *stubUpstream) CreateInstance(ctx context.Context, req novita.CreateInstanceRequest) (string, error) {
	return "created-id", nil
}

func (u *stubUpstream) GetInstance(ctx context.Context, upstreamID string) (*novita.Instance, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if inst, ok := u.instances[upstreamID]; ok {
		return inst, nil
	}
	return nil, errdefs.NotFoundf("instance %s", upstreamID)
}

func (u *stubUpstream) StartInstance(ctx context.Context, upstreamID string) error { return nil }

func (u *stubUpstream) StopInstance(ctx context.Context, upstreamID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopCalls = append(u.stopCalls, upstreamID)
	return nil
}

func (u *stubUpstream) DeleteInstance(ctx context.Context, upstreamID string) error { return nil }

func (u *stubUpstream) ListInstances(ctx context.Context, pageSize int, status string) ([]novita.Instance, error) {
	return u.listed, nil
}

func (u *stubUpstream) MigrateInstance(ctx context.Context, upstreamID string) (*novita.MigrateResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.migrateCalls = append(u.migrateCalls, upstreamID)
	return &novita.MigrateResult{Success: true, NewInstanceID: "new-" + upstreamID}, nil
}

func (u *stubUpstream) setInstance(inst *novita.Instance) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.instances == nil {
		u.instances = make(map[string]*novita.Instance)
	}
	u.instances[inst.ID] = inst
}

type handlerHarness struct {
	h         *Handlers
	upstream  *stubUpstream
	queue     *recordingQueue
	instances *cache.InstanceCache
	svc       *instance.Service
}

func newHandlerHarness(t *testing.T, cfg HandlerConfig) *handlerHarness {
	t.Helper()
	store := storage.NewMemoryStore()
	up := &stubUpstream{}
	rec := &recordingQueue{}
	broker := events.NewBroker()
	t.Cleanup(broker.Stop)

	instances := cache.NewInstanceCache(store)
	svc := instance.NewService(instance.Config{DefaultRegion: "CN-HK-01"},
		instances, cache.NewProductCache(store), cache.NewTemplateCache(store), up, rec, broker)

	checker := health.NewChecker(health.Config{
		ProbeTimeout:  500 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
	})
	engine := migration.NewEngine(migration.Config{}, store, up, instances)

	return &handlerHarness{
		h:         NewHandlers(cfg, svc, checker, webhook.NewSender(), engine, broker),
		upstream:  up,
		queue:     rec,
		instances: instances,
		svc:       svc,
	}
}

func seedMonitored(t *testing.T, h *handlerHarness, status types.InstanceStatus, createdAgo time.Duration) *types.Instance {
	t.Helper()
	inst := &types.Instance{
		InstanceID: "inst-1",
		UpstreamID: "u1",
		Name:       "worker-1",
		Status:     status,
		Config:     types.InstanceConfig{WebhookURL: "https://hooks.example/paddock"},
	}
	inst.SetTimestamp(types.TsCreated, time.Now().UTC().Add(-createdAgo))
	require.NoError(t, h.instances.Put(context.Background(), inst))
	return inst
}

func monitorJob(t *testing.T, payload interface{}) *types.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &types.Job{ID: "job-1", Type: types.JobMonitorInstance, Priority: 5, Payload: raw}
}

func TestMonitorInstanceReschedulesWhileStarting(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{PollInterval: 30 * time.Second})
	seedMonitored(t, h, types.StatusCreated, 0)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "pulling"})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	var resched *RescheduleError
	require.ErrorAs(t, err, &resched)
	assert.Equal(t, 30*time.Second, resched.After, "follow-up poll one interval out")
	assert.Empty(t, h.queue.byType(types.JobMonitorInstance), "the poll reuses the same job")

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, got.Status, "no transition while still pulling")
}

func TestMonitorInstanceAdvancesToReady(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})
	seedMonitored(t, h, types.StatusCreated, 0)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "running"})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	require.NoError(t, err)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.False(t, got.Timestamp(types.TsInstanceRunning).IsZero())
	assert.False(t, got.Timestamp(types.TsReady).IsZero())
	require.NotNil(t, got.HealthCheck)
	assert.Equal(t, types.HealthHealthy, got.HealthCheck.OverallStatus, "no endpoints means healthy")

	assert.Equal(t, []types.WebhookStatus{
		types.WebhookRunning, types.WebhookHealthChecking, types.WebhookReady,
	}, h.queue.webhookStatuses())

	ready := h.queue.byType(types.JobSendWebhook)[2].Payload.(types.SendWebhookPayload).Payload
	assert.NotNil(t, ready.HealthCheck)
	assert.GreaterOrEqual(t, ready.ElapsedTimeMs, int64(0))
	assert.Empty(t, h.queue.byType(types.JobMonitorInstance), "settled, no follow-up poll")
}

func TestMonitorInstanceProbesEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHandlerHarness(t, HandlerConfig{})
	seedMonitored(t, h, types.StatusCreated, 0)
	h.upstream.setInstance(&novita.Instance{
		ID: "u1", Status: "running",
		PortMappings: []novita.PortMapping{{Port: 8080, Type: "http", Endpoint: srv.URL}},
	})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	require.NoError(t, err)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	require.NotNil(t, got.Connection)
	require.Len(t, got.Connection.Endpoints, 1)
	require.NotNil(t, got.HealthCheck)
	require.Len(t, got.HealthCheck.Endpoints, 1)
	assert.Equal(t, "healthy", got.HealthCheck.Endpoints[0].Status)
}

func TestHealthCheckPhaseClearsConnection(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})

	var mu sync.Mutex
	var observed []*types.Instance
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, err := h.instances.Get(r.Context(), "inst-1"); err == nil {
			mu.Lock()
			observed = append(observed, got)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	seedMonitored(t, h, types.StatusCreated, 0)
	h.upstream.setInstance(&novita.Instance{
		ID: "u1", Status: "running",
		PortMappings: []novita.PortMapping{{Port: 8080, Type: "http", Endpoint: srv.URL}},
	})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observed)
	for _, rec := range observed {
		assert.Equal(t, types.StatusHealthChecking, rec.Status)
		assert.Nil(t, rec.Connection, "connection info only in running and ready")
	}

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.NotNil(t, got.Connection, "restored once ready")
}

func TestMonitorInstanceHealthWaitSpansJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHandlerHarness(t, HandlerConfig{StartupMaxWait: time.Hour, PollInterval: 30 * time.Second})
	seedMonitored(t, h, types.StatusCreated, 0)
	h.upstream.setInstance(&novita.Instance{
		ID: "u1", Status: "running",
		PortMappings: []novita.PortMapping{{Port: 8080, Type: "http", Endpoint: srv.URL}},
	})

	// The job window closes long before the startup deadline: the wait
	// must hand over to the next poll instead of failing the instance
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := h.h.MonitorInstance(ctx, monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	var resched *RescheduleError
	require.ErrorAs(t, err, &resched)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthChecking, got.Status)
	assert.NotNil(t, got.HealthCheck, "latest verdict persisted between polls")
	assert.Nil(t, got.Connection)
	assert.NotContains(t, h.queue.webhookStatuses(), types.WebhookFailed)
}

func TestMonitorInstanceFailsWhenUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Short deadline so the health wait gives up quickly
	h := newHandlerHarness(t, HandlerConfig{StartupMaxWait: 200 * time.Millisecond})
	seedMonitored(t, h, types.StatusCreated, 0)
	h.upstream.setInstance(&novita.Instance{
		ID: "u1", Status: "running",
		PortMappings: []novita.PortMapping{{Port: 8080, Type: "http", Endpoint: srv.URL}},
	})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	require.NoError(t, err, "a failed startup settles the job, it is not a handler error")

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "health checks")
	assert.Nil(t, got.Connection)

	statuses := h.queue.webhookStatuses()
	assert.Equal(t, types.WebhookFailed, statuses[len(statuses)-1])
}

func TestMonitorInstanceStartupTimeout(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{StartupMaxWait: 20 * time.Minute})
	seedMonitored(t, h, types.StatusCreated, 30*time.Minute)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "pulling"})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	require.NoError(t, err)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "timeout")

	assert.Equal(t, []types.WebhookStatus{types.WebhookTimeout}, h.queue.webhookStatuses())
	assert.Empty(t, h.queue.byType(types.JobMonitorInstance))
}

func TestMonitorInstanceUpstreamExited(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})
	seedMonitored(t, h, types.StatusCreated, 0)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "exited"})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-1"}))
	require.NoError(t, err)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "exited")
	assert.Equal(t, []types.WebhookStatus{types.WebhookFailed}, h.queue.webhookStatuses())
}

func TestMonitorInstanceGoneDropsJob(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})

	err := h.h.MonitorInstance(context.Background(), monitorJob(t, types.MonitorInstancePayload{InstanceID: "inst-missing"}))
	assert.NoError(t, err, "a vanished instance completes the job")
	assert.Empty(t, h.queue.entries)
}

func seedStarting(t *testing.T, h *handlerHarness, opID string, startedAgo time.Duration) *types.Instance {
	t.Helper()
	inst := seedMonitored(t, h, types.StatusStarting, time.Hour)
	started := time.Now().UTC().Add(-startedAgo)
	inst.StartupOperation = &types.StartupOperation{
		OperationID: opID,
		Phase:       types.PhaseInitiated,
		Phases:      map[string]time.Time{"startRequested": started},
	}
	inst.SetTimestamp(types.TsStartRequested, started)
	require.NoError(t, h.instances.Put(context.Background(), inst))
	return inst
}

func startupJob(t *testing.T, instanceID, opID string) *types.Job {
	t.Helper()
	raw, err := json.Marshal(types.MonitorStartupPayload{InstanceID: instanceID, OperationID: opID})
	require.NoError(t, err)
	return &types.Job{ID: "job-2", Type: types.JobMonitorStartup, Priority: 5, Payload: raw}
}

func TestMonitorStartupCompletes(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})
	seedStarting(t, h, "op-1", time.Minute)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "running"})

	err := h.h.MonitorStartup(context.Background(), startupJob(t, "inst-1", "op-1"))
	require.NoError(t, err)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	require.NotNil(t, got.StartupOperation)
	assert.Equal(t, types.PhaseCompleted, got.StartupOperation.Phase)
	assert.False(t, got.StartupOperation.Phases["completed"].IsZero())

	statuses := h.queue.webhookStatuses()
	assert.Equal(t, []types.WebhookStatus{types.WebhookHealthChecking, types.WebhookStartupCompleted}, statuses,
		"startup path skips the plain running webhook")

	completed := h.queue.byType(types.JobSendWebhook)[1].Payload.(types.SendWebhookPayload).Payload
	require.NotNil(t, completed.StartupOperation)
	assert.Greater(t, completed.ElapsedTimeMs, int64(0), "elapsed measured from startRequested")
}

func TestMonitorStartupStaleOperation(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})
	seedStarting(t, h, "op-2", time.Minute)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "running"})

	err := h.h.MonitorStartup(context.Background(), startupJob(t, "inst-1", "op-1"))
	require.NoError(t, err)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, got.Status, "stale monitor must not touch the record")
	assert.Empty(t, h.queue.entries)
}

func TestMonitorStartupReschedulesAndAdvancesPhase(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{PollInterval: 30 * time.Second})
	seedStarting(t, h, "op-1", time.Minute)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "pulling"})

	err := h.h.MonitorStartup(context.Background(), startupJob(t, "inst-1", "op-1"))
	var resched *RescheduleError
	require.ErrorAs(t, err, &resched)
	assert.Equal(t, 30*time.Second, resched.After)
	assert.Empty(t, h.queue.byType(types.JobMonitorStartup),
		"the follow-up reuses the same job and keeps the operation binding")

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseMonitoring, got.StartupOperation.Phase)
}

func TestMonitorStartupTimeout(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{StartupMaxWait: 20 * time.Minute})
	seedStarting(t, h, "op-1", 30*time.Minute)
	h.upstream.setInstance(&novita.Instance{ID: "u1", Status: "pulling"})

	err := h.h.MonitorStartup(context.Background(), startupJob(t, "inst-1", "op-1"))
	require.NoError(t, err)

	got, err := h.instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, types.PhaseFailed, got.StartupOperation.Phase)
	assert.Contains(t, got.StartupOperation.Error, "timeout")
	assert.Equal(t, []types.WebhookStatus{types.WebhookStartupFailed}, h.queue.webhookStatuses())
}

func TestSendWebhookDelivers(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHandlerHarness(t, HandlerConfig{})
	raw, err := json.Marshal(types.SendWebhookPayload{
		URL:    srv.URL,
		Secret: "hook-secret",
		Payload: types.WebhookPayload{
			InstanceID: "inst-1",
			Status:     types.WebhookReady,
			Timestamp:  time.Now().UTC(),
		},
	})
	require.NoError(t, err)

	err = h.h.SendWebhook(context.Background(), &types.Job{ID: "job-3", Type: types.JobSendWebhook, Payload: raw})
	require.NoError(t, err)
	assert.True(t, webhook.Verify("hook-secret", gotBody, gotSig))
}

func TestSendWebhookRejectedIsFinal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newHandlerHarness(t, HandlerConfig{})
	raw, err := json.Marshal(types.SendWebhookPayload{
		URL:     srv.URL,
		Payload: types.WebhookPayload{InstanceID: "inst-1", Status: types.WebhookReady},
	})
	require.NoError(t, err)

	err = h.h.SendWebhook(context.Background(), &types.Job{ID: "job-4", Type: types.JobSendWebhook, Payload: raw})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a 4xx rejection is not retried")
}

func TestMigrateSweepHandler(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})
	h.upstream.listed = []novita.Instance{
		{ID: "u9", Name: "spot-u9", Status: "exited", ProductID: "prod-1", ImageURL: "image:tag"},
	}

	raw, err := json.Marshal(types.MigrateSweepPayload{})
	require.NoError(t, err)
	err = h.h.MigrateSweep(context.Background(), &types.Job{ID: "job-5", Type: types.JobMigrateSpotInstances, Payload: raw})
	require.NoError(t, err)
	assert.Equal(t, []string{"u9"}, h.upstream.migrateCalls)
}

func TestMigrateSweepHandlerDryRun(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{})
	h.upstream.listed = []novita.Instance{
		{ID: "u9", Name: "spot-u9", Status: "exited", ProductID: "prod-1", ImageURL: "image:tag"},
	}

	raw, err := json.Marshal(types.MigrateSweepPayload{DryRun: true})
	require.NoError(t, err)
	err = h.h.MigrateSweep(context.Background(), &types.Job{ID: "job-6", Type: types.JobMigrateSpotInstances, Payload: raw})
	require.NoError(t, err)
	assert.Empty(t, h.upstream.migrateCalls)
}

func TestAutoStopStopsIdle(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{AutoStopThreshold: 10 * time.Minute})
	ctx := context.Background()

	idle := &types.Instance{InstanceID: "inst-idle", UpstreamID: "u-idle", Name: "idle", Status: types.StatusRunning}
	idle.SetTimestamp(types.TsCreated, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, h.instances.Put(ctx, idle))

	fresh := &types.Instance{InstanceID: "inst-fresh", UpstreamID: "u-fresh", Name: "fresh", Status: types.StatusReady}
	fresh.SetTimestamp(types.TsCreated, time.Now().UTC().Add(-30*time.Minute))
	fresh.SetTimestamp(types.TsLastUsed, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, h.instances.Put(ctx, fresh))

	err := h.h.AutoStop(ctx, &types.Job{ID: "job-7", Type: types.JobAutoStop})
	require.NoError(t, err)

	assert.Equal(t, []string{"u-idle"}, h.upstream.stopCalls)

	gotIdle, err := h.instances.Get(ctx, "inst-idle")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, gotIdle.Status)

	gotFresh, err := h.instances.Get(ctx, "inst-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, gotFresh.Status, "recent activity keeps the instance up")
}

func TestAutoStopDryRun(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{AutoStopThreshold: 10 * time.Minute})
	ctx := context.Background()

	idle := &types.Instance{InstanceID: "inst-idle", UpstreamID: "u-idle", Name: "idle", Status: types.StatusRunning}
	idle.SetTimestamp(types.TsCreated, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, h.instances.Put(ctx, idle))

	raw, err := json.Marshal(types.AutoStopPayload{DryRun: true})
	require.NoError(t, err)
	err = h.h.AutoStop(ctx, &types.Job{ID: "job-8", Type: types.JobAutoStop, Payload: raw})
	require.NoError(t, err)

	assert.Empty(t, h.upstream.stopCalls)
	got, err := h.instances.Get(ctx, "inst-idle")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestAutoStopSkipsStoppedStates(t *testing.T) {
	h := newHandlerHarness(t, HandlerConfig{AutoStopThreshold: time.Minute})
	ctx := context.Background()

	for _, status := range []types.InstanceStatus{types.StatusStopped, types.StatusExited, types.StatusCreating} {
		inst := &types.Instance{
			InstanceID: "inst-" + string(status), UpstreamID: "u-" + string(status),
			Name: string(status), Status: status,
		}
		inst.SetTimestamp(types.TsCreated, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, h.instances.Put(ctx, inst))
	}

	err := h.h.AutoStop(ctx, &types.Job{ID: "job-9", Type: types.JobAutoStop})
	require.NoError(t, err)
	assert.Empty(t, h.upstream.stopCalls, "only running and ready instances are eligible")
}

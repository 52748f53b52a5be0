package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/health"
	"github.com/paddock-io/paddock/pkg/instance"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/migration"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/paddock-io/paddock/pkg/webhook"
)

// HandlerConfig tunes the job handlers
type HandlerConfig struct {
	PollInterval      time.Duration // between monitor polls, default 30s
	StartupMaxWait    time.Duration // creation/startup deadline, default 20min
	AutoStopThreshold time.Duration // idle age before auto-stop, default 20min
	AutoStopDryRun    bool
}

// Handlers bundles the dependencies shared by all job handlers
type Handlers struct {
	cfg     HandlerConfig
	svc     *instance.Service
	checker *health.Checker
	sender  *webhook.Sender
	engine  *migration.Engine
	broker  *events.Broker
	logger  zerolog.Logger
}

// NewHandlers wires the handler set
func NewHandlers(cfg HandlerConfig, svc *instance.Service, checker *health.Checker,
	sender *webhook.Sender, engine *migration.Engine, broker *events.Broker) *Handlers {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.StartupMaxWait <= 0 {
		cfg.StartupMaxWait = 20 * time.Minute
	}
	if cfg.AutoStopThreshold <= 0 {
		cfg.AutoStopThreshold = 20 * time.Minute
	}
	return &Handlers{
		cfg:     cfg,
		svc:     svc,
		checker: checker,
		sender:  sender,
		engine:  engine,
		broker:  broker,
		logger:  log.WithComponent("handlers"),
	}
}

// RegisterAll installs every handler on the worker
func (h *Handlers) RegisterAll(w *Worker) {
	w.Register(types.JobMonitorInstance, h.MonitorInstance)
	w.Register(types.JobMonitorStartup, h.MonitorStartup)
	w.Register(types.JobSendWebhook, h.SendWebhook)
	w.Register(types.JobMigrateSpotInstances, h.MigrateSweep)
	w.Register(types.JobAutoStop, h.AutoStop)
}

// MonitorInstance polls upstream once after creation. While the instance
// is still coming up the job reschedules itself; once running it drives
// the health check phase through to ready. Each execution is idempotent.
func (h *Handlers) MonitorInstance(ctx context.Context, job *types.Job) error {
	var payload types.MonitorInstancePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad monitor payload: %v", err)
	}

	inst, up, err := h.svc.RefreshFromUpstream(ctx, payload.InstanceID)
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			// Instance deleted or never provisioned, nothing to monitor
			h.logger.Warn().Str("instance_id", payload.InstanceID).Err(err).
				Msg("monitor target gone, dropping job")
			return nil
		}
		return err
	}

	switch inst.Status {
	case types.StatusReady, types.StatusFailed, types.StatusTerminated, types.StatusStopped:
		return nil // already settled
	}

	deadline := inst.Timestamp(types.TsCreated).Add(h.cfg.StartupMaxWait)

	switch instance.MapUpstreamStatus(up.Status) {
	case types.StatusRunning:
		return h.advanceToReady(ctx, inst, up, deadline, nil)

	case types.StatusExited, types.StatusFailed:
		return h.settleFailure(ctx, inst, types.WebhookFailed,
			fmt.Sprintf("instance %s upstream during startup", up.Status))

	default:
		if time.Now().After(deadline) {
			return h.settleFailure(ctx, inst, types.WebhookTimeout,
				fmt.Sprintf("startup timeout after %s", h.cfg.StartupMaxWait))
		}
		return Reschedule(h.cfg.PollInterval)
	}
}

// MonitorStartup drives a start-after-exit operation with phase tracking
func (h *Handlers) MonitorStartup(ctx context.Context, job *types.Job) error {
	var payload types.MonitorStartupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad startup monitor payload: %v", err)
	}

	inst, up, err := h.svc.RefreshFromUpstream(ctx, payload.InstanceID)
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return nil
		}
		return err
	}

	op := inst.StartupOperation
	if op == nil || op.OperationID != payload.OperationID {
		// A newer operation superseded this job
		h.logger.Warn().Str("instance_id", inst.InstanceID).
			Str("operation_id", payload.OperationID).Msg("stale startup monitor, dropping")
		return nil
	}
	if op.Phase == types.PhaseCompleted || op.Phase == types.PhaseFailed {
		return nil
	}

	started := op.Phases["startRequested"]
	if started.IsZero() {
		started = inst.Timestamp(types.TsStartRequested)
	}
	deadline := started.Add(h.cfg.StartupMaxWait)

	switch instance.MapUpstreamStatus(up.Status) {
	case types.StatusRunning:
		return h.advanceToReady(ctx, inst, up, deadline, op)

	case types.StatusExited, types.StatusFailed:
		h.failOperation(inst, op, fmt.Sprintf("instance %s upstream during startup", up.Status))
		return h.settleFailure(ctx, inst, types.WebhookStartupFailed, inst.LastError)

	default:
		if time.Now().After(deadline) {
			reason := fmt.Sprintf("startup timeout after %s", h.cfg.StartupMaxWait)
			h.failOperation(inst, op, reason)
			return h.settleFailure(ctx, inst, types.WebhookStartupFailed, reason)
		}
		if op.Phase == types.PhaseInitiated {
			op.Phase = types.PhaseMonitoring
			op.Phases["monitoring"] = time.Now().UTC()
			if err := h.svc.Instances().Put(ctx, inst); err != nil {
				return err
			}
		}
		return Reschedule(h.cfg.PollInterval)
	}
}

// advanceToReady moves a running instance through the health check phase.
// With op non-nil the startup operation's phases are stamped and the
// startup-granular webhooks fire; otherwise the plain creation webhooks.
// The method re-enters cleanly: when the health wait outlives one job
// execution the job reschedules and the next run resumes without
// re-firing webhooks or re-stamping timestamps.
func (h *Handlers) advanceToReady(ctx context.Context, inst *types.Instance, up *novita.Instance,
	deadline time.Time, op *types.StartupOperation) error {
	now := time.Now().UTC()
	store := h.svc.Instances()

	merged := instance.Merge(inst, up)
	if merged.Status != types.StatusRunning && merged.Status != types.StatusReady {
		return fmt.Errorf("expected running after merge, got %s", merged.Status)
	}
	inst = merged

	if inst.Timestamp(types.TsInstanceRunning).IsZero() {
		inst.Status = types.StatusRunning
		inst.SetTimestamp(types.TsInstanceRunning, now)
		if err := store.Put(ctx, inst); err != nil {
			return err
		}
		h.broker.PublishInstance(events.EventInstanceRunning, inst.InstanceID, "running upstream")
		if op == nil {
			h.svc.EnqueueWebhook(ctx, inst, types.WebhookRunning, nil)
		}
	}

	// Health check phase. Endpoints are captured first: connection info
	// never persists outside running and ready.
	var endpoints []types.PortEndpoint
	if inst.Connection != nil {
		endpoints = inst.Connection.Endpoints
	}
	inst.Status = types.StatusHealthChecking
	inst.Connection = nil
	if inst.Timestamp(types.TsHealthCheckStarted).IsZero() {
		inst.SetTimestamp(types.TsHealthCheckStarted, now)
		if op != nil {
			op.Phase = types.PhaseHealthChecking
			op.Phases["healthChecking"] = now
			inst.StartupOperation = op
		}
		if err := store.Put(ctx, inst); err != nil {
			return err
		}
		h.svc.EnqueueWebhook(ctx, inst, types.WebhookHealthChecking, nil)
	}

	// The wait is bounded by the job execution window; a startup that is
	// still within its overall deadline continues on the next poll.
	waitUntil := deadline
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if capped := ctxDeadline.Add(-2 * time.Second); capped.Before(waitUntil) {
			waitUntil = capped
		}
	}
	summary, healthErr := h.checker.WaitHealthy(ctx, endpoints, waitUntil)
	inst.HealthCheck = summary

	if healthErr != nil {
		if time.Now().Before(deadline) {
			if err := store.Put(ctx, inst); err != nil {
				return err
			}
			return Reschedule(h.cfg.PollInterval)
		}
		inst.SetTimestamp(types.TsHealthCheckCompleted, time.Now().UTC())
		reason := fmt.Sprintf("health checks did not pass: %v", healthErr)
		if op != nil {
			h.failOperation(inst, op, reason)
			return h.settleFailure(ctx, inst, types.WebhookStartupFailed, reason)
		}
		return h.settleFailure(ctx, inst, types.WebhookFailed, reason)
	}
	inst.SetTimestamp(types.TsHealthCheckCompleted, time.Now().UTC())

	ready := time.Now().UTC()
	inst.Status = types.StatusReady
	inst.Connection = connectionFor(inst, up)
	inst.SetTimestamp(types.TsReady, ready)
	inst.LastError = ""
	if op != nil {
		op.Phase = types.PhaseCompleted
		op.Phases["completed"] = ready
		inst.StartupOperation = op
	}
	if err := store.Put(ctx, inst); err != nil {
		return err
	}

	startedAt := inst.Timestamp(types.TsStartRequested)
	if op == nil || startedAt.IsZero() {
		startedAt = inst.Timestamp(types.TsCreated)
	}
	elapsed := ready.Sub(startedAt)
	metrics.StartupDuration.Observe(elapsed.Seconds())
	h.broker.PublishInstance(events.EventInstanceReady, inst.InstanceID, "ready")

	status := types.WebhookReady
	if op != nil {
		status = types.WebhookStartupCompleted
	}
	h.svc.EnqueueWebhook(ctx, inst, status, &types.WebhookPayload{
		ElapsedTimeMs:    elapsed.Milliseconds(),
		HealthCheck:      summary,
		StartupOperation: inst.StartupOperation,
	})
	return nil
}

func connectionFor(inst *types.Instance, up *novita.Instance) *types.ConnectionInfo {
	if inst.Connection != nil {
		return inst.Connection
	}
	merged := instance.Merge(inst, up)
	return merged.Connection
}

func (h *Handlers) failOperation(inst *types.Instance, op *types.StartupOperation, reason string) {
	op.Phase = types.PhaseFailed
	op.Phases["failed"] = time.Now().UTC()
	op.Error = reason
	inst.StartupOperation = op
}

// settleFailure records a terminal failure on the instance and fires the
// corresponding webhook. Returning nil completes the job: the failure is
// the outcome, not a handler error.
func (h *Handlers) settleFailure(ctx context.Context, inst *types.Instance,
	status types.WebhookStatus, reason string) error {
	inst.LastError = reason
	target := types.StatusFailed
	if status == types.WebhookFailed && inst.Status == types.StatusExited {
		target = types.StatusExited
	}
	inst.Status = target
	inst.Connection = nil
	if err := h.svc.Instances().Put(ctx, inst); err != nil {
		return err
	}
	h.broker.PublishInstance(events.EventInstanceFailed, inst.InstanceID, reason)
	h.svc.EnqueueWebhook(ctx, inst, status, &types.WebhookPayload{Reason: reason, Error: reason})
	return nil
}

// SendWebhook delivers one queued notification. The sender owns the
// retry schedule; a delivery error here is final for this job.
func (h *Handlers) SendWebhook(ctx context.Context, job *types.Job) error {
	var payload types.SendWebhookPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad webhook payload: %v", err)
	}

	if err := h.sender.Send(ctx, payload.URL, payload.Secret, &payload.Payload); err != nil {
		metrics.WebhooksSent.WithLabelValues("error").Inc()
		h.broker.PublishInstance(events.EventWebhookFailed, payload.Payload.InstanceID, err.Error())
		return err
	}
	metrics.WebhooksSent.WithLabelValues("success").Inc()
	h.broker.PublishInstance(events.EventWebhookDelivered, payload.Payload.InstanceID,
		string(payload.Payload.Status))
	return nil
}

// MigrateSweep runs one migration pass
func (h *Handlers) MigrateSweep(ctx context.Context, job *types.Job) error {
	var payload types.MigrateSweepPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("bad sweep payload: %v", err)
		}
	}

	result, err := h.engine.Sweep(ctx, payload.DryRun)
	if err != nil {
		return err
	}
	h.broker.Publish(&events.Event{
		Type:    events.EventSweepCompleted,
		Message: fmt.Sprintf("migrated %d of %d", result.Migrated, result.TotalProcessed),
	})
	return nil
}

// AutoStop stops instances idle past the threshold. Individual stop
// failures are logged, never abort the pass.
func (h *Handlers) AutoStop(ctx context.Context, job *types.Job) error {
	var payload types.AutoStopPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("bad auto-stop payload: %v", err)
		}
	}
	dryRun := payload.DryRun || h.cfg.AutoStopDryRun

	instances, err := h.svc.Instances().List(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, inst := range instances {
		if inst.Status != types.StatusRunning && inst.Status != types.StatusReady {
			continue
		}
		idle := now.Sub(inst.LastActivity())
		if idle <= h.cfg.AutoStopThreshold {
			continue
		}

		if dryRun {
			h.logger.Info().Str("instance_id", inst.InstanceID).Dur("idle", idle).
				Msg("auto-stop dry run, would stop")
			continue
		}
		if _, err := h.svc.Stop(ctx, inst.InstanceID); err != nil {
			h.logger.Error().Err(err).Str("instance_id", inst.InstanceID).
				Msg("auto-stop failed for instance")
			continue
		}
		h.logger.Info().Str("instance_id", inst.InstanceID).Dur("idle", idle).
			Msg("auto-stopped idle instance")
	}
	return nil
}

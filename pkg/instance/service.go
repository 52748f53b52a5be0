package instance

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/cache"
	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/types"
)

// Upstream is the slice of the provider adapter the service consumes
type Upstream interface {
	GetOptimalProduct(ctx context.Context, name, preferredRegion string) (*types.Product, string, error)
	GetTemplate(ctx context.Context, templateID string) (*types.Template, error)
	GetRegistryAuth(ctx context.Context, authID string) (*types.RegistryAuth, error)
	CreateInstance(ctx context.Context, req novita.CreateInstanceRequest) (string, error)
	GetInstance(ctx context.Context, upstreamID string) (*novita.Instance, error)
	StartInstance(ctx context.Context, upstreamID string) error
	StopInstance(ctx context.Context, upstreamID string) error
	DeleteInstance(ctx context.Context, upstreamID string) error
	ListInstances(ctx context.Context, pageSize int, status string) ([]novita.Instance, error)
}

// JobQueue is the slice of the job queue the service consumes
type JobQueue interface {
	Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, opts queue.EnqueueOptions) (*types.Job, error)
}

// Config tunes the instance service
type Config struct {
	DefaultRegion  string
	DefaultWebhook string // fallback webhook URL when the intent has none
	WebhookSecret  string
}

// Service owns the canonical instance records and their lifecycle. All
// mutations to an instance record flow through here, either synchronously
// from the request path or from job handlers.
type Service struct {
	cfg       Config
	instances *cache.InstanceCache
	products  *cache.ProductCache
	templates *cache.TemplateCache
	upstream  Upstream
	jobs      JobQueue
	broker    *events.Broker
	logger    zerolog.Logger
}

// NewService wires the instance service
func NewService(cfg Config, instances *cache.InstanceCache, products *cache.ProductCache,
	templates *cache.TemplateCache, upstream Upstream, jobs JobQueue, broker *events.Broker) *Service {
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "CN-HK-01"
	}
	return &Service{
		cfg:       cfg,
		instances: instances,
		products:  products,
		templates: templates,
		upstream:  upstream,
		jobs:      jobs,
		broker:    broker,
		logger:    log.WithComponent("instance"),
	}
}

// NewInstanceID mints a local instance identifier. IDs are never reused.
func NewInstanceID() string {
	return fmt.Sprintf("inst-%d-%04x", time.Now().UnixMilli(), rand.Intn(0x10000))
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// CreateRequest is a validated create intent from the routing layer
type CreateRequest struct {
	Name          string            `json:"name"`
	ProductName   string            `json:"productName"`
	TemplateID    string            `json:"templateId"`
	GPUNum        int               `json:"gpuNum"`
	RootfsSize    int               `json:"rootfsSize"`
	Region        string            `json:"region"`
	BillingMode   types.BillingMode `json:"billingMode"`
	WebhookURL    string            `json:"webhookUrl"`
	WebhookSecret string            `json:"webhookSecret"`
}

// CreateResponse is the synchronous answer to a create intent
type CreateResponse struct {
	InstanceID string               `json:"instanceId"`
	UpstreamID string               `json:"upstreamId,omitempty"`
	Status     types.InstanceStatus `json:"status"`
	ProductID  string               `json:"productId"`
	Region     string               `json:"region"`
	SpotPrice  float64              `json:"spotPrice"`
}

// Create resolves the product and template, inserts the local record and
// provisions the instance upstream synchronously. Monitoring of the
// startup is handed to the job queue.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if err := s.validateCreate(&req); err != nil {
		metrics.InstanceCreations.WithLabelValues("validation_error").Inc()
		return nil, err
	}

	product, regionUsed, err := s.upstream.GetOptimalProduct(ctx, req.ProductName, req.Region)
	if err != nil {
		metrics.InstanceCreations.WithLabelValues("product_unavailable").Inc()
		return nil, err
	}
	s.products.Put(ctx, product)

	tmpl, err := s.resolveTemplate(ctx, req.TemplateID)
	if err != nil {
		metrics.InstanceCreations.WithLabelValues("template_error").Inc()
		return nil, err
	}
	if tmpl.ImageAuthID != "" {
		// Resolved just-in-time to validate, never stored
		if _, err := s.upstream.GetRegistryAuth(ctx, tmpl.ImageAuthID); err != nil {
			metrics.InstanceCreations.WithLabelValues("registry_auth_error").Inc()
			return nil, err
		}
	}

	now := time.Now().UTC()
	inst := &types.Instance{
		InstanceID: NewInstanceID(),
		Name:       req.Name,
		Status:     types.StatusCreating,
		Product:    product,
		Template:   tmpl,
		Source:     types.SourceLocal,
		Config: types.InstanceConfig{
			ProductName:   req.ProductName,
			TemplateID:    req.TemplateID,
			GPUNum:        req.GPUNum,
			RootfsSize:    req.RootfsSize,
			Region:        regionUsed,
			BillingMode:   req.BillingMode,
			Command:       tmpl.Command,
			WebhookURL:    req.WebhookURL,
			WebhookSecret: req.WebhookSecret,
		},
	}
	inst.SetTimestamp(types.TsCreated, now)
	if err := s.instances.Put(ctx, inst); err != nil {
		metrics.InstanceCreations.WithLabelValues("store_error").Inc()
		return nil, err
	}
	s.broker.PublishInstance(events.EventInstanceCreating, inst.InstanceID, "creation started")

	upstreamID, err := s.upstream.CreateInstance(ctx, novita.CreateInstanceRequest{
		Name:        req.Name,
		ProductID:   product.ID,
		GPUNum:      req.GPUNum,
		RootfsSize:  req.RootfsSize,
		ImageURL:    tmpl.ImageURL,
		ImageAuthID: tmpl.ImageAuthID,
		Command:     tmpl.Command,
		ClusterID:   product.ClusterID,
		BillingMode: string(req.BillingMode),
		Ports:       tmpl.Ports,
		Envs:        tmpl.Envs,
	})
	if err != nil {
		s.markFailed(ctx, inst, fmt.Sprintf("upstream creation failed: %v", err))
		metrics.InstanceCreations.WithLabelValues("upstream_error").Inc()
		return nil, err
	}

	inst.UpstreamID = upstreamID
	if err := transition(inst, types.StatusCreated); err != nil {
		return nil, err
	}
	if err := s.instances.Put(ctx, inst); err != nil {
		return nil, err
	}
	s.broker.PublishInstance(events.EventInstanceCreated, inst.InstanceID, "created upstream as "+upstreamID)
	metrics.InstanceCreations.WithLabelValues("success").Inc()

	if _, err := s.jobs.Enqueue(ctx, types.JobMonitorInstance,
		types.MonitorInstancePayload{InstanceID: inst.InstanceID},
		queue.EnqueueOptions{Priority: 5, DedupeKey: "monitor:" + inst.InstanceID}); err != nil {
		s.logger.Error().Err(err).Str("instance_id", inst.InstanceID).
			Msg("failed to enqueue monitor job")
	}

	return &CreateResponse{
		InstanceID: inst.InstanceID,
		UpstreamID: upstreamID,
		Status:     inst.Status,
		ProductID:  product.ID,
		Region:     regionUsed,
		SpotPrice:  product.SpotPrice,
	}, nil
}

func (s *Service) validateCreate(req *CreateRequest) error {
	if req.Name == "" {
		return errdefs.Validationf("name is required")
	}
	if req.ProductName == "" {
		return errdefs.Validationf("productName is required")
	}
	if req.TemplateID == "" {
		return errdefs.Validationf("templateId is required")
	}
	if req.GPUNum <= 0 {
		req.GPUNum = 1
	}
	if req.RootfsSize <= 0 {
		req.RootfsSize = 60
	}
	if req.Region == "" {
		req.Region = s.cfg.DefaultRegion
	}
	if req.BillingMode == "" {
		req.BillingMode = types.BillingSpot
	}
	if req.WebhookURL == "" {
		req.WebhookURL = s.cfg.DefaultWebhook
	}
	if req.WebhookSecret == "" {
		req.WebhookSecret = s.cfg.WebhookSecret
	}
	return nil
}

func (s *Service) resolveTemplate(ctx context.Context, templateID string) (*types.Template, error) {
	if tmpl, err := s.templates.Get(ctx, templateID); err == nil {
		return tmpl, nil
	}
	tmpl, err := s.upstream.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	s.templates.Put(ctx, tmpl)
	return tmpl, nil
}

// Get returns the canonical record for one instance
func (s *Service) Get(ctx context.Context, instanceID string) (*types.Instance, error) {
	return s.instances.Get(ctx, instanceID)
}

// resolve finds an instance by local ID first, then by name
func (s *Service) resolve(ctx context.Context, idOrName string) (*types.Instance, error) {
	inst, err := s.instances.Get(ctx, idOrName)
	if err == nil {
		return inst, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return s.instances.FindByName(ctx, idOrName)
}

// OperationResponse acknowledges an accepted start or stop intent
type OperationResponse struct {
	InstanceID  string               `json:"instanceId"`
	OperationID string               `json:"operationId"`
	Status      types.InstanceStatus `json:"status"`
}

// Start accepts a start intent for an exited or stopped instance. The
// upstream start call is issued synchronously; phase progression is driven
// by the MONITOR_STARTUP job.
func (s *Service) Start(ctx context.Context, idOrName string) (*OperationResponse, error) {
	inst, err := s.resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if inst.Status != types.StatusExited && inst.Status != types.StatusStopped {
		return nil, errdefs.Conflictf("instance %s is %s, start requires exited or stopped",
			inst.InstanceID, inst.Status)
	}
	if inst.UpstreamID == "" {
		return nil, errdefs.Conflictf("instance %s has no upstream instance to start", inst.InstanceID)
	}

	if err := s.upstream.StartInstance(ctx, inst.UpstreamID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	op := &types.StartupOperation{
		OperationID: "op-" + uuid.New().String(),
		Phase:       types.PhaseInitiated,
		Phases:      map[string]time.Time{"startRequested": now},
	}
	inst.StartupOperation = op
	inst.LastError = ""
	inst.SetTimestamp(types.TsStartRequested, now)
	if err := transition(inst, types.StatusStarting); err != nil {
		return nil, err
	}
	if err := s.instances.Put(ctx, inst); err != nil {
		return nil, err
	}
	s.broker.PublishInstance(events.EventInstanceStarting, inst.InstanceID, "start accepted")

	if _, err := s.jobs.Enqueue(ctx, types.JobMonitorStartup,
		types.MonitorStartupPayload{InstanceID: inst.InstanceID, OperationID: op.OperationID},
		queue.EnqueueOptions{Priority: 5, DedupeKey: "monitor-startup:" + inst.InstanceID}); err != nil {
		s.logger.Error().Err(err).Str("instance_id", inst.InstanceID).
			Msg("failed to enqueue startup monitor job")
	}
	s.EnqueueWebhook(ctx, inst, types.WebhookStartupInitiated, nil)

	return &OperationResponse{InstanceID: inst.InstanceID, OperationID: op.OperationID, Status: inst.Status}, nil
}

// Stop synchronously stops a running instance upstream
func (s *Service) Stop(ctx context.Context, idOrName string) (*OperationResponse, error) {
	inst, err := s.resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	switch inst.Status {
	case types.StatusStopped, types.StatusStopping, types.StatusExited, types.StatusTerminated:
		return nil, errdefs.Conflictf("instance %s is already %s", inst.InstanceID, inst.Status)
	}
	if inst.UpstreamID == "" {
		return nil, errdefs.Conflictf("instance %s has no upstream instance to stop", inst.InstanceID)
	}

	now := time.Now().UTC()
	inst.SetTimestamp(types.TsStopping, now)
	if err := transition(inst, types.StatusStopping); err != nil {
		return nil, err
	}

	if err := s.upstream.StopInstance(ctx, inst.UpstreamID); err != nil {
		return nil, err
	}

	inst.SetTimestamp(types.TsStopped, time.Now().UTC())
	if err := transition(inst, types.StatusStopped); err != nil {
		return nil, err
	}
	if err := s.instances.Put(ctx, inst); err != nil {
		return nil, err
	}
	s.broker.PublishInstance(events.EventInstanceStopped, inst.InstanceID, "stopped")
	s.EnqueueWebhook(ctx, inst, types.WebhookStopped, nil)

	return &OperationResponse{
		InstanceID:  inst.InstanceID,
		OperationID: "op-" + uuid.New().String(),
		Status:      inst.Status,
	}, nil
}

// Delete terminates the instance upstream and removes the local record
func (s *Service) Delete(ctx context.Context, instanceID string) error {
	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	if inst.UpstreamID != "" {
		if err := s.upstream.DeleteInstance(ctx, inst.UpstreamID); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}

	inst.SetTimestamp(types.TsTerminated, time.Now().UTC())
	if err := transition(inst, types.StatusTerminated); err != nil {
		return err
	}
	s.broker.PublishInstance(events.EventInstanceDeleted, inst.InstanceID, "deleted")
	s.EnqueueWebhook(ctx, inst, types.WebhookDeleted, nil)

	return s.instances.Delete(ctx, instanceID)
}

// TouchLastUsed records activity on an instance; feeds auto-stop
func (s *Service) TouchLastUsed(ctx context.Context, instanceID string, at time.Time) (time.Time, error) {
	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return time.Time{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	inst.SetTimestamp(types.TsLastUsed, at)
	if err := s.instances.Put(ctx, inst); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// markFailed records a failure on the instance, best-effort
func (s *Service) markFailed(ctx context.Context, inst *types.Instance, reason string) {
	inst.LastError = reason
	if err := transition(inst, types.StatusFailed); err != nil {
		s.logger.Error().Err(err).Str("instance_id", inst.InstanceID).Msg("illegal failure transition")
		return
	}
	if err := s.instances.Put(ctx, inst); err != nil {
		s.logger.Error().Err(err).Str("instance_id", inst.InstanceID).Msg("failed to persist failure state")
	}
	s.broker.PublishInstance(events.EventInstanceFailed, inst.InstanceID, reason)
}

// EnqueueWebhook queues a signed notification for the instance's webhook
// URL. Silently a no-op when the instance has no webhook configured.
func (s *Service) EnqueueWebhook(ctx context.Context, inst *types.Instance, status types.WebhookStatus, extra *types.WebhookPayload) {
	url := inst.Config.WebhookURL
	if url == "" {
		return
	}

	payload := types.WebhookPayload{
		InstanceID: inst.InstanceID,
		UpstreamID: inst.UpstreamID,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	}
	if extra != nil {
		payload.ElapsedTimeMs = extra.ElapsedTimeMs
		payload.Error = extra.Error
		payload.Reason = extra.Reason
		payload.HealthCheck = extra.HealthCheck
		payload.StartupOperation = extra.StartupOperation
		payload.Data = extra.Data
	}

	if _, err := s.jobs.Enqueue(ctx, types.JobSendWebhook, types.SendWebhookPayload{
		URL:     url,
		Secret:  inst.Config.WebhookSecret,
		Payload: payload,
	}, queue.EnqueueOptions{Priority: 3, MaxAttempts: 1}); err != nil { // the sender owns the retry schedule
		s.logger.Error().Err(err).Str("instance_id", inst.InstanceID).
			Str("status", string(status)).Msg("failed to enqueue webhook job")
	}
}

// Instances exposes the record cache to job handlers and the reconciler
func (s *Service) Instances() *cache.InstanceCache {
	return s.instances
}

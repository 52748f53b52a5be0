// Package api is the inbound surface: a facade over the instance
// service, reconciler and scheduler for the routing layer, plus the
// HTTP server exposing it as thin JSON handlers alongside the health
// and metrics endpoints.
package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/instance"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/migration"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/reconciler"
	"github.com/paddock-io/paddock/pkg/scheduler"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

// Service bundles the operations the routing layer calls. Instance
// intents pass straight through to the instance service; triggers
// enqueue or run the corresponding background work.
type Service struct {
	instances *instance.Service
	recon     *reconciler.Reconciler
	sched     *scheduler.Scheduler
	engine    *migration.Engine
	jobs      *queue.Queue
	store     storage.Store
	upstream  *novita.Client
	logger    zerolog.Logger

	storeFallback bool
}

// NewService wires the facade
func NewService(instances *instance.Service, recon *reconciler.Reconciler, sched *scheduler.Scheduler,
	engine *migration.Engine, jobs *queue.Queue, store storage.Store, upstream *novita.Client) *Service {
	return &Service{
		instances: instances,
		recon:     recon,
		sched:     sched,
		engine:    engine,
		jobs:      jobs,
		store:     store,
		upstream:  upstream,
		logger:    log.WithComponent("api"),
	}
}

// MarkStoreFallback records that the primary store was unreachable and
// the process is running on the in-memory fallback. Must be called
// before the server starts serving.
func (s *Service) MarkStoreFallback() {
	s.storeFallback = true
}

// CreateInstance provisions a new instance
func (s *Service) CreateInstance(ctx context.Context, req instance.CreateRequest) (*instance.CreateResponse, error) {
	return s.instances.Create(ctx, req)
}

// GetInstance returns the full local record
func (s *Service) GetInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	return s.instances.Get(ctx, instanceID)
}

// ListInstances returns the merged listing
func (s *Service) ListInstances(ctx context.Context, opts instance.ListOptions) (*instance.ListResult, error) {
	return s.instances.List(ctx, opts)
}

// StartInstance accepts a start intent by ID or name
func (s *Service) StartInstance(ctx context.Context, idOrName string) (*instance.OperationResponse, error) {
	return s.instances.Start(ctx, idOrName)
}

// StopInstance accepts a stop intent by ID or name
func (s *Service) StopInstance(ctx context.Context, idOrName string) (*instance.OperationResponse, error) {
	return s.instances.Stop(ctx, idOrName)
}

// DeleteInstance terminates the instance and removes its record
func (s *Service) DeleteInstance(ctx context.Context, instanceID string) error {
	return s.instances.Delete(ctx, instanceID)
}

// TouchLastUsed records client activity on the instance
func (s *Service) TouchLastUsed(ctx context.Context, instanceID string, at time.Time) (time.Time, error) {
	return s.instances.TouchLastUsed(ctx, instanceID, at)
}

// SyncRequest tunes one explicitly triggered sync pass. HandleObsolete
// defaults to true when absent.
type SyncRequest struct {
	ForceSync      bool  `json:"forceSync,omitempty"`
	HandleObsolete *bool `json:"handleObsolete,omitempty"`
	DryRun         bool  `json:"dryRun,omitempty"`
}

// TriggerSync runs a reconciliation pass now
func (s *Service) TriggerSync(ctx context.Context, req SyncRequest) (*types.SyncReport, error) {
	skipObsolete := req.HandleObsolete != nil && !*req.HandleObsolete
	return s.recon.Sync(ctx, reconciler.SyncOptions{DryRun: req.DryRun, SkipObsolete: skipObsolete})
}

// TriggerRequest tunes a manually triggered background job
type TriggerRequest struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// TriggerResponse acknowledges an enqueued background job
type TriggerResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// TriggerAutoStop enqueues an auto-stop pass
func (s *Service) TriggerAutoStop(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	job, err := s.jobs.Enqueue(ctx, types.JobAutoStop,
		types.AutoStopPayload{DryRun: req.DryRun},
		queue.EnqueueOptions{Priority: 2, DedupeKey: "auto-stop"})
	if err != nil {
		return nil, err
	}
	return &TriggerResponse{JobID: job.ID, Status: string(job.Status)}, nil
}

// TriggerMigration enqueues a migration sweep
func (s *Service) TriggerMigration(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	job, err := s.jobs.Enqueue(ctx, types.JobMigrateSpotInstances,
		types.MigrateSweepPayload{DryRun: req.DryRun},
		queue.EnqueueOptions{Priority: 2, DedupeKey: "migrate-sweep"})
	if err != nil {
		return nil, err
	}
	return &TriggerResponse{JobID: job.ID, Status: string(job.Status)}, nil
}

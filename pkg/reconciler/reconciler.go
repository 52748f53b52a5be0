// Package reconciler folds the upstream instance listing into the local
// records. It runs once at startup and optionally on a period: upstream
// instances gain or refresh a local record, local records whose upstream
// instance vanished are marked terminated (or removed), and local
// creations that never produced an upstream instance are cleaned up
// after a grace window.
package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/cache"
	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/instance"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

// lockKey serializes sync passes across processes sharing the store
const lockKey = "sync:lock"

// Upstream is the slice of the provider adapter the reconciler consumes
type Upstream interface {
	ListInstances(ctx context.Context, pageSize int, status string) ([]novita.Instance, error)
}

// Config tunes the reconciler
type Config struct {
	LockTTL           time.Duration // sync lock lifetime, default 5min
	CreationGrace     time.Duration // age before an unprovisioned creation is dropped, default 10min
	ObsoleteRetention time.Duration // age before a terminated record is purged, 0 keeps forever
	PageSize          int           // upstream listing page size, default 100
	RemoveObsolete    bool          // remove vanished records instead of marking them terminated
}

// Reconciler syncs local records against the upstream listing
type Reconciler struct {
	cfg       Config
	store     storage.Store
	instances *cache.InstanceCache
	upstream  Upstream
	jobs      *queue.Queue
	broker    *events.Broker
	logger    zerolog.Logger

	mu         sync.RWMutex
	lastReport *types.SyncReport
}

// New creates a reconciler
func New(cfg Config, store storage.Store, instances *cache.InstanceCache,
	upstream Upstream, jobs *queue.Queue, broker *events.Broker) *Reconciler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.CreationGrace <= 0 {
		cfg.CreationGrace = 10 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Reconciler{
		cfg:       cfg,
		store:     store,
		instances: instances,
		upstream:  upstream,
		jobs:      jobs,
		broker:    broker,
		logger:    log.WithComponent("reconciler"),
	}
}

// Startup recovers stranded jobs and runs the initial sync. A sync
// failure is reported but does not block startup; the queue recovery
// result is authoritative either way.
func (r *Reconciler) Startup(ctx context.Context) (*types.SyncReport, error) {
	recovered, err := r.jobs.RecoverProcessing(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering stranded jobs: %w", err)
	}
	if recovered > 0 {
		r.logger.Info().Int("recovered", recovered).Msg("requeued stranded jobs")
	}
	return r.Sync(ctx, SyncOptions{})
}

// SyncOptions tunes a single pass
type SyncOptions struct {
	DryRun       bool // report what would change without writing
	SkipObsolete bool // leave vanished records untouched
}

// Sync runs one reconciliation pass under the sync lock
func (r *Reconciler) Sync(ctx context.Context, opts SyncOptions) (*types.SyncReport, error) {
	acquired, err := r.store.SetNX(ctx, lockKey,
		strconv.FormatInt(time.Now().UnixMilli(), 10), r.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !acquired {
		return nil, errdefs.Conflictf("sync already in progress")
	}
	defer func() {
		if err := r.store.Delete(ctx, lockKey); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release sync lock")
		}
	}()

	start := time.Now()
	report := &types.SyncReport{}

	upstreamList, err := r.upstream.ListInstances(ctx, r.cfg.PageSize, "")
	if err != nil {
		metrics.SyncErrors.Inc()
		return nil, fmt.Errorf("listing upstream instances: %w", err)
	}
	report.Total = len(upstreamList)

	locals, err := r.instances.List(ctx)
	if err != nil {
		metrics.SyncErrors.Inc()
		return nil, err
	}
	byUpstreamID := make(map[string]*types.Instance, len(locals))
	for _, local := range locals {
		if local.UpstreamID != "" {
			byUpstreamID[local.UpstreamID] = local
		}
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(upstreamList))
	upserts := make([]*types.Instance, 0, len(upstreamList))

	for i := range upstreamList {
		up := upstreamList[i]
		seen[up.ID] = true

		if local, ok := byUpstreamID[up.ID]; ok {
			merged := instance.Merge(local, &up)
			merged.SetTimestamp(types.TsLastSynced, now)
			upserts = append(upserts, merged)
			report.Updated++
		} else {
			rec := instance.FromUpstream(&up)
			rec.SetTimestamp(types.TsLastSynced, now)
			upserts = append(upserts, rec)
			report.Created++
		}
	}

	if !opts.DryRun && len(upserts) > 0 {
		if err := r.instances.PutAll(ctx, upserts); err != nil {
			metrics.SyncErrors.Inc()
			report.Errors = append(report.Errors, err.Error())
		}
	}

	if !opts.SkipObsolete {
		r.handleObsolete(ctx, locals, seen, now, opts.DryRun, report)
	}

	report.DurationMs = time.Since(start).Milliseconds()
	report.CompletedAt = now
	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	r.broker.Publish(&events.Event{
		Type: events.EventSyncCompleted,
		Message: fmt.Sprintf("synced %d upstream instances, %d created, %d updated",
			report.Total, report.Created, report.Updated),
	})
	r.logger.Info().Int("total", report.Total).Int("created", report.Created).
		Int("updated", report.Updated).Int("obsolete_marked", report.ObsoleteMarked).
		Int("obsolete_removed", report.ObsoleteRemoved).Int64("took_ms", report.DurationMs).
		Msg("sync complete")

	r.mu.Lock()
	r.lastReport = report
	r.mu.Unlock()
	return report, nil
}

// handleObsolete deals with local records the upstream listing no longer
// covers: tracked records are marked terminated, kept through the
// retention window and then purged, or removed outright; unprovisioned
// creations are dropped after the grace window.
func (r *Reconciler) handleObsolete(ctx context.Context, locals []*types.Instance,
	seen map[string]bool, now time.Time, dryRun bool, report *types.SyncReport) {
	for _, local := range locals {
		if local.UpstreamID != "" {
			if seen[local.UpstreamID] {
				continue
			}
			if dryRun {
				if local.Status != types.StatusTerminated {
					report.ObsoleteMarked++
				} else if r.retentionExpired(local, now) {
					report.ObsoleteRemoved++
				}
				continue
			}
			if r.cfg.RemoveObsolete {
				if err := r.instances.Delete(ctx, local.InstanceID); err != nil {
					report.Errors = append(report.Errors,
						fmt.Sprintf("%s: remove obsolete: %v", local.InstanceID, err))
					continue
				}
				report.ObsoleteRemoved++
			} else if local.Status != types.StatusTerminated {
				local.Status = types.StatusTerminated
				local.Connection = nil
				local.SetTimestamp(types.TsTerminated, now)
				if err := r.instances.Put(ctx, local); err != nil {
					report.Errors = append(report.Errors,
						fmt.Sprintf("%s: mark obsolete: %v", local.InstanceID, err))
					continue
				}
				report.ObsoleteMarked++
			} else {
				// Already terminated: purge once the retention window
				// has passed, otherwise leave the record for inspection
				if !r.retentionExpired(local, now) {
					continue
				}
				if err := r.instances.Delete(ctx, local.InstanceID); err != nil {
					report.Errors = append(report.Errors,
						fmt.Sprintf("%s: purge terminated: %v", local.InstanceID, err))
					continue
				}
				report.ObsoleteRemoved++
				continue
			}
			r.broker.PublishInstance(events.EventInstanceObsolete, local.InstanceID,
				"upstream instance vanished")
			continue
		}

		// Never provisioned upstream: only creating records can be in this
		// shape, and only past the grace window are they considered dead
		if local.Status == types.StatusCreating &&
			now.Sub(local.Timestamp(types.TsCreated)) > r.cfg.CreationGrace {
			if dryRun {
				report.ObsoleteRemoved++
				continue
			}
			if err := r.instances.Delete(ctx, local.InstanceID); err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s: remove stale creation: %v", local.InstanceID, err))
				continue
			}
			report.ObsoleteRemoved++
		}
	}
}

// retentionExpired reports whether a terminated record has outlived the
// configured retention window
func (r *Reconciler) retentionExpired(local *types.Instance, now time.Time) bool {
	if r.cfg.ObsoleteRetention <= 0 {
		return false
	}
	return now.Sub(local.Timestamp(types.TsTerminated)) > r.cfg.ObsoleteRetention
}

// LastReport returns the most recent sync report, or nil before the
// first completed pass
func (r *Reconciler) LastReport() *types.SyncReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReport
}

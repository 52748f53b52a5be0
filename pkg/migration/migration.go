// Package migration sweeps exited spot instances and asks upstream to
// migrate them onto fresh capacity. Eligibility is purely time-based: an
// instance whose last successful migration is older than the configured
// interval (or unrecorded) is eligible. Failed migrations fall back to
// recreating the instance from its existing data.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/paddock-io/paddock/pkg/cache"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

const (
	// keyPrefix records the last successful migration per upstream ID
	keyPrefix = "migration-times:"

	// recordTTL bounds how long migration timestamps are kept
	recordTTL = 7 * 24 * time.Hour
)

// Upstream is the slice of the provider adapter the engine consumes
type Upstream interface {
	ListInstances(ctx context.Context, pageSize int, status string) ([]novita.Instance, error)
	MigrateInstance(ctx context.Context, upstreamID string) (*novita.MigrateResult, error)
	CreateInstance(ctx context.Context, req novita.CreateInstanceRequest) (string, error)
	GetOptimalProduct(ctx context.Context, name, preferredRegion string) (*types.Product, string, error)
}

// Config tunes the migration engine
type Config struct {
	EligibilityInterval time.Duration // min age of the last migration, default 4h
	MaxConcurrent       int           // parallel migrations per sweep, default 5
	DryRun              bool
}

// Engine runs migration sweeps
type Engine struct {
	cfg       Config
	store     storage.Store
	upstream  Upstream
	instances *cache.InstanceCache
	logger    zerolog.Logger

	mu        sync.RWMutex
	lastSweep *types.SweepResult
}

// NewEngine creates a migration engine
func NewEngine(cfg Config, store storage.Store, upstream Upstream, instances *cache.InstanceCache) *Engine {
	if cfg.EligibilityInterval <= 0 {
		cfg.EligibilityInterval = 4 * time.Hour
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		upstream:  upstream,
		instances: instances,
		logger:    log.WithComponent("migration"),
	}
}

// Sweep runs one migration pass. The dryRun argument overrides the
// configured mode when true.
func (e *Engine) Sweep(ctx context.Context, dryRun bool) (*types.SweepResult, error) {
	start := time.Now()
	dryRun = dryRun || e.cfg.DryRun
	metrics.MigrationSweeps.Inc()

	upstream, err := e.upstream.ListInstances(ctx, 100, "")
	if err != nil {
		return nil, fmt.Errorf("listing upstream instances: %w", err)
	}

	var exited []novita.Instance
	for _, inst := range upstream {
		if strings.EqualFold(inst.Status, "exited") {
			exited = append(exited, inst)
		}
	}

	result := &types.SweepResult{TotalProcessed: len(exited), DryRun: dryRun}

	var eligible []novita.Instance
	for _, inst := range exited {
		ok, err := e.isEligible(ctx, inst.ID)
		if err != nil {
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails,
				fmt.Sprintf("%s: eligibility check: %v", inst.ID, err))
			continue
		}
		if !ok {
			result.Skipped++
			continue
		}
		eligible = append(eligible, inst)
	}

	if dryRun {
		// Plan only: report as if every eligible instance migrated
		result.Migrated = len(eligible)
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		e.logger.Info().Int("total", result.TotalProcessed).Int("would_migrate", result.Migrated).
			Int("skipped", result.Skipped).Msg("migration sweep dry run complete")
		e.record(result)
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)

	for i := range eligible {
		inst := eligible[i]
		g.Go(func() error {
			err := e.migrateOne(gctx, inst)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors++
				result.ErrorDetails = append(result.ErrorDetails,
					fmt.Sprintf("%s: %v", inst.ID, err))
				metrics.InstancesMigrated.WithLabelValues("error").Inc()
			} else {
				result.Migrated++
				metrics.InstancesMigrated.WithLabelValues("success").Inc()
			}
			return nil
		})
	}
	g.Wait()

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	e.logger.Info().Int("total", result.TotalProcessed).Int("migrated", result.Migrated).
		Int("skipped", result.Skipped).Int("errors", result.Errors).
		Int64("took_ms", result.ExecutionTimeMs).Msg("migration sweep complete")
	e.record(result)
	return result, nil
}

func (e *Engine) record(result *types.SweepResult) {
	e.mu.Lock()
	e.lastSweep = result
	e.mu.Unlock()
}

// LastSweep returns the most recent sweep result, or nil before the
// first pass
func (e *Engine) LastSweep() *types.SweepResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSweep
}

// isEligible reports whether the instance has no successful migration
// within the eligibility interval. A missing record means eligible.
func (e *Engine) isEligible(ctx context.Context, upstreamID string) (bool, error) {
	raw, err := e.store.Get(ctx, keyPrefix+upstreamID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Corrupt record, treat as eligible and overwrite on success
		e.logger.Warn().Str("upstream_id", upstreamID).Str("value", raw).
			Msg("unparseable migration timestamp, treating as eligible")
		return true, nil
	}
	last := time.UnixMilli(ms)
	return time.Since(last) >= e.cfg.EligibilityInterval, nil
}

func (e *Engine) recordMigration(ctx context.Context, upstreamID string) error {
	ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return e.store.Set(ctx, keyPrefix+upstreamID, ms, recordTTL)
}

func (e *Engine) migrateOne(ctx context.Context, inst novita.Instance) error {
	res, err := e.upstream.MigrateInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if !res.Success {
		e.logger.Warn().Str("upstream_id", inst.ID).Str("reason", res.Error).
			Msg("migration rejected, recreating instance")
		if err := e.recreate(ctx, inst); err != nil {
			return fmt.Errorf("migration failed (%s) and recreate failed: %w", res.Error, err)
		}
	}

	if err := e.recordMigration(ctx, inst.ID); err != nil {
		e.logger.Warn().Err(err).Str("upstream_id", inst.ID).
			Msg("failed to record migration timestamp")
	}
	e.touchLocal(ctx, inst.ID)
	return nil
}

// recreate provisions a replacement from the exited instance's own data
// rather than re-fetching its template
func (e *Engine) recreate(ctx context.Context, inst novita.Instance) error {
	productID := inst.ProductID
	clusterID := inst.ClusterID
	if productID == "" {
		product, _, err := e.upstream.GetOptimalProduct(ctx, inst.ProductName, inst.Region)
		if err != nil {
			return fmt.Errorf("resolving replacement product: %w", err)
		}
		productID = product.ID
		clusterID = product.ClusterID
	}

	ports := make([]types.PortDefinition, 0, len(inst.PortMappings))
	for _, m := range inst.PortMappings {
		ports = append(ports, types.PortDefinition{Port: m.Port, Type: m.Type})
	}
	envs := make([]types.EnvVar, 0, len(inst.Envs))
	for _, env := range inst.Envs {
		envs = append(envs, types.EnvVar{Key: env.Key, Value: env.Value})
	}

	name := fmt.Sprintf("%s-recreated-%d", inst.Name, time.Now().UnixMilli())
	newID, err := e.upstream.CreateInstance(ctx, novita.CreateInstanceRequest{
		Name:        name,
		ProductID:   productID,
		GPUNum:      inst.GPUNum,
		RootfsSize:  inst.RootfsSize,
		ImageURL:    inst.ImageURL,
		ImageAuthID: inst.ImageAuthID,
		Command:     inst.Command,
		ClusterID:   clusterID,
		BillingMode: inst.BillingMode,
		Ports:       ports,
		Envs:        envs,
	})
	if err != nil {
		return err
	}
	e.logger.Info().Str("old_upstream_id", inst.ID).Str("new_upstream_id", newID).
		Str("name", name).Msg("recreated instance")
	return nil
}

// touchLocal stamps lastMigration on the tracking record, if one exists
func (e *Engine) touchLocal(ctx context.Context, upstreamID string) {
	local, err := e.instances.FindByUpstreamID(ctx, upstreamID)
	if err != nil {
		return
	}
	local.SetTimestamp(types.TsLastMigration, time.Now().UTC())
	if err := e.instances.Put(ctx, local); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", local.InstanceID).
			Msg("failed to stamp lastMigration")
	}
}

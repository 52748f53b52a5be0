package instance

import (
	"context"
	"time"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/types"
)

// ListSource selects which side of the truth a listing draws from
type ListSource string

const (
	ListLocal    ListSource = "local"
	ListUpstream ListSource = "upstream"
	ListAll      ListSource = "all"
)

// ListOptions filters a listing
type ListOptions struct {
	Source    ListSource           `json:"source"`
	Status    types.InstanceStatus `json:"status,omitempty"`
	SyncLocal bool                 `json:"syncLocal,omitempty"` // persist merged records back to the cache
}

// ListCounters reports where the listed records came from
type ListCounters struct {
	Local    int `json:"local"`
	Upstream int `json:"upstream"`
	Merged   int `json:"merged"`
}

// ListResult is the merged listing plus provenance counters
type ListResult struct {
	Instances  []*types.Instance `json:"instances"`
	Counters   ListCounters      `json:"counters"`
	DurationMs int64             `json:"durationMs"`
}

// List returns instances from the requested source. For "all", local
// records are merged with the upstream snapshot per upstream ID: upstream
// wins status and endpoints, local wins identity and tracking state.
func (s *Service) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	start := time.Now()
	if opts.Source == "" {
		opts.Source = ListAll
	}

	result := &ListResult{}

	local, err := s.instances.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range local {
		if inst.Source == "" {
			inst.Source = types.SourceLocal
		}
	}

	if opts.Source == ListLocal {
		result.Instances = filterByStatus(local, opts.Status)
		result.Counters.Local = len(result.Instances)
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	upstream, err := s.upstream.ListInstances(ctx, 100, "")
	if err != nil {
		if opts.Source == ListUpstream {
			return nil, err
		}
		// Degraded: fall back to the local view only
		s.logger.Warn().Err(err).Msg("upstream listing failed, returning local records only")
		result.Instances = filterByStatus(local, opts.Status)
		result.Counters.Local = len(result.Instances)
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	byUpstreamID := make(map[string]*types.Instance, len(local))
	for _, inst := range local {
		if inst.UpstreamID != "" {
			byUpstreamID[inst.UpstreamID] = inst
		}
	}

	var merged []*types.Instance
	seen := make(map[string]bool, len(upstream))
	for i := range upstream {
		up := &upstream[i]
		seen[up.ID] = true

		if localInst, ok := byUpstreamID[up.ID]; ok {
			m := Merge(localInst, up)
			merged = append(merged, m)
			result.Counters.Merged++
			if opts.SyncLocal {
				if err := s.instances.Put(ctx, m); err != nil {
					s.logger.Warn().Err(err).Str("instance_id", m.InstanceID).
						Msg("failed to persist merged record")
				}
			}
			continue
		}
		if opts.Source == ListUpstream || opts.Source == ListAll {
			merged = append(merged, FromUpstream(up))
			result.Counters.Upstream++
		}
	}

	if opts.Source == ListAll {
		for _, inst := range local {
			if inst.UpstreamID == "" || !seen[inst.UpstreamID] {
				merged = append(merged, inst)
				result.Counters.Local++
			}
		}
	}

	result.Instances = filterByStatus(merged, opts.Status)
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func filterByStatus(instances []*types.Instance, status types.InstanceStatus) []*types.Instance {
	if status == "" {
		return instances
	}
	filtered := make([]*types.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == status {
			filtered = append(filtered, inst)
		}
	}
	return filtered
}

// RefreshFromUpstream pulls the current upstream state of one instance
// and folds it into the local record. Used by monitor handlers.
func (s *Service) RefreshFromUpstream(ctx context.Context, instanceID string) (*types.Instance, *novita.Instance, error) {
	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.UpstreamID == "" {
		return inst, nil, errdefs.Conflictf("instance %s has no upstream id to poll", instanceID)
	}
	up, err := s.upstream.GetInstance(ctx, inst.UpstreamID)
	if err != nil {
		return inst, nil, err
	}
	return inst, up, nil
}

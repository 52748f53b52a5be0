package instance

import (
	"strings"

	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/types"
)

// MapUpstreamStatus translates the provider's status strings into the
// local lifecycle vocabulary. Unknown strings map to the zero value and
// callers keep their current status.
func MapUpstreamStatus(s string) types.InstanceStatus {
	switch strings.ToLower(s) {
	case "tocreate", "creating":
		return types.StatusCreating
	case "created":
		return types.StatusCreated
	case "pulling", "starting":
		return types.StatusStarting
	case "running":
		return types.StatusRunning
	case "stopping":
		return types.StatusStopping
	case "stopped":
		return types.StatusStopped
	case "exited":
		return types.StatusExited
	case "removed", "deleted":
		return types.StatusTerminated
	case "failed":
		return types.StatusFailed
	default:
		return ""
	}
}

// statusRank orders statuses by lifecycle progress, used to judge which
// side of a merge is ahead
var statusRank = map[types.InstanceStatus]int{
	types.StatusCreating:       1,
	types.StatusCreated:        2,
	types.StatusStarting:       3,
	types.StatusRunning:        4,
	types.StatusHealthChecking: 5,
	types.StatusReady:          6,
	types.StatusStopping:       7,
	types.StatusStopped:        8,
	types.StatusExited:         8,
	types.StatusFailed:         9,
	types.StatusTerminated:     10,
}

func isTerminal(s types.InstanceStatus) bool {
	return s == types.StatusFailed || s == types.StatusTerminated
}

func isActive(s types.InstanceStatus) bool {
	switch s {
	case types.StatusRunning, types.StatusHealthChecking, types.StatusReady:
		return true
	}
	return false
}

// Merge combines a local record with the upstream snapshot for the same
// upstream ID. Upstream is authoritative for status, region and port
// mappings; local owns identity, config, health and startup tracking. The
// returned record is a copy tagged source=merged.
func Merge(local *types.Instance, up *novita.Instance) *types.Instance {
	merged := *local
	merged.Source = types.SourceMerged

	upStatus := MapUpstreamStatus(up.Status)
	if upStatus == "" {
		upStatus = local.Status
	}
	// ready is the local refinement of an upstream running report
	if local.Status == types.StatusReady && upStatus == types.StatusRunning {
		upStatus = types.StatusReady
	}

	merged.DataConsistency = consistency(local.Status, upStatus)
	merged.Status = upStatus

	if region := novita.RegionCode(up.Region); region != "" {
		merged.Config.Region = region
	}
	if endpoints := up.Endpoints(); len(endpoints) > 0 &&
		(merged.Status == types.StatusReady || merged.Status == types.StatusRunning) {
		conn := connectionFromEndpoints(endpoints)
		merged.Connection = conn
	} else if merged.Status != types.StatusReady && merged.Status != types.StatusRunning {
		merged.Connection = nil
	}
	return &merged
}

func consistency(local, upstream types.InstanceStatus) types.DataConsistency {
	if local == upstream {
		return types.ConsistencyConsistent
	}
	// One side thinks the instance is gone while the other sees it alive
	if (isTerminal(local) && isActive(upstream)) || (isTerminal(upstream) && isActive(local)) {
		return types.ConsistencyConflicted
	}
	if statusRank[local] > statusRank[upstream] {
		return types.ConsistencyLocalNewer
	}
	return types.ConsistencyUpstreamNewer
}

// connectionFromEndpoints builds the connection block, deriving SSH and
// Jupyter convenience URLs from well-known ports
func connectionFromEndpoints(endpoints []types.PortEndpoint) *types.ConnectionInfo {
	conn := &types.ConnectionInfo{Endpoints: endpoints}
	for _, ep := range endpoints {
		switch {
		case ep.Port == 22 || strings.HasPrefix(ep.Endpoint, "ssh://"):
			conn.SSHURL = ep.Endpoint
			if !strings.HasPrefix(conn.SSHURL, "ssh://") {
				conn.SSHURL = "ssh://" + conn.SSHURL
			}
		case ep.Port == 8888:
			conn.JupyterURL = ep.Endpoint
			if !strings.HasPrefix(conn.JupyterURL, "http") {
				conn.JupyterURL = "https://" + conn.JupyterURL
			}
		}
	}
	return conn
}

// FromUpstream builds a local-shaped record for an instance known only
// upstream. It carries no local identity; the instanceId mirrors the
// upstream ID with a marker prefix so callers can tell it apart.
func FromUpstream(up *novita.Instance) *types.Instance {
	status := MapUpstreamStatus(up.Status)
	if status == "" {
		status = types.StatusRunning
	}
	inst := &types.Instance{
		InstanceID: "upstream-" + up.ID,
		UpstreamID: up.ID,
		Name:       up.Name,
		Status:     status,
		Source:     types.SourceUpstream,
		Config: types.InstanceConfig{
			ProductName: up.ProductName,
			GPUNum:      up.GPUNum,
			RootfsSize:  up.RootfsSize,
			Region:      novita.RegionCode(up.Region),
			BillingMode: types.BillingMode(up.BillingMode),
			Command:     up.Command,
		},
	}
	if endpoints := up.Endpoints(); len(endpoints) > 0 && isActive(status) {
		inst.Connection = connectionFromEndpoints(endpoints)
	}
	if up.CreatedAt > 0 {
		inst.SetTimestamp(types.TsCreated, msTime(up.CreatedAt))
	}
	return inst
}

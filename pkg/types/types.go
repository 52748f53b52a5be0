package types

import (
	"time"
)

// InstanceStatus represents the lifecycle state of a GPU instance
type InstanceStatus string

const (
	StatusCreating       InstanceStatus = "creating"
	StatusCreated        InstanceStatus = "created"
	StatusStarting       InstanceStatus = "starting"
	StatusRunning        InstanceStatus = "running"
	StatusHealthChecking InstanceStatus = "health_checking"
	StatusReady          InstanceStatus = "ready"
	StatusStopping       InstanceStatus = "stopping"
	StatusStopped        InstanceStatus = "stopped"
	StatusExited         InstanceStatus = "exited"
	StatusFailed         InstanceStatus = "failed"
	StatusTerminated     InstanceStatus = "terminated"
)

// BillingMode defines how an instance is billed upstream
type BillingMode string

const (
	BillingSpot     BillingMode = "spot"
	BillingOnDemand BillingMode = "onDemand"
)

// Source tags where a listed instance record originated
type Source string

const (
	SourceLocal    Source = "local"
	SourceUpstream Source = "upstream"
	SourceMerged   Source = "merged"
)

// DataConsistency describes how a merged record's local and upstream views relate
type DataConsistency string

const (
	ConsistencyConsistent    DataConsistency = "consistent"
	ConsistencyLocalNewer    DataConsistency = "local-newer"
	ConsistencyUpstreamNewer DataConsistency = "upstream-newer"
	ConsistencyConflicted    DataConsistency = "conflicted"
)

// Timestamp map keys tracked on every instance record
const (
	TsCreated              = "created"
	TsStartRequested       = "startRequested"
	TsInstanceStarting     = "instanceStarting"
	TsInstanceRunning      = "instanceRunning"
	TsHealthCheckStarted   = "healthCheckStarted"
	TsHealthCheckCompleted = "healthCheckCompleted"
	TsReady                = "ready"
	TsStopping             = "stopping"
	TsStopped              = "stopped"
	TsTerminated           = "terminated"
	TsLastUsed             = "lastUsed"
	TsLastSynced           = "lastSynced"
	TsLastMigration        = "lastMigration"
)

// Product is a GPU SKU in a specific region with current pricing
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Region        string  `json:"region"`
	ClusterID     string  `json:"clusterId,omitempty"`
	SpotPrice     float64 `json:"spotPrice"`
	OnDemandPrice float64 `json:"onDemandPrice"`
	Available     bool    `json:"available"`
}

// PortDefinition declares a port exposed by a template
type PortDefinition struct {
	Port int    `json:"port"`
	Type string `json:"type"` // "http" or "tcp"
	Name string `json:"name,omitempty"`
}

// EnvVar is a single environment variable passed to the instance image
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Template is a reusable bundle of image, ports, environment and registry auth
type Template struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	ImageURL    string           `json:"imageUrl"`
	ImageAuthID string           `json:"imageAuthId,omitempty"`
	Ports       []PortDefinition `json:"ports,omitempty"`
	Envs        []EnvVar         `json:"envs,omitempty"`
	Command     string           `json:"command,omitempty"`
}

// RegistryAuth holds container registry credentials resolved just-in-time
type RegistryAuth struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Region is one entry of the ordered fallback table used for product selection
type Region struct {
	Code      string `json:"code"`
	ClusterID string `json:"clusterId"`
	Priority  int    `json:"priority"` // lower is preferred
}

// InstanceConfig captures the user intent at creation time
type InstanceConfig struct {
	ProductName   string      `json:"productName"`
	TemplateID    string      `json:"templateId"`
	GPUNum        int         `json:"gpuNum"`
	RootfsSize    int         `json:"rootfsSize"`
	Region        string      `json:"region"`
	BillingMode   BillingMode `json:"billingMode,omitempty"`
	Command       string      `json:"command,omitempty"`
	WebhookURL    string      `json:"webhookUrl,omitempty"`
	WebhookSecret string      `json:"webhookSecret,omitempty"`
}

// PortEndpoint is a single publicly reachable port of a running instance
type PortEndpoint struct {
	Port     int    `json:"port"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// ConnectionInfo is populated once an instance reaches ready
type ConnectionInfo struct {
	Endpoints  []PortEndpoint `json:"endpoints,omitempty"`
	SSHURL     string         `json:"sshUrl,omitempty"`
	JupyterURL string         `json:"jupyterUrl,omitempty"`
}

// HealthState is the aggregate health verdict over all checked endpoints
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthPartial   HealthState = "partial"
)

// EndpointHealth is the latest check result for one endpoint
type EndpointHealth struct {
	Port           int       `json:"port"`
	Path           string    `json:"path,omitempty"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	LastChecked    time.Time `json:"lastChecked"`
	ResponseTimeMs int64     `json:"responseTime"`
	Error          string    `json:"error,omitempty"`
}

// HealthSummary is the latest overall health result for an instance
type HealthSummary struct {
	OverallStatus HealthState      `json:"overallStatus"`
	Endpoints     []EndpointHealth `json:"endpoints,omitempty"`
	CheckedAt     time.Time        `json:"checkedAt"`
}

// StartupPhase tracks progress of a start-after-exit operation
type StartupPhase string

const (
	PhaseInitiated      StartupPhase = "initiated"
	PhaseMonitoring     StartupPhase = "monitoring"
	PhaseHealthChecking StartupPhase = "health_checking"
	PhaseCompleted      StartupPhase = "completed"
	PhaseFailed         StartupPhase = "failed"
)

// StartupOperation is minted when a start intent is accepted
type StartupOperation struct {
	OperationID string               `json:"operationId"`
	Phase       StartupPhase         `json:"phase"`
	Phases      map[string]time.Time `json:"phases,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Instance is the canonical per-instance record owned by the instance service
type Instance struct {
	InstanceID       string               `json:"instanceId"`
	UpstreamID       string               `json:"upstreamId,omitempty"`
	Name             string               `json:"name"`
	Status           InstanceStatus       `json:"status"`
	Product          *Product             `json:"product,omitempty"`
	Template         *Template            `json:"template,omitempty"`
	Config           InstanceConfig       `json:"config"`
	Connection       *ConnectionInfo      `json:"connection,omitempty"`
	Timestamps       map[string]time.Time `json:"timestamps,omitempty"`
	LastError        string               `json:"lastError,omitempty"`
	HealthCheck      *HealthSummary       `json:"healthCheck,omitempty"`
	StartupOperation *StartupOperation    `json:"startupOperation,omitempty"`
	Source           Source               `json:"source,omitempty"`
	DataConsistency  DataConsistency      `json:"dataConsistency,omitempty"`
}

// Timestamp returns the named timestamp, or the zero time when unset
func (i *Instance) Timestamp(key string) time.Time {
	if i.Timestamps == nil {
		return time.Time{}
	}
	return i.Timestamps[key]
}

// SetTimestamp records the named timestamp, allocating the map on first use
func (i *Instance) SetTimestamp(key string, t time.Time) {
	if i.Timestamps == nil {
		i.Timestamps = make(map[string]time.Time)
	}
	i.Timestamps[key] = t
}

// LastActivity is the latest of lastUsed, ready, startRequested and created.
// Feeds the auto-stop eligibility decision.
func (i *Instance) LastActivity() time.Time {
	latest := i.Timestamp(TsCreated)
	for _, key := range []string{TsStartRequested, TsReady, TsLastUsed} {
		if ts := i.Timestamp(key); ts.After(latest) {
			latest = ts
		}
	}
	return latest
}

// SyncReport summarizes one reconciliation pass against the upstream listing
type SyncReport struct {
	Total           int       `json:"total"`
	Created         int       `json:"created"`
	Updated         int       `json:"updated"`
	ObsoleteMarked  int       `json:"obsoleteMarked"`
	ObsoleteRemoved int       `json:"obsoleteRemoved"`
	Errors          []string  `json:"errors,omitempty"`
	DurationMs      int64     `json:"durationMs"`
	CompletedAt     time.Time `json:"completedAt"`
}

// SweepResult summarizes one migration sweep over exited spot instances
type SweepResult struct {
	TotalProcessed  int      `json:"totalProcessed"`
	Migrated        int      `json:"migrated"`
	Skipped         int      `json:"skipped"`
	Errors          int      `json:"errors"`
	ErrorDetails    []string `json:"errorDetails,omitempty"`
	ExecutionTimeMs int64    `json:"executionTimeMs"`
	DryRun          bool     `json:"dryRun,omitempty"`
}

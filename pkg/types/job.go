package types

import (
	"encoding/json"
	"time"
)

// JobType identifies a background job handler
type JobType string

const (
	// JobCreateInstance is reserved for an asynchronous creation variant.
	// The current creation path is synchronous.
	JobCreateInstance JobType = "CREATE_INSTANCE"

	// JobMonitorInstance polls upstream after creation until the instance
	// runs or the startup deadline passes
	JobMonitorInstance JobType = "MONITOR_INSTANCE"

	// JobMonitorStartup drives the start-after-exit path with phase tracking
	JobMonitorStartup JobType = "MONITOR_STARTUP"

	// JobSendWebhook delivers one signed webhook notification
	JobSendWebhook JobType = "SEND_WEBHOOK"

	// JobMigrateSpotInstances runs one migration sweep over exited instances
	JobMigrateSpotInstances JobType = "MIGRATE_SPOT_INSTANCES"

	// JobAutoStop evaluates idle running instances and stops them
	JobAutoStop JobType = "AUTO_STOP"
)

// JobStatus represents the queue state of a job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a persisted unit of background work
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"` // higher runs first
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	NextRunAt   time.Time       `json:"nextRunAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
}

// MonitorInstancePayload targets a local instance for post-create monitoring
type MonitorInstancePayload struct {
	InstanceID string `json:"instanceId"`
}

// MonitorStartupPayload targets a start-after-exit operation
type MonitorStartupPayload struct {
	InstanceID  string `json:"instanceId"`
	OperationID string `json:"operationId"`
}

// SendWebhookPayload carries one webhook delivery
type SendWebhookPayload struct {
	URL     string         `json:"url"`
	Secret  string         `json:"secret,omitempty"`
	Payload WebhookPayload `json:"payload"`
}

// MigrateSweepPayload configures one migration sweep
type MigrateSweepPayload struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// AutoStopPayload configures one auto-stop evaluation
type AutoStopPayload struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// QueueStats is a point-in-time summary of queue depth by status
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

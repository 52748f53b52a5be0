package types

import (
	"time"
)

// WebhookStatus is the transition reported by a webhook notification
type WebhookStatus string

const (
	WebhookRunning          WebhookStatus = "running"
	WebhookFailed           WebhookStatus = "failed"
	WebhookTimeout          WebhookStatus = "timeout"
	WebhookReady            WebhookStatus = "ready"
	WebhookHealthChecking   WebhookStatus = "health_checking"
	WebhookStartupInitiated WebhookStatus = "startup_initiated"
	WebhookStartupCompleted WebhookStatus = "startup_completed"
	WebhookStartupFailed    WebhookStatus = "startup_failed"
	WebhookStopped          WebhookStatus = "stopped"
	WebhookDeleted          WebhookStatus = "deleted"
)

// WebhookPayload is the JSON body POSTed to the client's webhook URL.
// Optional sections are rendered only when set for the reported status.
type WebhookPayload struct {
	InstanceID       string            `json:"instanceId"`
	UpstreamID       string            `json:"upstreamId,omitempty"`
	Status           WebhookStatus     `json:"status"`
	Timestamp        time.Time         `json:"timestamp"`
	ElapsedTimeMs    int64             `json:"elapsedTime,omitempty"`
	Error            string            `json:"error,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	HealthCheck      *HealthSummary    `json:"healthCheck,omitempty"`
	StartupOperation *StartupOperation `json:"startupOperation,omitempty"`
	Data             map[string]string `json:"data,omitempty"`
}

/*
Package types defines the core data structures used throughout Paddock.

This package contains all fundamental types that represent Paddock's domain
model: GPU instances and their lifecycle, upstream products and templates,
background jobs, webhook notifications, and the reports produced by the
reconciler and migration engine. These types are used by every other package
for state management, upstream communication, and background processing.

# Architecture

The types package is the foundation of Paddock's data model. It defines:

  - The instance lifecycle (status enum, timestamps, startup operations)
  - Upstream catalog snapshots (products, templates, registry auth, regions)
  - The job queue record and per-type payloads
  - Webhook notification payloads
  - Health check results and aggregation states
  - Sync and migration sweep reports

All types are designed to be:
  - Serializable (JSON, camelCase wire tags)
  - Mutated only by their owning component (the instance service owns
    Instance, the queue owns Job)
  - Self-documenting (clear field names and string-typed enums)

# Core Types

Instance Lifecycle:
  - Instance: Canonical per-instance record keyed by a local instanceId
  - InstanceStatus: creating, created, starting, running, health_checking,
    ready, stopping, stopped, exited, failed, terminated
  - StartupOperation: Phase tracking for start-after-exit operations
  - ConnectionInfo: Public endpoints populated once ready

Upstream Catalog:
  - Product: GPU SKU in a region with spot and on-demand pricing
  - Template: Image, ports, environment and optional registry auth
  - Region: Ordered fallback entry for product selection

Background Work:
  - Job: Persisted queue record with priority, attempts and backoff schedule
  - JobType: MONITOR_INSTANCE, MONITOR_STARTUP, SEND_WEBHOOK,
    MIGRATE_SPOT_INSTANCES, AUTO_STOP (CREATE_INSTANCE is reserved)
  - WebhookPayload: Tagged notification body delivered by SEND_WEBHOOK

# Invariants

A few invariants are load-bearing and enforced by the instance service:

  - Status transitions follow the lifecycle graph; no reverse edges
  - UpstreamID is written at most once and is immutable afterwards
  - Connection is populated only in ready and running
  - timestamps.created precedes every other timestamp

# Usage

Creating an instance record:

	inst := &types.Instance{
		InstanceID: "inst-1712000000000-a1b2c3",
		Name:       "trainer-1",
		Status:     types.StatusCreating,
		Config: types.InstanceConfig{
			ProductName: "RTX 4090 24GB",
			TemplateID:  "tmpl-1",
			GPUNum:      1,
			RootfsSize:  60,
			Region:      "CN-HK-01",
		},
	}
	inst.SetTimestamp(types.TsCreated, time.Now())
*/
package types

// Package instance implements the per-instance lifecycle state machine
// and the service that owns the canonical records.
//
// The service is the only writer of instance records. Request handlers
// call it synchronously for validation, product and template resolution
// and the short upstream calls (create, start, stop, delete); everything
// long-running is enqueued as a job and driven by the worker. Transitions
// are checked against an explicit edge set, so an illegal move surfaces
// as a conflict instead of silently corrupting a record.
//
// Listing merges the local records with the upstream inventory. Upstream
// is authoritative for status, region and port mappings; the local side
// owns identity, creation config, health results and startup tracking.
package instance

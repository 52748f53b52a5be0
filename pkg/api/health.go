package api

import (
	"net/http"
	"time"

	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/scheduler"
	"github.com/paddock-io/paddock/pkg/types"
)

// Version is stamped by the entrypoint at startup
var Version = "dev"

// HealthResponse is the liveness answer
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the readiness answer
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// ServiceHealth is the rich aggregated health summary
type ServiceHealth struct {
	Status    string             `json:"status"` // healthy, degraded or unhealthy
	Services  map[string]string  `json:"services"`
	Sync      *types.SyncReport  `json:"sync,omitempty"`
	Migration *types.SweepResult `json:"migration,omitempty"`
	Scheduler scheduler.Status   `json:"scheduler"`
	Timestamp time.Time          `json:"timestamp"`
}

// storeFallbackState marks a service running on the in-memory store
// after the primary store failed to open
const storeFallbackState = "degraded (memory fallback)"

// handleLiveness reports the process is alive
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   Version,
	})
}

// handleReadiness reports whether the service can take traffic: the
// store must answer and the queue must be reachable
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if err := s.svc.store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		ready = false
		message = "store not accessible"
	} else if s.svc.storeFallback {
		// Still ready: the fallback store works, durability is gone
		checks["store"] = storeFallbackState
	} else {
		checks["store"] = "ok"
	}

	if _, err := s.svc.jobs.Stats(r.Context()); err != nil {
		checks["queue"] = "error: " + err.Error()
		ready = false
		if message == "" {
			message = "queue not accessible"
		}
	} else {
		checks["queue"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Message:   message,
	})
}

// handleServiceHealth aggregates per-dependency health into the overall
// verdict: unhealthy when the store is down, degraded when the upstream
// circuit is open or the scheduler keeps failing
func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]string)
	status := "healthy"

	if err := s.svc.store.Ping(r.Context()); err != nil {
		services["store"] = "error: " + err.Error()
		services["cache"] = "unavailable"
		status = "unhealthy"
	} else if s.svc.storeFallback {
		services["store"] = storeFallbackState
		services["cache"] = "ok"
		status = "degraded"
	} else {
		services["store"] = "ok"
		services["cache"] = "ok"
	}

	if _, err := s.svc.jobs.Stats(r.Context()); err != nil {
		services["queue"] = "error: " + err.Error()
		if status == "healthy" {
			status = "degraded"
		}
	} else {
		services["queue"] = "ok"
	}

	breaker := s.svc.upstream.BreakerState()
	services["upstream"] = string(breaker)
	if breaker == novita.BreakerOpen && status == "healthy" {
		status = "degraded"
	}

	schedStatus := s.svc.sched.Status()
	if !s.svc.sched.Healthy() && status == "healthy" {
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ServiceHealth{
		Status:    status,
		Services:  services,
		Sync:      s.svc.recon.LastReport(),
		Migration: s.svc.engine.LastSweep(),
		Scheduler: schedStatus,
		Timestamp: time.Now().UTC(),
	})
}

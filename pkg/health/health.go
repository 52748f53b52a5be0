// Package health probes the public endpoints of running instances. HTTP
// ports get a GET probe, TCP ports a dial probe. Results aggregate into a
// healthy / partial / unhealthy verdict per instance.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/types"
)

// Config tunes the endpoint checker
type Config struct {
	ProbeTimeout  time.Duration // per endpoint attempt
	RetryInterval time.Duration // between WaitHealthy rounds
	MaxConcurrent int           // parallel probes per round
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:  5 * time.Second,
		RetryInterval: 5 * time.Second,
		MaxConcurrent: 8,
	}
}

// Checker probes instance endpoints
type Checker struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewChecker creates a Checker
func NewChecker(cfg Config) *Checker {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Checker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		logger:     log.WithComponent("health"),
	}
}

// Check probes all endpoints once and aggregates the verdict. An instance
// with no endpoints to check reports healthy.
func (c *Checker) Check(ctx context.Context, endpoints []types.PortEndpoint) *types.HealthSummary {
	results := make([]types.EndpointHealth, len(endpoints))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrent)

	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			result := c.probe(gctx, ep)
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	summary := &types.HealthSummary{
		Endpoints: results,
		CheckedAt: time.Now().UTC(),
	}
	summary.OverallStatus = aggregate(results)
	return summary
}

// WaitHealthy re-probes until every endpoint is healthy or the deadline
// passes. The latest summary is always returned; err is non-nil only when
// the wait ended without reaching healthy.
func (c *Checker) WaitHealthy(ctx context.Context, endpoints []types.PortEndpoint, deadline time.Time) (*types.HealthSummary, error) {
	for {
		summary := c.Check(ctx, endpoints)
		if summary.OverallStatus == types.HealthHealthy {
			return summary, nil
		}
		if time.Now().After(deadline) {
			return summary, fmt.Errorf("endpoints not healthy before deadline, last verdict %s", summary.OverallStatus)
		}

		timer := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return summary, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Checker) probe(ctx context.Context, ep types.PortEndpoint) types.EndpointHealth {
	result := types.EndpointHealth{
		Port:        ep.Port,
		Type:        ep.Type,
		LastChecked: time.Now().UTC(),
	}

	start := time.Now()
	var err error
	switch strings.ToLower(ep.Type) {
	case "http", "https":
		err = c.probeHTTP(ctx, ep.Endpoint)
	default:
		err = c.probeTCP(ctx, ep.Endpoint)
	}
	result.ResponseTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Status = "unhealthy"
		result.Error = err.Error()
		c.logger.Debug().Int("port", ep.Port).Str("endpoint", ep.Endpoint).
			Err(err).Msg("endpoint probe failed")
	} else {
		result.Status = "healthy"
	}
	return result
}

// probeHTTP treats any response below 500 as alive: a 404 still proves
// the service is up and answering. Bare host:port endpoints are checked
// over plain http.
func (c *Checker) probeHTTP(ctx context.Context, endpoint string) error {
	url := endpoint
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Checker) probeTCP(ctx context.Context, endpoint string) error {
	addr := strings.TrimPrefix(strings.TrimPrefix(endpoint, "tcp://"), "ssh://")
	dialer := net.Dialer{Timeout: c.cfg.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func aggregate(results []types.EndpointHealth) types.HealthState {
	if len(results) == 0 {
		return types.HealthHealthy
	}
	healthy := 0
	for _, r := range results {
		if r.Status == "healthy" {
			healthy++
		}
	}
	switch healthy {
	case len(results):
		return types.HealthHealthy
	case 0:
		return types.HealthUnhealthy
	default:
		return types.HealthPartial
	}
}

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/log"
)

// Sampler refreshes the point-in-time gauges from current state
type Sampler func(ctx context.Context)

// Collector runs a sampler on a fixed period so the instance and job
// gauges track reality instead of the last event that happened to
// touch them.
type Collector struct {
	interval time.Duration
	sample   Sampler
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCollector creates a collector. Interval defaults to 15s.
func NewCollector(interval time.Duration, sample Sampler) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		interval: interval,
		sample:   sample,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling. The first sample runs immediately.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.logger.Info().Dur("interval", c.interval).Msg("metrics collector started")
	go c.run()
}

// Stop halts sampling and waits for the loop to exit
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)

	c.sample(context.Background())
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sample(context.Background())
		}
	}
}

// SetInstanceCounts replaces the instance status gauges with the given
// counts. Statuses absent from the map drop to zero.
func SetInstanceCounts(counts map[string]int) {
	InstancesTotal.Reset()
	for status, n := range counts {
		InstancesTotal.With(prometheus.Labels{"status": status}).Set(float64(n))
	}
}

// SetJobCounts replaces the queue depth gauges
func SetJobCounts(pending, processing, completed, failed int) {
	JobsTotal.WithLabelValues("pending").Set(float64(pending))
	JobsTotal.WithLabelValues("processing").Set(float64(processing))
	JobsTotal.WithLabelValues("completed").Set(float64(completed))
	JobsTotal.WithLabelValues("failed").Set(float64(failed))
}

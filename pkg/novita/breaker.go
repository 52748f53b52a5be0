package novita

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
)

// BreakerState is the circuit breaker state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes the circuit breaker
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	RecoveryTimeout  time.Duration // open duration before allowing a probe
}

// DefaultBreakerConfig returns the documented defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. While open it rejects
// calls outright; after the recovery timeout it admits probes one at a time
// and closes again after SuccessThreshold consecutive successes.
type Breaker struct {
	cfg    BreakerConfig
	logger zerolog.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{cfg: cfg, state: BreakerClosed, logger: log.WithComponent("breaker")}
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. In half-open only one probe
// is in flight at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.probing = true
		b.logger.Info().Msg("circuit breaker half-open, probing upstream")
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess notes a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.probing = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.successes = 0
			metrics.CircuitBreakerOpen.Set(0)
			b.logger.Info().Msg("circuit breaker closed")
		}
	}
}

// RecordFailure notes a failed call; only infrastructure failures should
// be recorded here, never upstream 4xx rejections.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		// Probe failed, back to open
		b.probing = false
		b.state = BreakerOpen
		b.openedAt = time.Now()
		metrics.CircuitBreakerOpen.Set(1)
		b.logger.Warn().Msg("circuit breaker probe failed, reopening")
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			metrics.CircuitBreakerOpen.Set(1)
			b.logger.Warn().
				Int("failures", b.failures).
				Msg("circuit breaker opened")
		}
	}
}

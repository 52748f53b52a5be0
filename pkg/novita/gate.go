package novita

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paddock-io/paddock/pkg/errdefs"
)

const (
	defaultQueueDepth = 100
	defaultMaxWait    = 30 * time.Second
)

// requestGate serializes upstream calls through a bounded FIFO. Callers
// park on the slot channel in arrival order; a caller that waits longer
// than maxWait, or arrives when the queue is already at depth, fails fast
// with ErrRequestQueueFull.
type requestGate struct {
	slot    chan struct{}
	waiting int32
	depth   int32
	maxWait time.Duration
}

func newRequestGate(depth int, maxWait time.Duration) *requestGate {
	return &requestGate{
		slot:    make(chan struct{}, 1),
		depth:   int32(depth),
		maxWait: maxWait,
	}
}

func (g *requestGate) acquire(ctx context.Context) error {
	if atomic.AddInt32(&g.waiting, 1) > g.depth {
		atomic.AddInt32(&g.waiting, -1)
		return fmt.Errorf("adapter queue at capacity: %w", errdefs.ErrRequestQueueFull)
	}
	defer atomic.AddInt32(&g.waiting, -1)

	timer := time.NewTimer(g.maxWait)
	defer timer.Stop()

	select {
	case g.slot <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("waited %s for adapter slot: %w", g.maxWait, errdefs.ErrRequestQueueFull)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *requestGate) release() {
	<-g.slot
}

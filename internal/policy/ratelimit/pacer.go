// Package ratelimit paces top-level layer downloads against the upstream
// map service.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/webmap-harvester/internal/metrics"
)

// MinInterval is the smallest pause allowed between top-level layers.
const MinInterval = 2 * time.Second

// Pacer enforces a pause of at least interval between the completion of one
// layer (Done) and the start of the next (Wait). Wait returns immediately
// until Done has been called once.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
}

// NewPacer builds a Pacer. Intervals below MinInterval are raised to it.
func NewPacer(interval time.Duration) *Pacer {
	if interval < MinInterval {
		interval = MinInterval
	}
	return newPacer(interval)
}

func newPacer(interval time.Duration) *Pacer {
	return &Pacer{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Wait blocks until the next layer may start, respecting the context.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	limiter := p.limiter
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("layer pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(waited)
	}
	return nil
}

// Done marks the end of a layer. The next Wait blocks for a full interval
// measured from now, however long the layer took.
func (p *Pacer) Done() {
	now := time.Now()
	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	limiter.AllowN(now, 1)

	p.mu.Lock()
	p.limiter = limiter
	p.mu.Unlock()
}

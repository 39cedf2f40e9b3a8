// Package ratelimit paces outbound requests and tracks observed throughput.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/filing-archiver/internal/metrics"
)

// Limiter grants at most Rate operations per Interval, evenly spaced. Grants are
// serialized: a caller holds the gate until its own token is granted, so two grants
// are never closer together than Interval/Rate.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	spacing time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// Rate is the number of operations allowed per Interval. Zero or less disables pacing.
	Rate float64
	// Interval defaults to one second.
	Interval time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if cfg.Rate <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	spacing := time.Duration(float64(interval) / cfg.Rate)
	return &Limiter{
		limiter: rate.NewLimiter(rate.Every(spacing), 1),
		spacing: spacing,
	}
}

// Spacing returns the minimum gap between two grants.
func (l *Limiter) Spacing() time.Duration {
	return l.spacing
}

// Wait blocks until a token is granted or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

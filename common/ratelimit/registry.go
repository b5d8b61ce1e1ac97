package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limit describes a per-service request budget.
type Limit struct {
	PerSecond float64
	Burst     int
}

// Registry hands out token-bucket limiters keyed by external service
// name. Plugins acquire before issuing IO to that service; unknown
// services are unlimited.
type Registry struct {
	limits   map[string]Limit
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewRegistry creates a registry from configured limits
func NewRegistry(limits map[string]Limit) *Registry {
	return &Registry{
		limits:   limits,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until the service's bucket grants a token, or the
// context is cancelled.
func (r *Registry) Acquire(ctx context.Context, service string) error {
	limiter := r.limiter(service)
	if limiter == nil {
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", service, err)
	}

	return nil
}

// Allow reports whether a token is available without blocking
func (r *Registry) Allow(service string) bool {
	limiter := r.limiter(service)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

func (r *Registry) limiter(service string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.limiters[service]; ok {
		return limiter
	}

	limit, ok := r.limits[service]
	if !ok {
		return nil
	}

	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}

	limiter := rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
	r.limiters[service] = limiter
	return limiter
}

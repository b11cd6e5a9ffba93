// Package ratelimit enforces per-tenant, per-endpoint request budgets
// resolved from plan entitlements. The counter backend is pluggable: a
// process-local sliding window by default, Redis when the service runs
// multi-instance.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/settld/backend/internal/tenant"
)

// Counter counts hits inside a fixed window. Implementations return
// the count after the increment.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// Limiter resolves budgets from tenant settings and counts against the
// backend.
type Limiter struct {
	counter Counter
	now     func() time.Time
}

// NewLimiter builds a limiter. counter nil means process-local.
func NewLimiter(counter Counter) *Limiter {
	if counter == nil {
		counter = NewLocalCounter()
	}
	return &Limiter{counter: counter, now: time.Now}
}

// Allow checks one request for (tenant, endpoint). A zero or missing
// budget means unlimited.
func (l *Limiter) Allow(ctx context.Context, settings *tenant.Settings, endpoint string) (*Decision, error) {
	limit := resolveLimit(settings, endpoint)
	if limit.PerMinute <= 0 {
		return &Decision{Allowed: true}, nil
	}
	window := time.Minute
	bucket := l.now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("rl:%s:%s:%d", settings.TenantID, endpoint, bucket)
	n, err := l.counter.Incr(ctx, key, window)
	if err != nil {
		return nil, err
	}
	max := int64(limit.PerMinute + limit.Burst)
	remaining := max - n
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{Allowed: n <= max, Limit: limit.PerMinute, Remaining: int(remaining)}, nil
}

// resolveLimit prefers an explicit per-endpoint override, then the
// plan's entitlement defaults for the well-known endpoints.
func resolveLimit(settings *tenant.Settings, endpoint string) tenant.RateLimit {
	if rl, ok := settings.RateLimits[endpoint]; ok {
		return rl
	}
	ent := settings.ResolveEntitlements()
	if perMinute, ok := ent.RateLimits[endpoint]; ok {
		return tenant.RateLimit{PerMinute: perMinute}
	}
	return tenant.RateLimit{}
}

// LocalCounter is the in-process backend: fixed windows pruned lazily.
type LocalCounter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count     int64
	expiresAt time.Time
}

// NewLocalCounter creates the in-process backend.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{windows: map[string]*localWindow{}}
}

// Incr bumps the window count, creating or replacing expired windows.
func (c *LocalCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	w := c.windows[key]
	if w == nil || now.After(w.expiresAt) {
		w = &localWindow{expiresAt: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	if len(c.windows) > 4096 {
		for k, old := range c.windows {
			if now.After(old.expiresAt) {
				delete(c.windows, k)
			}
		}
	}
	return w.count, nil
}

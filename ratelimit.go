package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Endpoint identifies a class of mapping API calls sharing one request budget
type Endpoint string

const (
	EndpointUpload  Endpoint = "upload"
	EndpointCreate  Endpoint = "create"
	EndpointPublish Endpoint = "publish"
	EndpointStatus  Endpoint = "status"
	EndpointList    Endpoint = "list"
	EndpointStatic  Endpoint = "static"
	EndpointDelete  Endpoint = "delete"
)

var allEndpoints = []Endpoint{
	EndpointUpload, EndpointCreate, EndpointPublish, EndpointStatus,
	EndpointList, EndpointStatic, EndpointDelete,
}

// RateLimiter is a fixed-window request counter. Acquire blocks until the
// caller may send one request. It is safe for concurrent use.
type RateLimiter struct {
	name   string
	max    int
	window time.Duration

	mu          sync.Mutex
	count       int
	windowStart time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter allows max requests per window
func NewRateLimiter(name string, max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		name:        name,
		max:         max,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Acquire reserves one request slot, waiting for the next window when the
// current one is used up. The lock only covers the counter update; the wait
// happens after the slot is reserved. A reserved window may start in the
// future, in which case every caller holding a slot in it waits.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}

	if l.count >= l.max {
		l.windowStart = l.windowStart.Add(l.window)
		l.count = 0
	}
	l.count++
	wait := l.windowStart.Sub(now)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	slog.Info("rate limit reached, waiting", "endpoint", l.name, "wait_seconds", wait.Seconds())
	rateLimitWait.WithLabelValues(l.name).Observe(wait.Seconds())
	return l.sleep(ctx, wait)
}

// EndpointLimiters holds one limiter per endpoint class so that a burst on
// one endpoint never eats into another endpoint's budget.
type EndpointLimiters struct {
	limiters map[Endpoint]*RateLimiter
}

// NewEndpointLimiters builds the limiters from config. Publish gets its own
// tighter budget, every other endpoint the default.
func NewEndpointLimiters(cfg RateLimitConfig) *EndpointLimiters {
	limiters := make(map[Endpoint]*RateLimiter, len(allEndpoints))
	for _, ep := range allEndpoints {
		limit := cfg.DefaultRequests
		if ep == EndpointPublish {
			limit = cfg.PublishRequests
		}
		limiters[ep] = NewRateLimiter(string(ep), limit, cfg.Window)
	}
	return &EndpointLimiters{limiters: limiters}
}

// Acquire waits on the limiter of the given endpoint
func (e *EndpointLimiters) Acquire(ctx context.Context, ep Endpoint) error {
	l, ok := e.limiters[ep]
	if !ok {
		return nil
	}
	return l.Acquire(ctx)
}

// Limiter returns the limiter of an endpoint
func (e *EndpointLimiters) Limiter(ep Endpoint) *RateLimiter {
	return e.limiters[ep]
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

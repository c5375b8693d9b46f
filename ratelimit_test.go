package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives a limiter without real sleeps. Sleeping advances the clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestLimiter(clock *fakeClock, max int, window time.Duration) *RateLimiter {
	l := NewRateLimiter("test", max, window)
	l.now = clock.Now
	l.sleep = clock.Sleep
	l.windowStart = clock.Now()
	return l
}

func TestRateLimiter_WaitsForNextWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 2, 5*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(clock.Sleeps()) != 0 {
		t.Fatalf("first 2 requests should not wait, slept %v", clock.Sleeps())
	}

	clock.Advance(500 * time.Millisecond)
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 {
		t.Fatalf("expected 1 wait, got %v", sleeps)
	}
	if sleeps[0] != 4500*time.Millisecond {
		t.Errorf("expected 4.5s wait, got %v", sleeps[0])
	}

	// the third request opened a new window with one slot used
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if len(clock.Sleeps()) != 1 {
		t.Errorf("4th request fits in the new window, slept %v", clock.Sleeps())
	}
}

func TestRateLimiter_WindowResetsAfterElapsing(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 2, 5*time.Second)
	ctx := context.Background()

	l.Acquire(ctx)
	l.Acquire(ctx)

	clock.Advance(6 * time.Second)
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if len(clock.Sleeps()) != 0 {
		t.Errorf("expected no waits after window elapsed, got %v", clock.Sleeps())
	}
}

func TestRateLimiter_ContextCancelled(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 1, 5*time.Second)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRateLimiter_RealSleepHonoursCancel(t *testing.T) {
	l := NewRateLimiter("test", 1, time.Hour)
	l.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Acquire did not return promptly after cancellation")
	}
}

func TestRateLimiter_ConcurrentCallersNeverExceedBudget(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 3, 5*time.Second)

	// the clock stands still so every caller competes for the same windows
	var mu sync.Mutex
	waits := map[time.Duration]int{}
	l.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waits[d]++
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Acquire(context.Background())
		}()
	}
	wg.Wait()

	// 3 go now, 3 wait for the next window, 3 for the one after
	if waits[5*time.Second] != 3 || waits[10*time.Second] != 3 || len(waits) != 2 {
		t.Errorf("unexpected waits: %v", waits)
	}
}

func TestEndpointLimiters_Isolation(t *testing.T) {
	clock := newFakeClock()
	limiters := NewEndpointLimiters(RateLimitConfig{
		PublishRequests: 2,
		DefaultRequests: 3,
		Window:          5 * time.Second,
	})
	for _, ep := range allEndpoints {
		l := limiters.Limiter(ep)
		l.now = clock.Now
		l.sleep = clock.Sleep
		l.windowStart = clock.Now()
	}

	ctx := context.Background()

	// exhaust the upload budget
	for i := 0; i < 3; i++ {
		if err := limiters.Acquire(ctx, EndpointUpload); err != nil {
			t.Fatal(err)
		}
	}

	// publish is unaffected
	for i := 0; i < 2; i++ {
		if err := limiters.Acquire(ctx, EndpointPublish); err != nil {
			t.Fatal(err)
		}
	}
	if len(clock.Sleeps()) != 0 {
		t.Fatalf("publish should not wait on upload traffic, slept %v", clock.Sleeps())
	}

	// the third publish in the window waits
	if err := limiters.Acquire(ctx, EndpointPublish); err != nil {
		t.Fatal(err)
	}
	if len(clock.Sleeps()) != 1 {
		t.Errorf("expected publish to wait once, slept %v", clock.Sleeps())
	}
}

func TestNewEndpointLimiters_Budgets(t *testing.T) {
	limiters := NewEndpointLimiters(RateLimitConfig{PublishRequests: 2, DefaultRequests: 100, Window: 5 * time.Second})

	for _, ep := range allEndpoints {
		l := limiters.Limiter(ep)
		if l == nil {
			t.Fatalf("no limiter for %s", ep)
		}
		want := 100
		if ep == EndpointPublish {
			want = 2
		}
		if l.max != want {
			t.Errorf("%s: expected max %d, got %d", ep, want, l.max)
		}
		if l.window != 5*time.Second {
			t.Errorf("%s: expected 5s window, got %v", ep, l.window)
		}
	}
}

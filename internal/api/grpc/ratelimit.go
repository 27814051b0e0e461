package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/metadata"
)

// WorkerIDHeader is the metadata key remote workers identify themselves with
const WorkerIDHeader = "x-worker-id"

// RateLimiter implements per-worker rate limiting over one-minute windows
type RateLimiter struct {
	mu              sync.Mutex
	limitPerMinute  int
	counters        map[string]*workerCounter
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

type workerCounter struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop
func NewRateLimiter(limitPerMinute int) *RateLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = 600
	}

	rl := &RateLimiter{
		limitPerMinute:  limitPerMinute,
		counters:        make(map[string]*workerCounter),
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go rl.cleanup()

	return rl
}

// Allow reports whether another call from worker fits in its window.
// Anonymous calls are not limited
func (rl *RateLimiter) Allow(worker string) bool {
	if worker == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, ok := rl.counters[worker]
	if !ok || now.After(c.windowEnd) {
		rl.counters[worker] = &workerCounter{count: 1, windowEnd: now.Add(time.Minute)}
		return true
	}
	if c.count >= rl.limitPerMinute {
		return false
	}
	c.count++
	return true
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for worker, c := range rl.counters {
				if now.After(c.windowEnd.Add(time.Minute)) {
					delete(rl.counters, worker)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// extractWorkerID reads the worker id from incoming metadata
func extractWorkerID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(WorkerIDHeader); len(values) > 0 {
		return values[0]
	}
	return ""
}

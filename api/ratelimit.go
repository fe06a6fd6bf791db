package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sightedit/collabserver/internal/slogging"
)

// rateWindow is a fixed-window counter. The per-session message window uses
// the same shape but lives on the Session so it dies with the connection.
type rateWindow struct {
	count       int
	windowStart time.Time
}

// ConnectionLimiter caps connection attempts per remote address over a
// sliding window. With a Redis client it uses sorted sets so limits survive
// restarts; without one it degrades to an in-memory fixed window that the
// reaper sweeps.
type ConnectionLimiter struct {
	redisClient *redis.Client
	limit       int
	window      time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow
}

// NewConnectionLimiter creates a per-address connection limiter.
// redisClient may be nil.
func NewConnectionLimiter(redisClient *redis.Client, limit int, window time.Duration) *ConnectionLimiter {
	return &ConnectionLimiter{
		redisClient: redisClient,
		limit:       limit,
		window:      window,
		windows:     make(map[string]*rateWindow),
	}
}

// Allow records a connection attempt from addr and reports whether it is
// within budget. Redis errors fail open: a degraded limiter must not take
// the whole endpoint down.
func (l *ConnectionLimiter) Allow(ctx context.Context, addr string) bool {
	if l.redisClient != nil {
		allowed, err := l.checkSlidingWindow(ctx, addr)
		if err != nil {
			slogging.Get().Error("connection rate limit check failed for %s: %v", addr, err)
			return true
		}
		return allowed
	}
	return l.checkMemoryWindow(addr, time.Now())
}

// checkSlidingWindow implements sliding window rate limiting using Redis
// sorted sets
func (l *ConnectionLimiter) checkSlidingWindow(ctx context.Context, addr string) (bool, error) {
	key := fmt.Sprintf("collab:ratelimit:conn:%s", addr)
	now := time.Now().UnixMilli()
	windowStart := now - l.window.Milliseconds()

	pipe := l.redisClient.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCount(ctx, key, fmt.Sprintf("%d", windowStart), "+inf")
	pipe.Expire(ctx, key, l.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if countCmd.Val() >= int64(l.limit) {
		return false, nil
	}

	// Add current attempt only if under limit
	err := l.redisClient.ZAdd(ctx, key, redis.Z{
		Score:  float64(now),
		Member: fmt.Sprintf("%d:%d", now, time.Now().UnixNano()),
	}).Err()
	if err != nil {
		return false, err
	}
	return true, nil
}

// checkMemoryWindow is the in-memory fallback: a lazily created fixed window
// per address, reset when the window elapses.
func (l *ConnectionLimiter) checkMemoryWindow(addr string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[addr]
	if !ok || now.Sub(w.windowStart) >= l.window {
		l.windows[addr] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Sweep drops in-memory entries idle beyond twice the window. Redis entries
// expire on their own TTL. Called by the reaper.
func (l *ConnectionLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := now.Add(-2 * l.window)
	for addr, w := range l.windows {
		if w.windowStart.Before(cutoff) {
			delete(l.windows, addr)
			removed++
		}
	}
	return removed
}

package httpx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RateLimiter counts requests against fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) quotaDecision
	Close()
}

// quotaDecision is the outcome of one Allow call.
type quotaDecision struct {
	ok      bool
	used    int
	resetAt time.Time
}

func (d quotaDecision) remaining(limit int) int {
	return max(limit-d.used, 0)
}

const windowSweepInterval = 5 * time.Minute

type window struct {
	used    int
	resetAt time.Time
}

type memoryLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	done    chan struct{}
	closed  sync.Once
}

// NewMemoryRateLimiter keeps windows in process memory. Expired windows are
// swept in the background until Close.
func NewMemoryRateLimiter() RateLimiter {
	l := newMemoryLimiter(time.Now)
	go l.sweep(windowSweepInterval)
	return l
}

func newMemoryLimiter(now func() time.Time) *memoryLimiter {
	return &memoryLimiter{windows: make(map[string]window), now: now, done: make(chan struct{})}
}

func (l *memoryLimiter) Allow(key string, limit int, span time.Duration) quotaDecision {
	if limit <= 0 {
		return quotaDecision{ok: true}
	}
	if span <= 0 {
		span = time.Minute
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(span)}
	}
	if w.used >= limit {
		return quotaDecision{used: w.used, resetAt: w.resetAt}
	}
	w.used++
	l.windows[key] = w
	return quotaDecision{ok: true, used: w.used, resetAt: w.resetAt}
}

func (l *memoryLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.expire()
		case <-l.done:
			return
		}
	}
}

func (l *memoryLimiter) expire() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

func (l *memoryLimiter) Close() {
	l.closed.Do(func() { close(l.done) })
}

// windowScript increments a counter, starts its expiry on first use and
// returns the count with the remaining lifetime in milliseconds.
var windowScript = redis.NewScript(`
local used = redis.call('INCR', KEYS[1])
if used == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {used, redis.call('PTTL', KEYS[1])}
`)

const (
	redisKeyPrefix    = "launchpad:quota:"
	redisCallTimeout  = 250 * time.Millisecond
	redisPingDeadline = 2 * time.Second
)

type redisLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter shares windows across API replicas. Requests are let
// through when Redis cannot be reached.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingDeadline)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisLimiter{client: client, logger: logger}, nil
}

func (l *redisLimiter) Allow(key string, limit int, span time.Duration) quotaDecision {
	if limit <= 0 {
		return quotaDecision{ok: true}
	}
	if span <= 0 {
		span = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	out, err := windowScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, span.Milliseconds()).Int64Slice()
	if err != nil || len(out) != 2 {
		if l.logger != nil {
			l.logger.Error("quota check failed, allowing request", "key", key, "error", err)
		}
		return quotaDecision{ok: true}
	}
	ttl := time.Duration(out[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = span
	}
	used := int(out[0])
	return quotaDecision{ok: used <= limit, used: used, resetAt: time.Now().Add(ttl)}
}

func (l *redisLimiter) Close() {
	_ = l.client.Close()
}

package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reports whether one more request from key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter is a fixed-window counter shared by every server process.
// It allows bursting at window boundaries.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	iv := l.now().UnixNano() / int64(l.window)
	k := l.prefix + "ratelimit:" + key + ":" + strconv.FormatInt(iv, 16)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(l.max), nil
}

// MemoryLimiter is the single-process fixed-window counter
type MemoryLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	current int64
	counts  map[string]int
	now     func() time.Time
}

func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:    max,
		window: window,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	iv := l.now().UnixNano() / int64(l.window)
	if iv != l.current {
		l.current = iv
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= l.max, nil
}

// rateLimited rejects requests over the limit with 429. A limiter error lets
// the request through.
func rateLimited(h http.Handler, limiter Limiter, window time.Duration) http.Handler {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			log.Printf("Rate limiter error: %v", err)
		} else if !ok {
			w.Header().Set("Retry-After", retryAfter)
			writeJSON(w, http.StatusTooManyRequests, response{Success: false, Message: "Too Many Attempts."})
			return
		}
		h.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

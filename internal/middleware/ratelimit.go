// ratelimit.go throttles API clients. With a Redis URL configured the buckets live in
// Redis (GCRA via redis_rate) and are shared by every replica; otherwise each process
// keeps its own token buckets.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/conpanion/conpanion/internal/config"
)

// RateLimitConfig holds the limits for one limiter
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle in-memory buckets are dropped
	CleanupInterval time.Duration
}

// FromConfig builds a RateLimitConfig from the security settings
func FromConfig(cfg config.RateLimitingConfig) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.Burst,
		CleanupInterval:   5 * time.Minute,
	}
}

// AuthRateLimitConfig returns the stricter limits applied to login and registration
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 10, BurstSize: 5, CleanupInterval: 5 * time.Minute}
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a keyed request may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
}

// ---------------------------------------------------------------------------
// In-memory token bucket
// ---------------------------------------------------------------------------

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter is a per-process token bucket limiter
type MemoryLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stopCh  chan struct{}
}

// NewMemoryLimiter creates a limiter and starts its cleanup loop
func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	rl := &MemoryLimiter{cfg: cfg, buckets: map[string]*bucket{}, now: time.Now, stopCh: make(chan struct{})}
	go rl.cleanup()
	return rl
}

func (rl *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-10 * time.Minute)
			for key, b := range rl.buckets {
				if b.lastUpdate.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup loop
func (rl *MemoryLimiter) Stop() { close(rl.stopCh) }

func (rl *MemoryLimiter) Limit() int { return rl.cfg.RequestsPerMinute }

func (rl *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	perSecond := float64(rl.cfg.RequestsPerMinute) / 60.0
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.BurstSize), lastUpdate: now}
		rl.buckets[key] = b
	} else {
		b.tokens = math.Min(float64(rl.cfg.BurstSize), b.tokens+now.Sub(b.lastUpdate).Seconds()*perSecond)
		b.lastUpdate = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}
	wait := time.Minute
	if perSecond > 0 {
		wait = time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisLimiter shares limits across replicas
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a limiter backed by the given client
func NewRedisLimiter(rdb redis.UniversalClient, cfg RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.Limit{Rate: cfg.RequestsPerMinute, Burst: cfg.BurstSize, Period: time.Minute},
	}
}

func (rl *RedisLimiter) Limit() int { return rl.limit.Rate }

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := rl.limiter.Allow(ctx, "ratelimit:"+key, rl.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: res.Allowed > 0, Remaining: res.Remaining, RetryAfter: res.RetryAfter}, nil
}

// NewLimiter picks the Redis limiter when a URL is configured and reachable and falls
// back to the in-memory limiter otherwise.
func NewLimiter(ctx context.Context, cfg config.RateLimitingConfig, limits RateLimitConfig) (Limiter, func()) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err == nil {
			rdb := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = rdb.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				slog.Info("rate limiting backed by redis", "addr", opts.Addr)
				return NewRedisLimiter(rdb, limits), func() { _ = rdb.Close() }
			}
			_ = rdb.Close()
		}
		slog.Warn("redis unavailable, falling back to in-memory rate limiting", "error", err)
	}
	ml := NewMemoryLimiter(limits)
	return ml, ml.Stop
}

// RateLimitMiddleware rejects requests over the limit with 429. A limiter error lets
// the request through.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.Allow(c.Request.Context(), rateLimitKey(c))
		if err != nil {
			slog.Warn("rate limiter error, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"code":        "rate_limit_exceeded",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}

// rateLimitKey prefers the authenticated user and falls back to the client IP
func rateLimitKey(c *gin.Context) string {
	if id, ok := CurrentUserID(c); ok {
		return fmt.Sprintf("user:%s", id)
	}
	return "ip:" + c.ClientIP()
}

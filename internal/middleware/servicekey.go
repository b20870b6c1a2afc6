// servicekey.go authenticates the external delivery functions calling the internal
// endpoints. They present the same service credential the server uses to call them.
package middleware

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/auth"
)

// KeySource supplies the current service credential
type KeySource interface {
	Key() string
}

const (
	serviceKeyMaxFailures = 10
	serviceKeyWindow      = time.Minute
)

// failureLimiter counts failed attempts per IP inside a sliding window
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func (l *failureLimiter) blocked(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-serviceKeyWindow)
	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(l.failures, ip)
	} else {
		l.failures[ip] = recent
	}
	return len(recent) >= serviceKeyMaxFailures
}

func (l *failureLimiter) record(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[ip] = append(l.failures[ip], now)
}

// ServiceKeyMiddleware requires "Authorization: Bearer <service key>". IPs with
// repeated failures are refused for a minute. With no key configured every request
// is refused.
func ServiceKeyMiddleware(keys KeySource) gin.HandlerFunc {
	limiter := &failureLimiter{failures: map[string][]time.Time{}}

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()
		if limiter.blocked(ip, now) {
			abort(c, apperr.RateLimitExceeded, "too many failed attempts")
			return
		}

		expected := keys.Key()
		token, ok := bearerToken(c)
		if expected == "" || !ok || !auth.SecureCompare(token, expected) {
			limiter.record(ip, now)
			slog.Warn("rejected internal request with bad service key", "ip", ip, "path", c.FullPath())
			abort(c, apperr.AuthRequired, "invalid service credential")
			return
		}
		c.Next()
	}
}

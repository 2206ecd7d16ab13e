package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			slog.Warn("http request", append(attrs, "error", c.Errors.String())...)
			return
		}
		slog.Debug("http request", attrs...)
	}
}

// RateLimit configures the per-document AI chat limit. A non-positive
// Limit disables it.
type RateLimit struct {
	Limit      float64
	Burst      int
	Expiration time.Duration
}

// keyedLimiter hands out one token bucket per key and forgets keys unused
// for longer than the expiration.
type keyedLimiter struct {
	mu       sync.Mutex
	cfg      RateLimit
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	now      func() time.Time
}

func newKeyedLimiter(cfg RateLimit) *keyedLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = 10 * time.Minute
	}
	return &keyedLimiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, seen := range l.lastSeen {
		if now.Sub(seen) > l.cfg.Expiration {
			delete(l.limiters, k)
			delete(l.lastSeen, k)
		}
	}

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.Limit), l.cfg.Burst)
		l.limiters[key] = lim
	}
	l.lastSeen[key] = now
	return lim.AllowN(now, 1)
}

// perDocumentLimit rejects requests for a document once its bucket is
// empty.
func perDocumentLimit(cfg RateLimit) gin.HandlerFunc {
	if cfg.Limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newKeyedLimiter(cfg)
	return func(c *gin.Context) {
		if !limiter.allow(c.Param("docId")) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

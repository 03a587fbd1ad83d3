package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// UserRateLimiter keeps one token bucket per caller. Requests without a
// caller id fall back to the client IP.
type UserRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	log      *zap.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserRateLimiter allows perMinute requests per caller with a burst of 5.
// A non-positive perMinute disables limiting.
func NewUserRateLimiter(perMinute int, log *zap.Logger) *UserRateLimiter {
	rps := rate.Inf
	if perMinute > 0 {
		rps = rate.Limit(float64(perMinute) / 60.0)
	}
	return &UserRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rps,
		burst:    5,
		log:      log,
	}
}

func (l *UserRateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Sweep forgets callers idle since before cutoff.
func (l *UserRateLimiter) Sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

// Run sweeps idle callers every minute until ctx is done.
func (l *UserRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(time.Now().Add(-5 * time.Minute))
		}
	}
}

func (l *UserRateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, ok := c.Get("userID"); ok {
			if uid, ok := id.(int64); ok {
				key = "user:" + strconv.FormatInt(uid, 10)
			}
		}
		if !l.limiter(key).Allow() {
			l.log.Warn("rate limit exceeded", zap.String("key", key), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
